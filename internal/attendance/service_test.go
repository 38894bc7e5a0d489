package attendance

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faceattend/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newSQLRepo(t *testing.T) Repository {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx))
	return NewRepository(db)
}

// eachRepo runs fn against the memory and SQLite repositories.
func eachRepo(t *testing.T, fn func(t *testing.T, repo Repository)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryRepository()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLRepo(t)) })
}

var morning = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func newTestService(repo Repository, clock *fakeClock, autoRegister bool) *Service {
	return NewService(repo, Options{
		DedupWindow:  5 * time.Minute,
		AutoRegister: autoRegister,
		Location:     time.UTC,
		Now:          clock.Now,
	}, nil, nil)
}

func TestPunchMessages(t *testing.T) {
	eachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		clock := newClock(morning.Add(time.Second))
		svc := newTestService(repo, clock, true)

		res, err := svc.Punch(ctx, "alice", PunchIn)
		require.NoError(t, err)
		assert.Equal(t, "Punched in successfully at 09:00:01", res.Message)
		assert.Equal(t, "2024-03-04", res.Event.Date)
		assert.NotEmpty(t, res.Event.ID)

		clock.Advance(time.Minute)
		res, err = svc.Punch(ctx, "alice", PunchIn)
		var dup *DuplicatePunchError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, "Already punched in at 09:00:01", dup.Error())
		assert.Equal(t, dup.Error(), res.Message)
	})
}

func TestPunchTypeIsNormalized(t *testing.T) {
	eachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		clock := newClock(morning.Add(time.Second))
		svc := newTestService(repo, clock, true)

		res, err := svc.Punch(ctx, "alice", PunchType(" IN "))
		require.NoError(t, err)
		assert.Equal(t, PunchIn, res.Event.Type)
		assert.Equal(t, "Punched in successfully at 09:00:01", res.Message)

		clock.Advance(time.Second)
		_, err = svc.Punch(ctx, "alice", PunchIn)
		var dup *DuplicatePunchError
		require.ErrorAs(t, err, &dup)

		events, err := repo.EventsBetween(ctx, "2024-03-04", "2024-03-04")
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, PunchIn, events[0].Type)

		st, err := svc.Statistics(ctx, "2024-03-04", "2024-03-04")
		require.NoError(t, err)
		assert.Equal(t, map[PunchType]int{PunchIn: 1}, st.ByType)
	})
}

func TestPunchDedupWindow(t *testing.T) {
	for _, tc := range []struct {
		name   string
		gap    time.Duration
		stored int
	}{
		{"within window", 4*time.Minute + 59*time.Second, 1},
		{"at window", 5 * time.Minute, 2},
		{"after window", 5*time.Minute + time.Second, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			eachRepo(t, func(t *testing.T, repo Repository) {
				ctx := context.Background()
				clock := newClock(morning)
				svc := newTestService(repo, clock, true)

				_, err := svc.Punch(ctx, "bob", PunchBreak)
				require.NoError(t, err)
				clock.Advance(tc.gap)
				_, _ = svc.Punch(ctx, "bob", PunchBreak)

				events, err := repo.EventsBetween(ctx, "2024-03-04", "2024-03-04")
				require.NoError(t, err)
				assert.Len(t, events, tc.stored)
			})
		})
	}
}

func TestPunchTypeChangeAndNewDayBypassDedup(t *testing.T) {
	eachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		clock := newClock(time.Date(2024, 3, 4, 23, 58, 0, 0, time.UTC))
		svc := newTestService(repo, clock, true)

		_, err := svc.Punch(ctx, "alice", PunchIn)
		require.NoError(t, err)
		clock.Advance(time.Minute)
		_, err = svc.Punch(ctx, "alice", PunchOut)
		require.NoError(t, err)
		clock.Advance(time.Second)
		_, err = svc.Punch(ctx, "alice", PunchIn)
		require.NoError(t, err, "different type than the latest punch")

		clock.Advance(2 * time.Minute)
		res, err := svc.Punch(ctx, "alice", PunchIn)
		require.NoError(t, err, "same type but a new day")
		assert.Equal(t, "2024-03-05", res.Event.Date)
	})
}

func TestPunchConsecutiveInsAreAllowed(t *testing.T) {
	eachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		clock := newClock(morning)
		svc := newTestService(repo, clock, true)

		_, err := svc.Punch(ctx, "alice", PunchIn)
		require.NoError(t, err)
		clock.Advance(10 * time.Minute)
		_, err = svc.Punch(ctx, "alice", PunchIn)
		require.NoError(t, err)
	})
}

func TestPunchValidation(t *testing.T) {
	svc := newTestService(NewMemoryRepository(), newClock(morning), true)
	_, err := svc.Punch(context.Background(), " ", PunchIn)
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = svc.Punch(context.Background(), "alice", PunchType("nap"))
	assert.ErrorIs(t, err, ErrInvalidPunchType)
}

func TestAutoRegisterPolicy(t *testing.T) {
	eachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		clock := newClock(morning)

		strict := newTestService(repo, clock, false)
		res, err := strict.Punch(ctx, "carol", PunchIn)
		require.ErrorIs(t, err, ErrUnknownUser)
		assert.Equal(t, "Not registered", res.Message)
		users, err := strict.Users(ctx)
		require.NoError(t, err)
		assert.Empty(t, users)

		require.NoError(t, strict.Register(ctx, "carol"))
		require.NoError(t, strict.Register(ctx, "carol"))
		_, err = strict.Punch(ctx, "carol", PunchIn)
		require.NoError(t, err)

		open := newTestService(repo, clock, true)
		_, err = open.Punch(ctx, "dave", PunchIn)
		require.NoError(t, err)
		users, err = open.Users(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"carol", "dave"}, users)
	})
}

func TestTodayStatus(t *testing.T) {
	eachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		clock := newClock(morning)
		svc := newTestService(repo, clock, true)

		st, err := svc.TodayStatus(ctx, "alice")
		require.NoError(t, err)
		assert.False(t, st.Registered)
		assert.Equal(t, "Not registered", st.Message)

		require.NoError(t, svc.Register(ctx, "alice"))
		st, err = svc.TodayStatus(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "Not punched in", st.Message)

		_, err = svc.Punch(ctx, "alice", PunchIn)
		require.NoError(t, err)
		clock.Set(time.Date(2024, 3, 4, 17, 0, 0, 0, time.UTC))
		_, err = svc.Punch(ctx, "alice", PunchOut)
		require.NoError(t, err)

		st, err = svc.TodayStatus(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "Punched OUT at 17:00:00", st.Message)
		require.NotNil(t, st.Last)
		assert.Equal(t, PunchOut, st.Last.Type)

		clock.Advance(24 * time.Hour)
		st, err = svc.TodayStatus(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "Not punched in", st.Message)
	})
}

func TestDayBucketUsesLocation(t *testing.T) {
	zone := time.FixedZone("UTC+2", 2*60*60)
	clock := newClock(time.Date(2024, 3, 4, 23, 30, 0, 0, time.UTC))
	svc := NewService(NewMemoryRepository(), Options{AutoRegister: true, Location: zone, Now: clock.Now}, nil, nil)

	res, err := svc.Punch(context.Background(), "alice", PunchIn)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-05", res.Event.Date)
	assert.Equal(t, "Punched in successfully at 01:30:00", res.Message)
}

func TestHistory(t *testing.T) {
	eachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		clock := newClock(morning)
		svc := newTestService(repo, clock, true)

		for _, day := range []int{1, 3, 4} {
			clock.Set(time.Date(2024, 3, day, 9, 0, 0, 0, time.UTC))
			_, err := svc.Punch(ctx, "alice", PunchIn)
			require.NoError(t, err)
			clock.Advance(8 * time.Hour)
			_, err = svc.Punch(ctx, "alice", PunchOut)
			require.NoError(t, err)
		}
		_, err := svc.Punch(ctx, "bob", PunchIn)
		require.NoError(t, err)

		hist, err := svc.History(ctx, "alice", 2)
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.Equal(t, "2024-03-04", hist[0].Date)
		assert.Equal(t, "2024-03-03", hist[1].Date)
		for _, d := range hist {
			require.Len(t, d.Events, 2)
			assert.Equal(t, PunchIn, d.Events[0].Type)
			assert.Equal(t, PunchOut, d.Events[1].Type)
			assert.Equal(t, "alice", d.Events[0].User)
		}

		all, err := svc.History(ctx, "alice", 30)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		none, err := svc.History(ctx, "nobody", 7)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestSummaryIncludesIdleUsers(t *testing.T) {
	eachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		clock := newClock(morning)
		svc := newTestService(repo, clock, true)

		require.NoError(t, svc.Register(ctx, "zed"))
		_, err := svc.Punch(ctx, "bob", PunchIn)
		require.NoError(t, err)
		clock.Advance(time.Minute)
		_, err = svc.Punch(ctx, "alice", PunchIn)
		require.NoError(t, err)
		clock.Advance(time.Minute)
		_, err = svc.Punch(ctx, "alice", PunchLunch)
		require.NoError(t, err)

		sum, err := svc.Summary(ctx, "")
		require.NoError(t, err)
		require.Len(t, sum, 3)
		assert.Equal(t, "alice", sum[0].User)
		assert.Len(t, sum[0].Events, 2)
		assert.Equal(t, PunchLunch, sum[0].Events[1].Type)
		assert.Equal(t, "bob", sum[1].User)
		assert.Len(t, sum[1].Events, 1)
		assert.Equal(t, "zed", sum[2].User)
		assert.NotNil(t, sum[2].Events)
		assert.Empty(t, sum[2].Events)

		other, err := svc.Summary(ctx, "2024-03-01")
		require.NoError(t, err)
		for _, u := range other {
			assert.Empty(t, u.Events)
		}

		_, err = svc.Summary(ctx, "yesterday")
		assert.ErrorIs(t, err, ErrInvalidDate)
	})
}

func TestStatistics(t *testing.T) {
	eachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		clock := newClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
		svc := newTestService(repo, clock, true)

		punch := func(user string, pt PunchType) {
			_, err := svc.Punch(ctx, user, pt)
			require.NoError(t, err)
			clock.Advance(time.Minute)
		}
		punch("alice", PunchIn)
		punch("bob", PunchIn)
		punch("alice", PunchOut)
		clock.Set(time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC))
		punch("alice", PunchIn)
		require.NoError(t, svc.Register(ctx, "carol"))

		st, err := svc.Statistics(ctx, "2024-03-01", "2024-03-02")
		require.NoError(t, err)
		assert.Equal(t, map[PunchType]int{PunchIn: 3, PunchOut: 1}, st.ByType)
		assert.Equal(t, map[string]int{"alice": 3, "bob": 1, "carol": 0}, st.ByUser)
		assert.Equal(t, map[string]int{"2024-03-01": 2, "2024-03-02": 1}, st.Daily)

		st, err = svc.Statistics(ctx, "2024-03-02", "2024-03-02")
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"alice": 1, "bob": 0, "carol": 0}, st.ByUser)

		st, err = svc.Statistics(ctx, "", "")
		require.NoError(t, err)
		assert.Equal(t, "2024-02-01", st.Start)
		assert.Equal(t, "2024-03-02", st.End)
		assert.Equal(t, 4, st.ByUser["alice"]+st.ByUser["bob"])

		_, err = svc.Statistics(ctx, "2024-03-05", "2024-03-01")
		assert.ErrorIs(t, err, ErrInvalidDate)
	})
}

func TestDeleteUserCascades(t *testing.T) {
	eachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		clock := newClock(morning)
		svc := newTestService(repo, clock, true)

		_, err := svc.Punch(ctx, "alice", PunchIn)
		require.NoError(t, err)
		_, err = svc.Punch(ctx, "bob", PunchIn)
		require.NoError(t, err)

		require.NoError(t, svc.DeleteUser(ctx, "alice"))
		assert.ErrorIs(t, svc.DeleteUser(ctx, "alice"), ErrUserNotFound)

		hist, err := svc.History(ctx, "alice", 30)
		require.NoError(t, err)
		assert.Empty(t, hist)

		st, err := svc.Statistics(ctx, "2024-03-01", "2024-03-31")
		require.NoError(t, err)
		assert.NotContains(t, st.ByUser, "alice")
		assert.Equal(t, map[PunchType]int{PunchIn: 1}, st.ByType)

		status, err := svc.TodayStatus(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "Not registered", status.Message)
	})
}

func TestConcurrentPunchesStoreOneEvent(t *testing.T) {
	eachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		svc := newTestService(repo, newClock(morning), true)

		var wg sync.WaitGroup
		errs := make(chan error, 16)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.Punch(ctx, "alice", PunchIn)
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		ok, dup := 0, 0
		for err := range errs {
			var d *DuplicatePunchError
			switch {
			case err == nil:
				ok++
			case errors.As(err, &d):
				dup++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, 15, dup)

		events, err := repo.EventsBetween(ctx, "2024-03-04", "2024-03-04")
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})
}

func TestClockStepBackKeepsOrder(t *testing.T) {
	eachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		clock := newClock(morning)
		svc := newTestService(repo, clock, true)

		_, err := svc.Punch(ctx, "alice", PunchIn)
		require.NoError(t, err)
		clock.Advance(-time.Minute)
		res, err := svc.Punch(ctx, "alice", PunchOut)
		require.NoError(t, err)
		assert.True(t, res.Event.At.Equal(morning))
	})
}

func TestParsePunchType(t *testing.T) {
	for in, want := range map[string]PunchType{"in": PunchIn, " OUT ": PunchOut, "Break": PunchBreak, "lunch": PunchLunch} {
		got, err := ParsePunchType(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParsePunchType("")
	assert.ErrorIs(t, err, ErrInvalidPunchType)
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	var k keyedMutex
	unlockA := k.Lock("a")

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	unlockA()

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}
