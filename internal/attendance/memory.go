package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps the ledger in process memory.
type MemoryRepository struct {
	mu     sync.Mutex
	users  map[string]time.Time
	events map[string][]Event
}

// NewMemoryRepository returns an empty ledger.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:  make(map[string]time.Time),
		events: make(map[string][]Event),
	}
}

func (r *MemoryRepository) CreateUser(_ context.Context, name string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[name]; ok {
		return false, nil
	}
	r.users[name] = at
	return true, nil
}

func (r *MemoryRepository) HasUser(_ context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.users[name]
	return ok, nil
}

func (r *MemoryRepository) Users(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make([]string, 0, len(r.users))
	for n := range r.users {
		users = append(users, n)
	}
	sort.Strings(users)
	return users, nil
}

func (r *MemoryRepository) Punch(_ context.Context, req PunchRequest) (Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[req.User]; !ok {
		if !req.AutoRegister {
			return Event{}, ErrUnknownUser
		}
		r.users[req.User] = req.At
	}

	var last *Event
	if evs := r.events[req.User]; len(evs) > 0 {
		last = &evs[len(evs)-1]
	}
	if err := checkDuplicate(last, req); err != nil {
		return Event{}, err
	}
	evt := Event{
		ID:   uuid.NewString(),
		User: req.User,
		Type: req.Type,
		At:   monotonic(last, req.At).UTC(),
		Date: req.Date,
	}
	r.events[req.User] = append(r.events[req.User], evt)
	return evt, nil
}

func (r *MemoryRepository) LastEvent(_ context.Context, user, date string) (*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[user]; !ok {
		return nil, ErrUserNotFound
	}
	evs := r.events[user]
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Date == date {
			evt := evs[i]
			return &evt, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) RecentDays(_ context.Context, user string, days int) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byDate := make(map[string][]Event)
	var dates []string
	for _, e := range r.events[user] {
		if _, ok := byDate[e.Date]; !ok {
			dates = append(dates, e.Date)
		}
		byDate[e.Date] = append(byDate[e.Date], e)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	if len(dates) > days {
		dates = dates[:days]
	}
	var res []Event
	for _, d := range dates {
		res = append(res, byDate[d]...)
	}
	return res, nil
}

func (r *MemoryRepository) EventsBetween(_ context.Context, start, end string) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]string, 0, len(r.events))
	for n := range r.events {
		users = append(users, n)
	}
	sort.Strings(users)

	var res []Event
	for _, u := range users {
		for _, e := range r.events[u] {
			if e.Date >= start && e.Date <= end {
				res = append(res, e)
			}
		}
	}
	return res, nil
}

func (r *MemoryRepository) DeleteUser(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[name]; !ok {
		return ErrUserNotFound
	}
	delete(r.users, name)
	delete(r.events, name)
	return nil
}
