package attendance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"faceattend/internal/metrics"
)

const (
	DefaultDedupWindow = 5 * time.Minute
	DefaultHistoryDays = 7
	DefaultStatsDays   = 30
)

// Options configures the ledger policy.
type Options struct {
	DedupWindow time.Duration
	// AutoRegister creates a ledger user on their first punch. Without it
	// punching an unregistered name fails with ErrUnknownUser.
	AutoRegister bool
	// Location buckets events into calendar days and formats times.
	Location *time.Location
	Now      func() time.Time
}

// DefaultOptions auto-registers and uses the local time zone.
func DefaultOptions() Options {
	return Options{DedupWindow: DefaultDedupWindow, AutoRegister: true, Location: time.Local, Now: time.Now}
}

// Service coordinates punches and ledger queries.
type Service struct {
	repo    Repository
	opts    Options
	locks   keyedMutex
	log     *zap.Logger
	metrics metrics.Recorder
}

// NewService creates a service backed by a repository.
func NewService(repo Repository, opts Options, log *zap.Logger, rec metrics.Recorder) *Service {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Service{repo: repo, opts: opts, log: log.Named("attendance"), metrics: rec}
}

func (s *Service) now() time.Time { return s.opts.Now().In(s.opts.Location) }

func (s *Service) today() string { return s.now().Format(DateLayout) }

// PunchResult is a recorded punch and its confirmation.
type PunchResult struct {
	Event   Event  `json:"event"`
	Message string `json:"message"`
}

// Punch records a punch of type pt for user at the current server time.
// Punches for the same user are serialized so the duplicate check and
// the append cannot interleave.
func (s *Service) Punch(ctx context.Context, user string, pt PunchType) (PunchResult, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return PunchResult{}, ErrInvalidName
	}
	pt, err := ParsePunchType(string(pt))
	if err != nil {
		return PunchResult{}, err
	}

	unlock := s.locks.Lock(user)
	defer unlock()

	now := s.now()
	evt, err := s.repo.Punch(ctx, PunchRequest{
		User:         user,
		Type:         pt,
		At:           now,
		Date:         now.Format(DateLayout),
		Window:       s.opts.DedupWindow,
		AutoRegister: s.opts.AutoRegister,
	})
	var dup *DuplicatePunchError
	switch {
	case errors.As(err, &dup):
		dup.Prior = dup.Prior.In(s.opts.Location)
		s.metrics.RecordPunch(string(pt), "duplicate")
		s.log.Debug("duplicate punch", zap.String("user", user), zap.String("type", string(pt)), zap.Time("prior", dup.Prior))
		return PunchResult{Message: dup.Error()}, dup
	case errors.Is(err, ErrUnknownUser):
		s.metrics.RecordPunch(string(pt), "unknown_user")
		return PunchResult{Message: "Not registered"}, fmt.Errorf("%w: %s", ErrUnknownUser, user)
	case err != nil:
		s.metrics.RecordPunch(string(pt), "error")
		return PunchResult{}, fmt.Errorf("punch %s for %q: %w", pt, user, err)
	}

	s.metrics.RecordPunch(string(pt), "ok")
	s.log.Info("punch recorded", zap.String("user", user), zap.String("type", string(pt)), zap.String("event_id", evt.ID))
	return PunchResult{
		Event:   evt,
		Message: fmt.Sprintf("Punched %s successfully at %s", pt, evt.Clock(s.opts.Location)),
	}, nil
}

// Register creates the ledger user if missing. It is a no-op for an
// existing user.
func (s *Service) Register(ctx context.Context, user string) error {
	user = strings.TrimSpace(user)
	if user == "" {
		return ErrInvalidName
	}
	created, err := s.repo.CreateUser(ctx, user, s.now())
	if err != nil {
		return fmt.Errorf("register %q: %w", user, err)
	}
	if created {
		s.log.Info("user registered", zap.String("user", user))
	}
	return nil
}

// Status is a user's state for today.
type Status struct {
	User       string `json:"user"`
	Registered bool   `json:"registered"`
	Last       *Event `json:"last,omitempty"`
	Message    string `json:"message"`
}

// TodayStatus describes the user's latest punch today.
func (s *Service) TodayStatus(ctx context.Context, user string) (Status, error) {
	st := Status{User: user}
	last, err := s.repo.LastEvent(ctx, user, s.today())
	switch {
	case errors.Is(err, ErrUserNotFound):
		st.Message = "Not registered"
		return st, nil
	case err != nil:
		return st, fmt.Errorf("status for %q: %w", user, err)
	}
	st.Registered = true
	if last == nil {
		st.Message = "Not punched in"
		return st, nil
	}
	st.Last = last
	st.Message = fmt.Sprintf("Punched %s at %s", strings.ToUpper(string(last.Type)), last.Clock(s.opts.Location))
	return st, nil
}

// DayEvents is one calendar day of a user's punches.
type DayEvents struct {
	Date   string  `json:"date"`
	Events []Event `json:"events"`
}

// History returns up to days of the user's most recent days with
// punches, newest day first. Unknown users have no history.
func (s *Service) History(ctx context.Context, user string, days int) ([]DayEvents, error) {
	if days <= 0 {
		days = DefaultHistoryDays
	}
	events, err := s.repo.RecentDays(ctx, user, days)
	if err != nil {
		return nil, fmt.Errorf("history for %q: %w", user, err)
	}
	out := []DayEvents{}
	for _, e := range events {
		if n := len(out); n == 0 || out[n-1].Date != e.Date {
			out = append(out, DayEvents{Date: e.Date})
		}
		out[len(out)-1].Events = append(out[len(out)-1].Events, e)
	}
	return out, nil
}

// UserEvents is one user's punches for a day.
type UserEvents struct {
	User   string  `json:"user"`
	Events []Event `json:"events"`
}

// Summary lists every user with their punches on date, which defaults
// to today. Users without punches get an empty list.
func (s *Service) Summary(ctx context.Context, date string) ([]UserEvents, error) {
	if date == "" {
		date = s.today()
	} else if err := validDate(date); err != nil {
		return nil, err
	}
	users, err := s.repo.Users(ctx)
	if err != nil {
		return nil, fmt.Errorf("summary users: %w", err)
	}
	events, err := s.repo.EventsBetween(ctx, date, date)
	if err != nil {
		return nil, fmt.Errorf("summary events %s: %w", date, err)
	}

	byUser := make(map[string][]Event, len(users))
	for _, e := range events {
		byUser[e.User] = append(byUser[e.User], e)
	}
	out := make([]UserEvents, 0, len(users))
	for _, u := range users {
		evs := byUser[u]
		if evs == nil {
			evs = []Event{}
		}
		out = append(out, UserEvents{User: u, Events: evs})
	}
	return out, nil
}

// Statistics aggregates punches over an inclusive date range.
type Statistics struct {
	Start  string            `json:"start"`
	End    string            `json:"end"`
	ByType map[PunchType]int `json:"by_type"`
	// ByUser counts punches for every known user, including zero.
	ByUser map[string]int `json:"by_user"`
	// Daily is the number of distinct users who punched each date.
	Daily map[string]int `json:"daily"`
}

// Statistics computes aggregates between start and end inclusive. Empty
// bounds default to the last 30 days.
func (s *Service) Statistics(ctx context.Context, start, end string) (Statistics, error) {
	now := s.now()
	if start == "" {
		start = now.AddDate(0, 0, -DefaultStatsDays).Format(DateLayout)
	}
	if end == "" {
		end = now.Format(DateLayout)
	}
	if err := validDate(start); err != nil {
		return Statistics{}, err
	}
	if err := validDate(end); err != nil {
		return Statistics{}, err
	}
	if start > end {
		return Statistics{}, fmt.Errorf("%w: start %s after end %s", ErrInvalidDate, start, end)
	}

	users, err := s.repo.Users(ctx)
	if err != nil {
		return Statistics{}, fmt.Errorf("statistics users: %w", err)
	}
	events, err := s.repo.EventsBetween(ctx, start, end)
	if err != nil {
		return Statistics{}, fmt.Errorf("statistics events: %w", err)
	}

	st := Statistics{
		Start:  start,
		End:    end,
		ByType: make(map[PunchType]int),
		ByUser: make(map[string]int, len(users)),
		Daily:  make(map[string]int),
	}
	for _, u := range users {
		st.ByUser[u] = 0
	}
	present := make(map[string]map[string]struct{})
	for _, e := range events {
		st.ByType[e.Type]++
		st.ByUser[e.User]++
		if present[e.Date] == nil {
			present[e.Date] = make(map[string]struct{})
		}
		present[e.Date][e.User] = struct{}{}
	}
	for d, us := range present {
		st.Daily[d] = len(us)
	}
	return st, nil
}

// DeleteUser removes the user and every event they recorded.
func (s *Service) DeleteUser(ctx context.Context, user string) error {
	unlock := s.locks.Lock(user)
	defer unlock()

	if err := s.repo.DeleteUser(ctx, user); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return err
		}
		return fmt.Errorf("delete %q: %w", user, err)
	}
	s.log.Info("user deleted", zap.String("user", user))
	return nil
}

// Users lists every ledger user sorted by name.
func (s *Service) Users(ctx context.Context) ([]string, error) {
	users, err := s.repo.Users(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	sort.Strings(users)
	return users, nil
}

// Location is the zone used for day buckets.
func (s *Service) Location() *time.Location { return s.opts.Location }

func validDate(d string) error {
	if _, err := time.Parse(DateLayout, d); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidDate, d)
	}
	return nil
}
