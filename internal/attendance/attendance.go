// Package attendance is the punch ledger: it records in/out/break/lunch
// events per user and day, rejects quick duplicates, and derives status,
// history, summaries and statistics from the stored events.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownUser      = errors.New("user is not registered")
	ErrUserNotFound     = errors.New("user not found")
	ErrInvalidPunchType = errors.New("punch type must be one of in, out, break, lunch")
	ErrInvalidDate      = errors.New("dates must be formatted YYYY-MM-DD")
	ErrInvalidName      = errors.New("user name required")
)

// DateLayout is the calendar day bucket format.
const DateLayout = "2006-01-02"

// ClockLayout formats punch times in messages.
const ClockLayout = "15:04:05"

// PunchType is the kind of a punch.
type PunchType string

const (
	PunchIn    PunchType = "in"
	PunchOut   PunchType = "out"
	PunchBreak PunchType = "break"
	PunchLunch PunchType = "lunch"
)

// ParsePunchType accepts the punch types case-insensitively.
func ParsePunchType(s string) (PunchType, error) {
	switch p := PunchType(strings.ToLower(strings.TrimSpace(s))); p {
	case PunchIn, PunchOut, PunchBreak, PunchLunch:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPunchType, s)
}

// Event is one recorded punch. Events are never modified.
type Event struct {
	ID   string    `json:"id"`
	User string    `json:"user"`
	Type PunchType `json:"type"`
	At   time.Time `json:"at"`
	Date string    `json:"date"`
}

// Clock is the event time of day in loc.
func (e Event) Clock(loc *time.Location) string {
	return e.At.In(loc).Format(ClockLayout)
}

// DuplicatePunchError rejects a punch that repeats the previous punch of
// the day within the dedup window.
type DuplicatePunchError struct {
	User  string
	Type  PunchType
	Prior time.Time
}

func (e *DuplicatePunchError) Error() string {
	return fmt.Sprintf("Already punched %s at %s", e.Type, e.Prior.Format(ClockLayout))
}

// PunchRequest is a conditional append: the event is written unless the
// user's latest event on Date has the same type and is less than Window
// older than At.
type PunchRequest struct {
	User         string
	Type         PunchType
	At           time.Time
	Date         string
	Window       time.Duration
	AutoRegister bool
}

// Repository stores users and their events. Punch and DeleteUser must
// each be atomic.
type Repository interface {
	// CreateUser registers name and reports whether it was new.
	CreateUser(ctx context.Context, name string, at time.Time) (bool, error)
	HasUser(ctx context.Context, name string) (bool, error)
	// Users lists every user sorted by name.
	Users(ctx context.Context) ([]string, error)
	// Punch performs the request in one transaction. It returns a
	// *DuplicatePunchError when rejected and ErrUnknownUser for a missing
	// user without AutoRegister.
	Punch(ctx context.Context, req PunchRequest) (Event, error)
	// LastEvent returns the latest event on date, or nil. It returns
	// ErrUserNotFound for a missing user.
	LastEvent(ctx context.Context, user, date string) (*Event, error)
	// RecentDays returns the events on the user's latest days that have
	// any, newest day first and ascending within a day.
	RecentDays(ctx context.Context, user string, days int) ([]Event, error)
	// EventsBetween returns every event with a date in [start, end],
	// ordered by user then time.
	EventsBetween(ctx context.Context, start, end string) ([]Event, error)
	// DeleteUser removes the user and all of their events.
	DeleteUser(ctx context.Context, name string) error
}

// checkDuplicate applies the dedup rule against the latest stored event.
func checkDuplicate(last *Event, req PunchRequest) error {
	if last == nil || last.Date != req.Date || last.Type != req.Type {
		return nil
	}
	if req.At.Sub(last.At) < req.Window {
		return &DuplicatePunchError{User: req.User, Type: req.Type, Prior: last.At}
	}
	return nil
}

// monotonic keeps a user's events non-decreasing in time even if the
// clock steps backwards.
func monotonic(last *Event, at time.Time) time.Time {
	if last != nil && at.Before(last.At) {
		return last.At
	}
	return at
}
