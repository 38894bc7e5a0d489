// Package mirror sends best-effort copies of identities and punches to an
// external system. Local operations never wait for or fail on a mirror.
package mirror

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"faceattend/internal/metrics"
	"faceattend/internal/queue"
)

// Kind names what a record describes.
type Kind string

const (
	KindEnrolled Kind = "identity.enrolled"
	KindDeleted  Kind = "identity.deleted"
	KindPunch    Kind = "attendance.punch"
)

// Record is one mirrored change.
type Record struct {
	Kind      Kind      `json:"kind"`
	User      string    `json:"user"`
	At        time.Time `json:"at"`
	EventID   string    `json:"event_id,omitempty"`
	PunchType string    `json:"punch_type,omitempty"`
	Date      string    `json:"date,omitempty"`
	Samples   int       `json:"samples,omitempty"`
	// Photo is a PNG of the first enrollment sample. The worker uploads
	// it and replaces it with PhotoURL.
	Photo    []byte `json:"photo,omitempty"`
	PhotoURL string `json:"photo_url,omitempty"`
}

// Mirror delivers a record somewhere outside this process.
type Mirror interface {
	Mirror(ctx context.Context, rec Record) error
}

// Noop is the mirror used when none is configured.
type Noop struct{}

func (Noop) Mirror(context.Context, Record) error { return nil }

// Queue hands records to the worker through a queue.
type Queue struct {
	Q queue.Queue
}

func (m Queue) Mirror(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return m.Q.Publish(ctx, queue.NewMessage(string(rec.Kind), body))
}

// DefaultMaxInFlight bounds concurrent sends when none is configured.
const DefaultMaxInFlight = 64

// Dispatcher sends records in the background with a per-record timeout.
// At most limit sends run at once; records beyond that are dropped.
type Dispatcher struct {
	mirror  Mirror
	timeout time.Duration
	log     *zap.Logger
	metrics metrics.Recorder
	limit   int64
	slots   *semaphore.Weighted
	wg      sync.WaitGroup
}

// NewDispatcher wraps m. A nil m behaves like Noop.
func NewDispatcher(m Mirror, timeout time.Duration, log *zap.Logger, rec metrics.Recorder) *Dispatcher {
	if m == nil {
		m = Noop{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Dispatcher{
		mirror:  m,
		timeout: timeout,
		log:     log.Named("mirror"),
		metrics: rec,
		limit:   DefaultMaxInFlight,
		slots:   semaphore.NewWeighted(DefaultMaxInFlight),
	}
}

// WithMaxInFlight replaces the concurrency bound. Call it before the
// first Send.
func (d *Dispatcher) WithMaxInFlight(n int) *Dispatcher {
	if n <= 0 {
		n = DefaultMaxInFlight
	}
	d.limit = int64(n)
	d.slots = semaphore.NewWeighted(d.limit)
	return d
}

// Send returns immediately. Failures and drops are logged and counted.
func (d *Dispatcher) Send(rec Record) {
	if _, ok := d.mirror.(Noop); ok {
		return
	}
	if !d.slots.TryAcquire(1) {
		d.metrics.RecordMirror(string(rec.Kind), "dropped")
		d.log.Warn("mirror backlog full, dropping record",
			zap.String("kind", string(rec.Kind)), zap.String("user", rec.User), zap.Int64("in_flight", d.limit))
		return
	}
	d.wg.Add(1)
	go func() {
		defer func() {
			d.slots.Release(1)
			d.wg.Done()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.mirror.Mirror(ctx, rec); err != nil {
			d.metrics.RecordMirror(string(rec.Kind), "error")
			d.log.Warn("mirror failed", zap.String("kind", string(rec.Kind)), zap.String("user", rec.User), zap.Error(err))
			return
		}
		d.metrics.RecordMirror(string(rec.Kind), "ok")
	}()
}

// Wait blocks until in-flight sends finish or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
