// Package face enrolls identities, trains the recognizer and answers
// recognition queries against an atomically swapped model snapshot.
package face

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"faceattend/internal/metrics"
	"faceattend/internal/vision"
)

// Unknown is the name reported for faces that match no identity closely
// enough.
const Unknown = "Unknown"

const (
	DefaultMinSamples = 10
	DefaultThreshold  = 70.0
)

// Finder preprocesses a raw frame and returns its most prominent face.
type Finder interface {
	Find(img image.Image) (vision.Detection, bool)
}

// Options tunes a Model.
type Options struct {
	// MinSamples is the fewest detected faces an enrollment may keep.
	MinSamples int
	// Threshold is the exclusive upper bound on a match distance.
	Threshold float64
	// Workers bounds parallel frame analysis during enrollment.
	Workers int
	Now     func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MinSamples <= 0 {
		o.MinSamples = DefaultMinSamples
	}
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// snapshot is an immutable trained state. The classifier and label map
// are only ever replaced together.
type snapshot struct {
	version    int64
	labels     map[int]string
	classifier Classifier
	trainedAt  time.Time
}

// Model is the face identity model. Recognition reads the current
// snapshot without locking; training builds a new snapshot off to the
// side and swaps it in.
type Model struct {
	finder  Finder
	algo    Algorithm
	store   Store
	opts    Options
	log     *zap.Logger
	metrics metrics.Recorder

	trainMu sync.Mutex
	current atomic.Pointer[snapshot]
}

// NewModel wires a model. Call Load to restore a persisted artifact.
func NewModel(finder Finder, algo Algorithm, store Store, opts Options, log *zap.Logger, rec metrics.Recorder) *Model {
	if log == nil {
		log = zap.NewNop()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Model{
		finder:  finder,
		algo:    algo,
		store:   store,
		opts:    opts.withDefaults(),
		log:     log.Named("face"),
		metrics: rec,
	}
}

// Load restores the persisted artifact, if any. The model stays
// untrained when nothing was saved.
func (m *Model) Load(ctx context.Context) error {
	a, err := m.store.LoadArtifact(ctx)
	if err != nil {
		return fmt.Errorf("load model artifact: %w", err)
	}
	if a == nil {
		m.log.Info("no persisted model, starting untrained")
		return nil
	}
	if len(a.Labels) == 0 {
		return fmt.Errorf("load model artifact v%d: %w", a.Version, ErrLabelMapCorrupt)
	}
	clf, err := m.algo.Restore(a.Blob)
	if err != nil {
		return fmt.Errorf("restore classifier v%d: %w", a.Version, err)
	}
	m.current.Store(&snapshot{version: a.Version, labels: a.Labels, classifier: clf, trainedAt: a.TrainedAt})
	m.log.Info("model restored", zap.Int64("version", a.Version), zap.Int("identities", len(a.Labels)))
	return nil
}

// EnrollResult reports how many frames yielded a usable face.
type EnrollResult struct {
	Name     string
	Accepted int
	Total    int
	Message  string
	// Snapshot is the first accepted face sample.
	Snapshot   *image.Gray
	EnrolledAt time.Time
	// Persisted reports that the identity reached storage, even when the
	// retrain that followed failed.
	Persisted bool
}

// Enroll detects a face in every frame, persists the identity when at
// least MinSamples faces were found, and retrains the model. Frames
// without a face are dropped.
func (m *Model) Enroll(ctx context.Context, name string, frames []image.Image) (EnrollResult, error) {
	name = strings.TrimSpace(name)
	res := EnrollResult{Name: name, Total: len(frames)}
	if name == "" {
		return res, ErrInvalidName
	}

	samples, err := m.detectAll(ctx, frames)
	if err != nil {
		return res, err
	}
	res.Accepted = len(samples)
	if len(samples) < m.opts.MinSamples {
		m.metrics.RecordEnrollment("insufficient")
		res.Message = fmt.Sprintf("Only captured %d samples. Need at least %d.", len(samples), m.opts.MinSamples)
		return res, fmt.Errorf("%w: captured %d, need %d", ErrInsufficientSamples, len(samples), m.opts.MinSamples)
	}

	res.EnrolledAt = m.opts.Now()
	res.Snapshot = samples[0]
	if err := m.store.CreateIdentity(ctx, Identity{Name: name, Samples: samples, EnrolledAt: res.EnrolledAt}); err != nil {
		m.metrics.RecordEnrollment("rejected")
		if errors.Is(err, ErrIdentityExists) {
			res.Message = fmt.Sprintf("%s is already enrolled", name)
			return res, err
		}
		return res, fmt.Errorf("persist identity %q: %w", name, err)
	}
	res.Persisted = true

	if _, err := m.Train(ctx); err != nil {
		m.metrics.RecordEnrollment("train_failed")
		res.Message = "Training failed"
		return res, fmt.Errorf("train after enrolling %q: %w", name, err)
	}
	m.metrics.RecordEnrollment("ok")
	m.log.Info("identity enrolled", zap.String("name", name), zap.Int("samples", len(samples)), zap.Int("frames", len(frames)))
	res.Message = fmt.Sprintf("Registered %s with %d samples", name, len(samples))
	return res, nil
}

// detectAll runs face detection over frames in parallel and returns the
// detected faces in frame order.
func (m *Model) detectAll(ctx context.Context, frames []image.Image) ([]*image.Gray, error) {
	faces := make([]*image.Gray, len(frames))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Workers)
	for i, frame := range frames {
		i, frame := i, frame
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if frame == nil || frame.Bounds().Empty() {
				return nil
			}
			if det, ok := m.finder.Find(frame); ok {
				faces[i] = det.Face
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := faces[:0]
	for _, f := range faces {
		if f != nil {
			out = append(out, f)
		}
	}
	return out, nil
}

// TrainResult describes a freshly trained snapshot.
type TrainResult struct {
	Version    int64
	Identities int
	Samples    int
	Labels     map[int]string
}

// Train rebuilds the classifier from every enrolled identity. Labels are
// assigned densely in name order, so the same enrolled set always yields
// the same label map. The classifier and label map are persisted as one
// artifact before the new snapshot becomes visible.
//
// With no identities enrolled the model is reset to untrained and
// ErrNoEnrolledIdentities is returned. Any other failure leaves the
// current snapshot in place.
func (m *Model) Train(ctx context.Context) (TrainResult, error) {
	m.trainMu.Lock()
	defer m.trainMu.Unlock()

	start := time.Now()
	res, err := m.train(ctx)
	m.metrics.RecordTraining(time.Since(start), res.Identities, err)
	if err != nil {
		m.log.Warn("training failed", zap.Error(err))
		return res, err
	}
	m.log.Info("model trained",
		zap.Int64("version", res.Version),
		zap.Int("identities", res.Identities),
		zap.Int("samples", res.Samples),
		zap.Duration("took", time.Since(start)))
	return res, nil
}

func (m *Model) train(ctx context.Context) (TrainResult, error) {
	ids, err := m.store.Identities(ctx)
	if err != nil {
		return TrainResult{}, fmt.Errorf("load identities: %w", err)
	}
	if len(ids) == 0 {
		if err := m.reset(ctx); err != nil {
			return TrainResult{}, err
		}
		return TrainResult{}, ErrNoEnrolledIdentities
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Name < ids[j].Name })

	labels := make(map[int]string, len(ids))
	var samples []*image.Gray
	var sampleLabels []int
	for label, id := range ids {
		labels[label] = id.Name
		for _, s := range id.Samples {
			samples = append(samples, s)
			sampleLabels = append(sampleLabels, label)
		}
	}
	res := TrainResult{Identities: len(ids), Samples: len(samples), Labels: labels}
	if len(samples) == 0 {
		return res, ErrNoSamples
	}

	clf, err := m.algo.Train(samples, sampleLabels)
	if err != nil {
		return res, fmt.Errorf("fit classifier: %w", err)
	}
	blob, err := clf.MarshalBinary()
	if err != nil {
		return res, fmt.Errorf("encode classifier: %w", err)
	}

	res.Version = m.nextVersion(ctx)
	next := &snapshot{version: res.Version, labels: labels, classifier: clf, trainedAt: m.opts.Now()}
	art := Artifact{Version: next.version, Labels: labels, Blob: blob, TrainedAt: next.trainedAt}
	if err := m.store.SaveArtifact(ctx, art); err != nil {
		return res, fmt.Errorf("persist model artifact: %w", err)
	}
	m.current.Store(next)
	return res, nil
}

// nextVersion continues from the newer of the in-memory and persisted
// versions.
func (m *Model) nextVersion(ctx context.Context) int64 {
	var v int64
	if cur := m.current.Load(); cur != nil {
		v = cur.version
	}
	if a, err := m.store.LoadArtifact(ctx); err == nil && a != nil && a.Version > v {
		v = a.Version
	}
	return v + 1
}

func (m *Model) reset(ctx context.Context) error {
	if err := m.store.ClearArtifact(ctx); err != nil {
		return fmt.Errorf("clear model artifact: %w", err)
	}
	if m.current.Swap(nil) != nil {
		m.log.Info("model reset to untrained")
	}
	return nil
}

// Recognition is the answer to a recognition query.
type Recognition struct {
	// Found reports whether a face was detected at all.
	Found bool
	// Known reports a match below the threshold.
	Known bool
	// Name is the matched identity, Unknown for a rejected match, or
	// empty when no face was found or the model is untrained.
	Name  string
	Score float64
	Box   image.Rectangle
}

// Detect preprocesses frame and locates its most prominent face.
func (m *Model) Detect(frame image.Image) (vision.Detection, bool) {
	return m.finder.Find(frame)
}

// Recognize identifies the most prominent face in frame.
func (m *Model) Recognize(ctx context.Context, frame image.Image) (Recognition, error) {
	det, ok := m.Detect(frame)
	if !ok {
		m.metrics.RecordRecognition("no_face")
		return Recognition{}, nil
	}
	return m.RecognizeDetection(ctx, det)
}

// RecognizeDetection matches an already detected face. An untrained
// model never consults the classifier.
func (m *Model) RecognizeDetection(_ context.Context, det vision.Detection) (Recognition, error) {
	rec := Recognition{Found: true, Box: det.Box}
	snap := m.current.Load()
	if snap == nil {
		m.metrics.RecordRecognition("untrained")
		return rec, nil
	}

	label, dist := snap.classifier.Predict(det.Face)
	rec.Score = dist
	if dist >= m.opts.Threshold {
		m.metrics.RecordRecognition("unknown")
		rec.Name = Unknown
		return rec, nil
	}
	name, ok := snap.labels[label]
	if !ok {
		m.metrics.RecordRecognition("corrupt")
		return rec, fmt.Errorf("label %d in model v%d: %w", label, snap.version, ErrLabelMapCorrupt)
	}
	m.metrics.RecordRecognition("known")
	rec.Known, rec.Name = true, name
	return rec, nil
}

// ListIdentities returns the enrolled names from storage. A name can be
// listed before any model containing it has finished training.
func (m *Model) ListIdentities(ctx context.Context) ([]string, error) {
	names, err := m.store.IdentityNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	return names, nil
}

// Delete removes an identity's samples and retrains without it. A store
// failure returns before the model is touched.
func (m *Model) Delete(ctx context.Context, name string) error {
	if err := m.store.DeleteIdentity(ctx, name); err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return err
		}
		return fmt.Errorf("delete identity %q: %w", name, err)
	}
	m.log.Info("identity deleted", zap.String("name", name))
	return m.Forget(ctx, name)
}

// Forget retrains after name has left storage. When retraining fails the
// model is reset to untrained so the stale snapshot cannot keep matching
// the removed identity; the error wraps ErrRetrainFailed.
func (m *Model) Forget(ctx context.Context, name string) error {
	_, err := m.Train(ctx)
	if err == nil || errors.Is(err, ErrNoEnrolledIdentities) {
		return nil
	}
	if m.current.Swap(nil) != nil {
		m.log.Error("model reset to untrained after failed retrain", zap.String("removed", name), zap.Error(err))
	}
	return fmt.Errorf("%w: %q: %w", ErrRetrainFailed, name, err)
}

// Status describes the active snapshot.
type Status struct {
	Trained    bool      `json:"trained"`
	Version    int64     `json:"version"`
	Identities []string  `json:"identities"`
	TrainedAt  time.Time `json:"trained_at,omitempty"`
}

// Status reports what the recognizer currently knows.
func (m *Model) Status() Status {
	snap := m.current.Load()
	if snap == nil {
		return Status{Identities: []string{}}
	}
	names := make([]string, 0, len(snap.labels))
	for i := 0; i < len(snap.labels); i++ {
		names = append(names, snap.labels[i])
	}
	return Status{Trained: true, Version: snap.version, Identities: names, TrainedAt: snap.trainedAt}
}
