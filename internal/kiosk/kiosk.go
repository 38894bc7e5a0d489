// Package kiosk runs the per-frame pipeline: detect, check liveness,
// recognize, punch. It also keeps the ledger and the face model in step
// on enrollment and deletion, and mirrors changes best-effort.
package kiosk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"

	"go.uber.org/zap"

	"faceattend/internal/attendance"
	"faceattend/internal/face"
	"faceattend/internal/metrics"
	"faceattend/internal/mirror"
	"faceattend/internal/vision"
)

var (
	ErrSpoofSuspected = errors.New("liveness check failed, recapture with a live camera feed")
	ErrNotRecognized  = errors.New("face not recognized")
)

// FaceModel is the subset of face.Model the kiosk drives.
type FaceModel interface {
	Enroll(ctx context.Context, name string, frames []image.Image) (face.EnrollResult, error)
	Train(ctx context.Context) (face.TrainResult, error)
	Detect(frame image.Image) (vision.Detection, bool)
	RecognizeDetection(ctx context.Context, det vision.Detection) (face.Recognition, error)
	ListIdentities(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) error
	Forget(ctx context.Context, name string) error
	Status() face.Status
}

// Ledger is the subset of attendance.Service the kiosk drives.
type Ledger interface {
	Punch(ctx context.Context, user string, pt attendance.PunchType) (attendance.PunchResult, error)
	Register(ctx context.Context, user string) error
	DeleteUser(ctx context.Context, user string) error
}

// LivenessChecker scores a frame for spoofing.
type LivenessChecker interface {
	Check(img image.Image) vision.Liveness
}

// Publisher mirrors records without blocking.
type Publisher interface {
	Send(rec mirror.Record)
}

// Service is the kiosk pipeline.
type Service struct {
	model    FaceModel
	ledger   Ledger
	liveness LivenessChecker
	mirror   Publisher
	remover  Remover
	log      *zap.Logger
	metrics  metrics.Recorder
}

// New wires the pipeline. pub may be nil.
func New(model FaceModel, ledger Ledger, liveness LivenessChecker, pub Publisher, log *zap.Logger, rec metrics.Recorder) *Service {
	if pub == nil {
		pub = mirror.NewDispatcher(mirror.Noop{}, 0, nil, nil)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Service{model: model, ledger: ledger, liveness: liveness, mirror: pub, log: log.Named("kiosk"), metrics: rec}
}

// WithRemover makes DeleteUser remove both stores through r in one unit
// instead of one after the other.
func (s *Service) WithRemover(r Remover) *Service {
	s.remover = r
	return s
}

// Identification is the outcome of one frame.
type Identification struct {
	face.Recognition
	Liveness vision.Liveness
}

// Identify detects the most prominent face, rejects spoofs and then
// recognizes. It returns face.ErrNoFaceDetected when the frame has no
// face and ErrSpoofSuspected when it fails the liveness gate; both carry
// the partial identification.
func (s *Service) Identify(ctx context.Context, frame image.Image) (Identification, error) {
	det, ok := s.model.Detect(frame)
	if !ok {
		s.metrics.RecordRecognition("no_face")
		return Identification{}, face.ErrNoFaceDetected
	}

	id := Identification{Liveness: s.liveness.Check(frame)}
	id.Found, id.Box = true, det.Box
	s.metrics.RecordLiveness(id.Liveness.Live, id.Liveness.Score)
	if !id.Liveness.Live {
		s.log.Info("spoof suspected", zap.Float64("score", id.Liveness.Score))
		return id, ErrSpoofSuspected
	}

	rec, err := s.model.RecognizeDetection(ctx, det)
	if err != nil {
		return id, err
	}
	id.Recognition = rec
	return id, nil
}

// CheckInResult is a recognized face and the punch it produced.
type CheckInResult struct {
	Identification
	Punch attendance.PunchResult
}

// CheckIn identifies the face in frame and punches for them.
func (s *Service) CheckIn(ctx context.Context, frame image.Image, pt attendance.PunchType) (CheckInResult, error) {
	pt, err := attendance.ParsePunchType(string(pt))
	if err != nil {
		return CheckInResult{}, err
	}
	id, err := s.Identify(ctx, frame)
	res := CheckInResult{Identification: id}
	if err != nil {
		return res, err
	}
	if !id.Known {
		return res, ErrNotRecognized
	}
	res.Punch, err = s.Punch(ctx, id.Name, pt)
	return res, err
}

// Punch records a punch for a named user and mirrors it.
func (s *Service) Punch(ctx context.Context, user string, pt attendance.PunchType) (attendance.PunchResult, error) {
	res, err := s.ledger.Punch(ctx, user, pt)
	if err != nil {
		return res, err
	}
	s.mirror.Send(mirror.Record{
		Kind:      mirror.KindPunch,
		User:      res.Event.User,
		At:        res.Event.At,
		EventID:   res.Event.ID,
		PunchType: string(res.Event.Type),
		Date:      res.Event.Date,
	})
	return res, nil
}

// Enroll enrolls the identity, registers them in the ledger and mirrors
// the enrollment with a photo of the first sample. A stored identity is
// registered and mirrored even when the retrain after it failed; that
// error is still returned.
func (s *Service) Enroll(ctx context.Context, name string, frames []image.Image) (face.EnrollResult, error) {
	res, err := s.model.Enroll(ctx, name, frames)
	if !res.Persisted {
		return res, err
	}
	if regErr := s.ledger.Register(ctx, res.Name); regErr != nil {
		return res, errors.Join(err, fmt.Errorf("register enrolled identity: %w", regErr))
	}

	rec := mirror.Record{Kind: mirror.KindEnrolled, User: res.Name, At: res.EnrolledAt, Samples: res.Accepted}
	if res.Snapshot != nil {
		var buf bytes.Buffer
		if err := png.Encode(&buf, res.Snapshot); err != nil {
			s.log.Warn("encode enrollment photo", zap.String("user", res.Name), zap.Error(err))
		} else {
			rec.Photo = buf.Bytes()
		}
	}
	s.mirror.Send(rec)
	return res, err
}

// DeleteUser removes the face identity together with the ledger user and
// their events. It fails with attendance.ErrUserNotFound only when
// neither existed.
//
// With a Remover both sides go in one transaction and the model retrains
// after commit. Without one the identity goes first, so a failing face
// store leaves the ledger untouched.
func (s *Service) DeleteUser(ctx context.Context, name string) error {
	if s.remover != nil {
		return s.deleteAtomic(ctx, name)
	}

	modelErr := s.model.Delete(ctx, name)
	faceGone := modelErr == nil || errors.Is(modelErr, face.ErrRetrainFailed)
	if modelErr != nil && !faceGone && !errors.Is(modelErr, face.ErrIdentityNotFound) {
		return modelErr
	}
	ledgerErr := s.ledger.DeleteUser(ctx, name)
	if ledgerErr != nil && !errors.Is(ledgerErr, attendance.ErrUserNotFound) {
		return ledgerErr
	}
	if !faceGone && ledgerErr != nil {
		return attendance.ErrUserNotFound
	}
	s.mirror.Send(mirror.Record{Kind: mirror.KindDeleted, User: name})
	if errors.Is(modelErr, face.ErrRetrainFailed) {
		return modelErr
	}
	return nil
}

func (s *Service) deleteAtomic(ctx context.Context, name string) error {
	if err := s.remover.Remove(ctx, name); err != nil {
		return err
	}
	s.log.Info("user removed", zap.String("user", name))
	s.mirror.Send(mirror.Record{Kind: mirror.KindDeleted, User: name})
	return s.model.Forget(ctx, name)
}

// Train retrains the model from storage.
func (s *Service) Train(ctx context.Context) (face.TrainResult, error) {
	return s.model.Train(ctx)
}

// Identities lists enrolled names.
func (s *Service) Identities(ctx context.Context) ([]string, error) {
	return s.model.ListIdentities(ctx)
}

// ModelStatus describes the active model.
func (s *Service) ModelStatus() face.Status {
	return s.model.Status()
}
