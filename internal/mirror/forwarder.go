package mirror

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"faceattend/internal/cloudinary"
	"faceattend/internal/metrics"
	"faceattend/internal/queue"
)

// PhotoUploader stores an identity photo and returns its URL.
type PhotoUploader interface {
	UploadImage(ctx context.Context, data []byte, publicID string) (*cloudinary.UploadResult, error)
}

// Forwarder drains queued records into a downstream mirror, uploading
// enrollment photos on the way.
type Forwarder struct {
	sink    Mirror
	photos  PhotoUploader
	log     *zap.Logger
	metrics metrics.Recorder
}

// NewForwarder builds a forwarder. photos may be nil.
func NewForwarder(sink Mirror, photos PhotoUploader, log *zap.Logger, rec metrics.Recorder) *Forwarder {
	if log == nil {
		log = zap.NewNop()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Forwarder{sink: sink, photos: photos, log: log.Named("forwarder"), metrics: rec}
}

// Handle forwards one queued message. A failed photo upload is logged
// and the record goes out without a URL.
func (f *Forwarder) Handle(ctx context.Context, msg queue.Message) error {
	var rec Record
	if err := json.Unmarshal(msg.Body, &rec); err != nil {
		return fmt.Errorf("decode message %s: %w", msg.ID, err)
	}

	if len(rec.Photo) > 0 && f.photos != nil {
		res, err := f.photos.UploadImage(ctx, rec.Photo, rec.User)
		if err != nil {
			f.log.Warn("photo upload failed", zap.String("user", rec.User), zap.Error(err))
		} else {
			rec.PhotoURL = res.SecureURL
		}
	}
	rec.Photo = nil

	if err := f.sink.Mirror(ctx, rec); err != nil {
		return fmt.Errorf("forward %s %s: %w", rec.Kind, msg.ID, err)
	}
	return nil
}

// Run consumes q with the given number of workers until ctx ends.
func (f *Forwarder) Run(ctx context.Context, q queue.Queue, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	msgs, err := q.Consume(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for msg := range msgs {
				if err := f.Handle(ctx, msg); err != nil {
					f.metrics.RecordMirror(msg.Type, "error")
					f.log.Error("forward failed", zap.String("id", msg.ID), zap.String("type", msg.Type), zap.Error(err))
					continue
				}
				f.metrics.RecordMirror(msg.Type, "forwarded")
				f.log.Debug("forwarded", zap.String("id", msg.ID), zap.String("type", msg.Type))
			}
			return nil
		})
	}
	return g.Wait()
}
