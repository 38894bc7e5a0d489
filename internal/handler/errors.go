package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"faceattend/internal/attendance"
	"faceattend/internal/auth"
	"faceattend/internal/face"
	"faceattend/internal/kiosk"
)

var errBadRequest = errors.New("bad request")

type failure struct {
	status int
	code   string
}

// classify maps an error to its HTTP status and machine-readable code.
func classify(err error) failure {
	var dup *attendance.DuplicatePunchError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &dup):
		return failure{http.StatusConflict, "duplicate_punch"}
	case errors.Is(err, face.ErrIdentityExists):
		return failure{http.StatusConflict, "identity_exists"}

	case errors.Is(err, face.ErrNoFaceDetected):
		return failure{http.StatusUnprocessableEntity, "no_face"}
	case errors.Is(err, kiosk.ErrSpoofSuspected):
		return failure{http.StatusUnprocessableEntity, "spoof_suspected"}
	case errors.Is(err, kiosk.ErrNotRecognized):
		return failure{http.StatusUnprocessableEntity, "not_recognized"}
	case errors.Is(err, face.ErrInsufficientSamples):
		return failure{http.StatusUnprocessableEntity, "insufficient_samples"}
	case errors.Is(err, face.ErrNoEnrolledIdentities):
		return failure{http.StatusUnprocessableEntity, "no_identities"}

	case errors.Is(err, attendance.ErrUserNotFound), errors.Is(err, face.ErrIdentityNotFound):
		return failure{http.StatusNotFound, "not_found"}
	case errors.Is(err, attendance.ErrUnknownUser):
		return failure{http.StatusNotFound, "not_registered"}

	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrWrongToken),
		errors.Is(err, auth.ErrTokenRevoked), errors.Is(err, auth.ErrDeviceNotFound):
		return failure{http.StatusUnauthorized, "unauthorized"}

	case errors.As(err, &tooLarge):
		return failure{http.StatusRequestEntityTooLarge, "too_large"}
	case errors.Is(err, attendance.ErrInvalidPunchType),
		errors.Is(err, attendance.ErrInvalidDate),
		errors.Is(err, attendance.ErrInvalidName),
		errors.Is(err, face.ErrInvalidName),
		errors.Is(err, auth.ErrDeviceIDRequired),
		errors.Is(err, errNoFrames),
		errors.Is(err, errBadFrame),
		errors.Is(err, errBadRequest):
		return failure{http.StatusBadRequest, "invalid_request"}
	}
	return failure{http.StatusInternalServerError, "internal"}
}

// fail writes the error body. msg replaces the error text when set;
// internal errors are logged and never echoed.
func (h *Handler) fail(c *gin.Context, err error, msg string) {
	f := classify(err)
	if msg == "" {
		msg = err.Error()
	}
	if f.status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		msg = "internal error"
	}
	c.AbortWithStatusJSON(f.status, gin.H{"success": false, "message": msg, "code": f.code})
}

func badRequest(err error) error {
	return fmt.Errorf("%w: %w", errBadRequest, err)
}
