// Package handler exposes the kiosk and the attendance ledger over HTTP.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"faceattend/internal/attendance"
	"faceattend/internal/auth"
	"faceattend/internal/kiosk"
)

// HealthCheck returns nil when one dependency is reachable and the cause otherwise.
type HealthCheck func(ctx context.Context) error

// Handler serves the /v1 API.
type Handler struct {
	kiosk   *kiosk.Service
	ledger  *attendance.Service
	devices *auth.Devices
	signer  *auth.Signer
	checks  map[string]HealthCheck
	maxBody int64
	log     *zap.Logger
}

// Config bundles what the handler needs.
type Config struct {
	Kiosk   *kiosk.Service
	Ledger  *attendance.Service
	Devices *auth.Devices
	Signer  *auth.Signer
	// Checks are reported by /healthz; any false answer makes it 503.
	Checks map[string]HealthCheck
	// MaxBodyBytes caps request bodies; zero means 32 MiB.
	MaxBodyBytes int64
	Log          *zap.Logger
}

func New(cfg Config) *Handler {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 32 << 20
	}
	return &Handler{
		kiosk:   cfg.Kiosk,
		ledger:  cfg.Ledger,
		devices: cfg.Devices,
		signer:  cfg.Signer,
		checks:  cfg.Checks,
		maxBody: cfg.MaxBodyBytes,
		log:     cfg.Log.Named("http"),
	}
}

// Routes registers every endpoint on r.
func (h *Handler) Routes(r gin.IRouter) {
	r.GET("/healthz", h.Healthz)
	r.POST("/v1/devices/register", h.RegisterDevice)
	r.POST("/v1/devices/refresh", h.RefreshDevice)

	v1 := r.Group("/v1", auth.DeviceAuth(h.signer), h.limitBody)
	v1.GET("/identities", h.ListIdentities)
	v1.GET("/model", h.ModelStatus)
	v1.POST("/recognize", h.Recognize)
	v1.POST("/checkins", h.CheckIn)
	v1.POST("/punches", h.Punch)
	v1.GET("/users/:name/status", h.UserStatus)
	v1.GET("/users/:name/history", h.UserHistory)
	v1.GET("/attendance/summary", h.Summary)
	v1.GET("/attendance/statistics", h.Statistics)

	admin := v1.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/identities", h.Enroll)
	admin.DELETE("/identities/:name", h.DeleteIdentity)
	admin.POST("/model/train", h.Train)
}

func (h *Handler) limitBody(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody)
	c.Next()
}

func (h *Handler) Healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.checks {
		if err := check(c.Request.Context()); err != nil {
			h.log.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
			body[name] = err.Error()
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			continue
		}
		body[name] = "ok"
	}
	c.JSON(status, body)
}

// ---------- Devices ----------

type deviceRequest struct {
	DeviceID string `json:"device_id" binding:"required"`
	Name     string `json:"name"`
}

func (h *Handler) RegisterDevice(c *gin.Context) {
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, badRequest(err), "")
		return
	}
	tokens, role, err := h.devices.Register(c.Request.Context(), req.DeviceID, req.Name, c.GetHeader("X-Admin-Key"))
	if err != nil {
		h.fail(c, err, "")
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success":       true,
		"role":          role,
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
	})
}

func (h *Handler) RefreshDevice(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, badRequest(err), "")
		return
	}
	tokens, err := h.devices.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		h.fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
	})
}

// ---------- Identities and model ----------

func (h *Handler) Enroll(c *gin.Context) {
	req, frames, err := readFrames(c)
	if err != nil {
		h.fail(c, err, "")
		return
	}
	res, err := h.kiosk.Enroll(c.Request.Context(), req.Name, frames)
	if err != nil {
		h.fail(c, err, res.Message)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success":  true,
		"name":     res.Name,
		"accepted": res.Accepted,
		"total":    res.Total,
		"message":  res.Message,
	})
}

func (h *Handler) ListIdentities(c *gin.Context) {
	names, err := h.kiosk.Identities(c.Request.Context())
	if err != nil {
		h.fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "identities": names})
}

func (h *Handler) DeleteIdentity(c *gin.Context) {
	name := c.Param("name")
	if err := h.kiosk.DeleteUser(c.Request.Context(), name); err != nil {
		h.fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Deleted " + name})
}

func (h *Handler) Train(c *gin.Context) {
	res, err := h.kiosk.Train(c.Request.Context())
	if err != nil {
		h.fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"version":    res.Version,
		"identities": res.Identities,
		"samples":    res.Samples,
	})
}

func (h *Handler) ModelStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "model": h.kiosk.ModelStatus()})
}

// ---------- Recognition and punches ----------

func (h *Handler) Recognize(c *gin.Context) {
	_, frames, err := readFrames(c)
	if err != nil {
		h.fail(c, err, "")
		return
	}
	id, err := h.kiosk.Identify(c.Request.Context(), frames[0])
	if err != nil {
		h.fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, identification(id))
}

func (h *Handler) CheckIn(c *gin.Context) {
	req, frames, err := readFrames(c)
	if err != nil {
		h.fail(c, err, "")
		return
	}
	pt, err := punchType(req.Type)
	if err != nil {
		h.fail(c, err, "")
		return
	}
	res, err := h.kiosk.CheckIn(c.Request.Context(), frames[0], pt)
	if err != nil {
		h.fail(c, err, res.Punch.Message)
		return
	}
	body := identification(res.Identification)
	body["event"] = res.Punch.Event
	body["message"] = res.Punch.Message
	c.JSON(http.StatusCreated, body)
}

func (h *Handler) Punch(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
		Type string `json:"type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, badRequest(err), "")
		return
	}
	pt, err := punchType(req.Type)
	if err != nil {
		h.fail(c, err, "")
		return
	}
	res, err := h.kiosk.Punch(c.Request.Context(), req.Name, pt)
	if err != nil {
		h.fail(c, err, res.Message)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "event": res.Event, "message": res.Message})
}

// punchType defaults an empty type to a punch in.
func punchType(s string) (attendance.PunchType, error) {
	if s == "" {
		return attendance.PunchIn, nil
	}
	return attendance.ParsePunchType(s)
}

func identification(id kiosk.Identification) gin.H {
	return gin.H{
		"success": true,
		"found":   id.Found,
		"known":   id.Known,
		"name":    id.Name,
		"score":   id.Score,
		"box": gin.H{
			"x": id.Box.Min.X,
			"y": id.Box.Min.Y,
			"w": id.Box.Dx(),
			"h": id.Box.Dy(),
		},
		"liveness": id.Liveness,
	}
}

// ---------- Ledger queries ----------

func (h *Handler) UserStatus(c *gin.Context) {
	st, err := h.ledger.TodayStatus(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": st})
}

func (h *Handler) UserHistory(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", strconv.Itoa(attendance.DefaultHistoryDays)))
	if err != nil || days <= 0 {
		h.fail(c, badRequest(errors.New("days must be a positive integer")), "")
		return
	}
	hist, err := h.ledger.History(c.Request.Context(), c.Param("name"), days)
	if err != nil {
		h.fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": c.Param("name"), "days": hist})
}

func (h *Handler) Summary(c *gin.Context) {
	sum, err := h.ledger.Summary(c.Request.Context(), c.Query("date"))
	if err != nil {
		h.fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "users": sum})
}

func (h *Handler) Statistics(c *gin.Context) {
	st, err := h.ledger.Statistics(c.Request.Context(), c.Query("start"), c.Query("end"))
	if err != nil {
		h.fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "statistics": st})
}
