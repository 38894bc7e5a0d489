package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"faceattend/internal/store"
)

var (
	ErrDeviceIDRequired = errors.New("device id required")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrTokenRevoked     = errors.New("refresh token revoked")
)

// Device is a registered kiosk. SecretHash is the SHA-256 of the only
// refresh token that may still be exchanged.
type Device struct {
	ID         string
	Name       string
	SecretHash string
	CreatedAt  time.Time
}

// DeviceStore persists devices.
type DeviceStore interface {
	SaveDevice(ctx context.Context, d Device) error
	Device(ctx context.Context, id string) (Device, error)
}

// Devices registers kiosks and rotates their refresh tokens.
type Devices struct {
	store    DeviceStore
	signer   *Signer
	adminKey string
}

// NewDevices returns a registry. With an empty adminKey every device is
// issued the admin role.
func NewDevices(store DeviceStore, signer *Signer, adminKey string) *Devices {
	return &Devices{store: store, signer: signer, adminKey: adminKey}
}

// Register upserts the device and issues a fresh token pair. A matching
// admin key grants RoleAdmin; any earlier refresh token stops working.
func (d *Devices) Register(ctx context.Context, id, name, adminKey string) (TokenPair, string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return TokenPair{}, "", ErrDeviceIDRequired
	}
	if name == "" {
		name = id
	}
	role := RoleKiosk
	if d.adminKey == "" || subtle.ConstantTimeCompare([]byte(adminKey), []byte(d.adminKey)) == 1 {
		role = RoleAdmin
	}

	tokens, err := d.signer.Issue(id, role)
	if err != nil {
		return TokenPair{}, "", fmt.Errorf("issue tokens: %w", err)
	}
	dev := Device{ID: id, Name: name, SecretHash: hashToken(tokens.RefreshToken), CreatedAt: d.signer.Now().UTC()}
	if err := d.store.SaveDevice(ctx, dev); err != nil {
		return TokenPair{}, "", fmt.Errorf("save device: %w", err)
	}
	return tokens, role, nil
}

// Refresh exchanges the device's current refresh token for a new pair.
func (d *Devices) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := d.signer.ParseRefresh(refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	dev, err := d.store.Device(ctx, claims.Subject)
	if err != nil {
		return TokenPair{}, err
	}
	if subtle.ConstantTimeCompare([]byte(dev.SecretHash), []byte(hashToken(refreshToken))) != 1 {
		return TokenPair{}, ErrTokenRevoked
	}

	tokens, err := d.signer.Issue(dev.ID, claims.Role)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue tokens: %w", err)
	}
	dev.SecretHash = hashToken(tokens.RefreshToken)
	if err := d.store.SaveDevice(ctx, dev); err != nil {
		return TokenPair{}, fmt.Errorf("save device: %w", err)
	}
	return tokens, nil
}

func hashToken(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}

// SQLDeviceStore keeps devices in the devices table.
type SQLDeviceStore struct {
	db *store.DB
}

func NewSQLDeviceStore(db *store.DB) *SQLDeviceStore {
	return &SQLDeviceStore{db: db}
}

// SaveDevice inserts the device or updates its name and secret. The
// original registration time is kept.
func (s *SQLDeviceStore) SaveDevice(ctx context.Context, d Device) error {
	_, err := s.db.Client.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO devices (id, name, secret_hash, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, secret_hash = excluded.secret_hash
	`), d.ID, d.Name, d.SecretHash, d.CreatedAt.UTC())
	return err
}

func (s *SQLDeviceStore) Device(ctx context.Context, id string) (Device, error) {
	var d Device
	err := s.db.Client.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, name, secret_hash, created_at FROM devices WHERE id = ?
	`), id).Scan(&d.ID, &d.Name, &d.SecretHash, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, ErrDeviceNotFound
	}
	return d, err
}

// MemoryDeviceStore is an in-process DeviceStore for tests.
type MemoryDeviceStore struct {
	mu      sync.Mutex
	devices map[string]Device
}

func NewMemoryDeviceStore() *MemoryDeviceStore {
	return &MemoryDeviceStore{devices: map[string]Device{}}
}

func (m *MemoryDeviceStore) SaveDevice(_ context.Context, d Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.devices[d.ID]; ok {
		d.CreatedAt = prev.CreatedAt
	}
	m.devices[d.ID] = d
	return nil
}

func (m *MemoryDeviceStore) Device(_ context.Context, id string) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	return d, nil
}
