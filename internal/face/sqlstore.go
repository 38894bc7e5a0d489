package face

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"faceattend/internal/store"
)

// SQLStore persists identities, samples and the model artifact in the
// face_identities, face_samples and face_models tables.
type SQLStore struct {
	db *store.DB
}

// NewSQLStore returns a store over a migrated database.
func NewSQLStore(db *store.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) CreateIdentity(ctx context.Context, id Identity) error {
	tx, err := s.db.Client.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, s.db.Rebind(`SELECT COUNT(*) FROM face_identities WHERE name = ?`), id.Name).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return ErrIdentityExists
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`INSERT INTO face_identities (name, enrolled_at) VALUES (?, ?)`),
		id.Name, id.EnrolledAt.UTC()); err != nil {
		if isUniqueViolation(err) {
			return ErrIdentityExists
		}
		return err
	}

	insert := s.db.Rebind(`INSERT INTO face_samples (identity, seq, width, height, pixels) VALUES (?, ?, ?, ?, ?)`)
	for i, g := range id.Samples {
		w, h, pix := packGray(g)
		if _, err := tx.ExecContext(ctx, insert, id.Name, i, w, h, pix); err != nil {
			return fmt.Errorf("sample %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) Identities(ctx context.Context) ([]Identity, error) {
	rows, err := s.db.Client.QueryContext(ctx, `
		SELECT i.name, i.enrolled_at, s.width, s.height, s.pixels
		FROM face_identities i
		LEFT JOIN face_samples s ON s.identity = i.name
		ORDER BY i.name, s.seq
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var (
			name       string
			enrolledAt time.Time
			w, h       sql.NullInt64
			pix        []byte
		)
		if err := rows.Scan(&name, &enrolledAt, &w, &h, &pix); err != nil {
			return nil, err
		}
		if len(out) == 0 || out[len(out)-1].Name != name {
			out = append(out, Identity{Name: name, EnrolledAt: enrolledAt})
		}
		if !w.Valid {
			continue
		}
		g, err := unpackGray(int(w.Int64), int(h.Int64), pix)
		if err != nil {
			return nil, fmt.Errorf("identity %q: %w", name, err)
		}
		cur := &out[len(out)-1]
		cur.Samples = append(cur.Samples, g)
	}
	return out, rows.Err()
}

func (s *SQLStore) IdentityNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.Client.QueryContext(ctx, `SELECT name FROM face_identities ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := []string{}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *SQLStore) DeleteIdentity(ctx context.Context, name string) error {
	tx, err := s.db.Client.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.DeleteIdentityTx(ctx, tx, name); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteIdentityTx removes the identity and its samples inside a
// caller-owned transaction. The model is not retrained.
func (s *SQLStore) DeleteIdentityTx(ctx context.Context, tx *sql.Tx, name string) error {
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM face_samples WHERE identity = ?`), name); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM face_identities WHERE name = ?`), name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrIdentityNotFound
	}
	return nil
}

// SaveArtifact replaces the single model row. Blob and labels land in
// the same statement.
func (s *SQLStore) SaveArtifact(ctx context.Context, a Artifact) error {
	labels, err := json.Marshal(a.Labels)
	if err != nil {
		return err
	}
	_, err = s.db.Client.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO face_models (id, version, labels, classifier, trained_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			version = excluded.version,
			labels = excluded.labels,
			classifier = excluded.classifier,
			trained_at = excluded.trained_at
	`), a.Version, string(labels), a.Blob, a.TrainedAt.UTC())
	return err
}

func (s *SQLStore) LoadArtifact(ctx context.Context) (*Artifact, error) {
	var (
		a      Artifact
		labels string
	)
	err := s.db.Client.QueryRowContext(ctx,
		`SELECT version, labels, classifier, trained_at FROM face_models WHERE id = 1`).
		Scan(&a.Version, &labels, &a.Blob, &a.TrainedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(labels), &a.Labels); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLabelMapCorrupt, err)
	}
	return &a, nil
}

func (s *SQLStore) ClearArtifact(ctx context.Context) error {
	_, err := s.db.Client.ExecContext(ctx, `DELETE FROM face_models WHERE id = 1`)
	return err
}

// packGray returns the rows of g without stride padding.
func packGray(g *image.Gray) (int, int, []byte) {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]byte, 0, w*h)
	for y := 0; y < h; y++ {
		off := g.PixOffset(b.Min.X, b.Min.Y+y)
		pix = append(pix, g.Pix[off:off+w]...)
	}
	return w, h, pix
}

func unpackGray(w, h int, pix []byte) (*image.Gray, error) {
	if w <= 0 || h <= 0 || len(pix) != w*h {
		return nil, fmt.Errorf("sample %dx%d has %d bytes", w, h, len(pix))
	}
	g := image.NewGray(image.Rect(0, 0, w, h))
	copy(g.Pix, pix)
	return g, nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
