package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"faceattend/internal/store"
)

// SQLRepository persists the ledger in the users and attendance tables
// of Postgres or SQLite.
type SQLRepository struct {
	db *store.DB
}

// NewRepository creates a repo over a migrated database.
func NewRepository(db *store.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

func (r *SQLRepository) q(query string) string { return r.db.Rebind(query) }

// CreateUser inserts the user unless the name is taken.
func (r *SQLRepository) CreateUser(ctx context.Context, name string, at time.Time) (bool, error) {
	res, err := r.db.Client.ExecContext(ctx, r.q(`
		INSERT INTO users (name, created_at)
		VALUES (?, ?)
		ON CONFLICT (name) DO NOTHING
	`), name, at.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *SQLRepository) HasUser(ctx context.Context, name string) (bool, error) {
	_, err := r.userID(ctx, r.db.Client, name)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r *SQLRepository) Users(ctx context.Context) ([]string, error) {
	rows, err := r.db.Client.QueryContext(ctx, `SELECT name FROM users ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	users := []string{}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		users = append(users, n)
	}
	return users, rows.Err()
}

// Punch locks the user row, checks the latest event and appends the new
// one in a single transaction.
func (r *SQLRepository) Punch(ctx context.Context, req PunchRequest) (Event, error) {
	tx, err := r.db.Client.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, err
	}
	defer tx.Rollback()

	if req.AutoRegister {
		if _, err := tx.ExecContext(ctx, r.q(`
			INSERT INTO users (name, created_at) VALUES (?, ?)
			ON CONFLICT (name) DO NOTHING
		`), req.User, req.At.UTC()); err != nil {
			return Event{}, fmt.Errorf("register %q: %w", req.User, err)
		}
	}

	var userID int64
	err = tx.QueryRowContext(ctx, r.q(`SELECT id FROM users WHERE name = ?`+r.db.Dialect.ForUpdate()), req.User).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrUnknownUser
	}
	if err != nil {
		return Event{}, err
	}

	last, err := scanEvent(tx.QueryRowContext(ctx, r.q(`
		SELECT event_id, punch_type, punch_time, date
		FROM attendance
		WHERE user_id = ?
		ORDER BY punch_time DESC, id DESC
		LIMIT 1
	`), userID))
	if err != nil {
		return Event{}, err
	}
	if err := checkDuplicate(last, req); err != nil {
		return Event{}, err
	}

	evt := Event{
		ID:   uuid.NewString(),
		User: req.User,
		Type: req.Type,
		At:   monotonic(last, req.At).UTC(),
		Date: req.Date,
	}
	if _, err := tx.ExecContext(ctx, r.q(`
		INSERT INTO attendance (event_id, user_id, punch_type, punch_time, date)
		VALUES (?, ?, ?, ?, ?)
	`), evt.ID, userID, string(evt.Type), evt.At, evt.Date); err != nil {
		return Event{}, err
	}
	return evt, tx.Commit()
}

func (r *SQLRepository) LastEvent(ctx context.Context, user, date string) (*Event, error) {
	id, err := r.userID(ctx, r.db.Client, user)
	if err != nil {
		return nil, err
	}
	evt, err := scanEvent(r.db.Client.QueryRowContext(ctx, r.q(`
		SELECT event_id, punch_type, punch_time, date
		FROM attendance
		WHERE user_id = ? AND date = ?
		ORDER BY punch_time DESC, id DESC
		LIMIT 1
	`), id, date))
	if evt != nil {
		evt.User = user
	}
	return evt, err
}

func (r *SQLRepository) RecentDays(ctx context.Context, user string, days int) ([]Event, error) {
	id, err := r.userID(ctx, r.db.Client, user)
	if errors.Is(err, ErrUserNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Client.QueryContext(ctx, r.q(`
		SELECT event_id, punch_type, punch_time, date
		FROM attendance
		WHERE user_id = ? AND date IN (
			SELECT DISTINCT date FROM attendance WHERE user_id = ? ORDER BY date DESC LIMIT ?
		)
		ORDER BY date DESC, punch_time, id
	`), id, id, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Event
	for rows.Next() {
		evt := Event{User: user}
		var typ string
		if err := rows.Scan(&evt.ID, &typ, &evt.At, &evt.Date); err != nil {
			return nil, err
		}
		evt.Type = PunchType(typ)
		res = append(res, evt)
	}
	return res, rows.Err()
}

func (r *SQLRepository) EventsBetween(ctx context.Context, start, end string) ([]Event, error) {
	rows, err := r.db.Client.QueryContext(ctx, r.q(`
		SELECT a.event_id, u.name, a.punch_type, a.punch_time, a.date
		FROM attendance a
		JOIN users u ON u.id = a.user_id
		WHERE a.date BETWEEN ? AND ?
		ORDER BY u.name, a.punch_time, a.id
	`), start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Event
	for rows.Next() {
		var evt Event
		var typ string
		if err := rows.Scan(&evt.ID, &evt.User, &typ, &evt.At, &evt.Date); err != nil {
			return nil, err
		}
		evt.Type = PunchType(typ)
		res = append(res, evt)
	}
	return res, rows.Err()
}

// DeleteUser removes events first, then the user, in one transaction.
func (r *SQLRepository) DeleteUser(ctx context.Context, name string) error {
	tx, err := r.db.Client.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := r.DeleteUserTx(ctx, tx, name); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteUserTx is DeleteUser inside a caller-owned transaction.
func (r *SQLRepository) DeleteUserTx(ctx context.Context, tx *sql.Tx, name string) error {
	id, err := r.userID(ctx, tx, name)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM attendance WHERE user_id = ?`), id); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, r.q(`DELETE FROM users WHERE id = ?`), id)
	return err
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *SQLRepository) userID(ctx context.Context, q querier, name string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, r.q(`SELECT id FROM users WHERE name = ?`), name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	return id, err
}

// scanEvent returns nil for no row.
func scanEvent(row *sql.Row) (*Event, error) {
	var evt Event
	var typ string
	if err := row.Scan(&evt.ID, &typ, &evt.At, &evt.Date); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	evt.Type = PunchType(typ)
	return &evt, nil
}
