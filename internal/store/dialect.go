package store

import (
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between Postgres and SQLite.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Rebind turns ? placeholders into $n for Postgres. Queries are written
// with ? throughout and must not contain literal question marks.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ForUpdate is the row-locking suffix for a SELECT. SQLite locks the
// whole database when an immediate transaction begins, so it needs none.
func (d Dialect) ForUpdate() string {
	if d == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

func (d Dialect) schema() []string {
	serial, blob, ts := "INTEGER PRIMARY KEY AUTOINCREMENT", "BLOB", "TIMESTAMP"
	if d == Postgres {
		serial, blob, ts = "BIGSERIAL PRIMARY KEY", "BYTEA", "TIMESTAMPTZ"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS users (
			id ` + serial + `,
			name TEXT NOT NULL UNIQUE,
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS attendance (
			id ` + serial + `,
			event_id TEXT NOT NULL UNIQUE,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			punch_type TEXT NOT NULL CHECK (punch_type IN ('in', 'out', 'break', 'lunch')),
			punch_time ` + ts + ` NOT NULL,
			date TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS attendance_user_date_idx ON attendance (user_id, date)`,
		`CREATE INDEX IF NOT EXISTS attendance_date_idx ON attendance (date)`,
		`CREATE TABLE IF NOT EXISTS face_identities (
			name TEXT PRIMARY KEY,
			enrolled_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS face_samples (
			identity TEXT NOT NULL REFERENCES face_identities(name) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			pixels ` + blob + ` NOT NULL,
			PRIMARY KEY (identity, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS face_models (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version BIGINT NOT NULL,
			labels TEXT NOT NULL,
			classifier ` + blob + ` NOT NULL,
			trained_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			secret_hash TEXT NOT NULL,
			created_at ` + ts + ` NOT NULL
		)`,
	}
}
