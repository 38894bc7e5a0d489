package kiosk

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faceattend/internal/attendance"
	"faceattend/internal/face"
	"faceattend/internal/mirror"
	"faceattend/internal/store"
)

type sqlFixture struct {
	db     *store.DB
	svc    *Service
	ledger *attendance.Service
	faces  *face.SQLStore
	mirror *capture
}

func newSQLFixture(t *testing.T) *sqlFixture {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, filepath.Join(t.TempDir(), "kiosk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx))

	now := func() time.Time { return time.Date(2024, 3, 4, 9, 0, 1, 0, time.UTC) }
	f := &sqlFixture{db: db, faces: face.NewSQLStore(db), mirror: &capture{}}
	model := face.NewModel(grayFinder{}, face.DefaultLBPH(), f.faces, face.Options{Now: now}, nil, nil)
	f.ledger = attendance.NewService(attendance.NewRepository(db), attendance.Options{AutoRegister: true, Location: time.UTC, Now: now}, nil, nil)
	f.svc = New(model, f.ledger, liveness{}, f.mirror, nil, nil).WithRemover(NewSQLRemover(db))
	return f
}

func TestSQLRemoverDeletesBothStores(t *testing.T) {
	ctx := context.Background()
	f := newSQLFixture(t)
	_, err := f.svc.Enroll(ctx, "alice", frames(1, 10))
	require.NoError(t, err)
	_, err = f.svc.Enroll(ctx, "bob", frames(2, 10))
	require.NoError(t, err)
	_, err = f.svc.Punch(ctx, "alice", attendance.PunchIn)
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteUser(ctx, "alice"))

	users, err := f.ledger.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, users)
	names, err := f.faces.IdentityNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, names)
	assert.Equal(t, []string{"bob"}, f.svc.ModelStatus().Identities)

	var events int
	require.NoError(t, f.db.Client.QueryRowContext(ctx, `SELECT COUNT(*) FROM attendance`).Scan(&events))
	assert.Zero(t, events)
	assert.Contains(t, f.mirror.kinds(), mirror.KindDeleted)

	assert.ErrorIs(t, f.svc.DeleteUser(ctx, "alice"), attendance.ErrUserNotFound)
}

func TestSQLRemoverLedgerOnlyUser(t *testing.T) {
	ctx := context.Background()
	f := newSQLFixture(t)
	_, err := f.svc.Punch(ctx, "walk-in", attendance.PunchIn)
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteUser(ctx, "walk-in"))

	users, err := f.ledger.Users(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestSQLRemoverRollsBackOnLedgerFailure(t *testing.T) {
	ctx := context.Background()
	f := newSQLFixture(t)
	_, err := f.svc.Enroll(ctx, "alice", frames(1, 10))
	require.NoError(t, err)

	// The face rows go first inside the transaction; breaking the ledger
	// side must bring them back.
	_, err = f.db.Client.ExecContext(ctx, `DROP TABLE attendance`)
	require.NoError(t, err)

	err = f.svc.DeleteUser(ctx, "alice")
	require.Error(t, err)
	assert.NotErrorIs(t, err, attendance.ErrUserNotFound)

	names, err := f.faces.IdentityNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, names)
	users, err := f.ledger.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)
	assert.True(t, f.svc.ModelStatus().Trained)
	assert.NotContains(t, f.mirror.kinds(), mirror.KindDeleted)
}
