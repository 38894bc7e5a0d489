package face

import (
	"context"
	"image"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faceattend/internal/store"
)

func newSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, filepath.Join(t.TempDir(), "face.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx))
	return NewSQLStore(db)
}

func TestSQLStoreIdentityRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newSQLStore(t)
	at := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

	sub := texture(1, 0, 0).SubImage(image.Rect(8, 8, 40, 48)).(*image.Gray)
	require.NoError(t, s.CreateIdentity(ctx, Identity{Name: "bob", Samples: []*image.Gray{texture(2, 0, 0)}, EnrolledAt: at}))
	require.NoError(t, s.CreateIdentity(ctx, Identity{Name: "alice", Samples: []*image.Gray{texture(1, 0, 0), sub}, EnrolledAt: at}))

	assert.ErrorIs(t, s.CreateIdentity(ctx, Identity{Name: "alice", EnrolledAt: at}), ErrIdentityExists)

	ids, err := s.Identities(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, "alice", ids[0].Name)
	assert.True(t, at.Equal(ids[0].EnrolledAt))
	require.Len(t, ids[0].Samples, 2)
	assert.Equal(t, texture(1, 0, 0).Pix, ids[0].Samples[0].Pix)

	got := ids[0].Samples[1]
	assert.Equal(t, image.Rect(0, 0, 32, 40), got.Bounds())
	assert.Equal(t, sub.GrayAt(8, 8), got.GrayAt(0, 0))
	assert.Equal(t, sub.GrayAt(39, 47), got.GrayAt(31, 39))

	names, err := s.IdentityNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, names)

	require.NoError(t, s.DeleteIdentity(ctx, "alice"))
	assert.ErrorIs(t, s.DeleteIdentity(ctx, "alice"), ErrIdentityNotFound)

	ids, err = s.Identities(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, "bob", ids[0].Name)
}

func TestSQLStoreArtifact(t *testing.T) {
	ctx := context.Background()
	s := newSQLStore(t)

	a, err := s.LoadArtifact(ctx)
	require.NoError(t, err)
	assert.Nil(t, a)

	at := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveArtifact(ctx, Artifact{Version: 1, Labels: map[int]string{0: "alice"}, Blob: []byte{1, 2}, TrainedAt: at}))
	require.NoError(t, s.SaveArtifact(ctx, Artifact{Version: 2, Labels: map[int]string{0: "alice", 1: "bob"}, Blob: []byte{3}, TrainedAt: at}))

	a, err = s.LoadArtifact(ctx)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, int64(2), a.Version)
	assert.Equal(t, map[int]string{0: "alice", 1: "bob"}, a.Labels)
	assert.Equal(t, []byte{3}, a.Blob)

	require.NoError(t, s.ClearArtifact(ctx))
	a, err = s.LoadArtifact(ctx)
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestModelOverSQLStoreSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	s := newSQLStore(t)

	m := newTestModel(DefaultLBPH(), s)
	_, err := m.Enroll(ctx, "alice", frames(1, 10))
	require.NoError(t, err)
	_, err = m.Enroll(ctx, "bob", frames(2, 10))
	require.NoError(t, err)

	restarted := newTestModel(DefaultLBPH(), s)
	require.NoError(t, restarted.Load(ctx))
	assert.Equal(t, []string{"alice", "bob"}, restarted.Status().Identities)

	rec, err := restarted.Recognize(ctx, texture(2, 4, 2))
	require.NoError(t, err)
	assert.Equal(t, "bob", rec.Name)
}

func TestSQLStoreDeleteIdentityTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newSQLStore(t)
	require.NoError(t, s.CreateIdentity(ctx, Identity{Name: "alice", Samples: []*image.Gray{texture(1, 0, 0)}, EnrolledAt: time.Now()}))

	tx, err := s.db.Client.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, s.DeleteIdentityTx(ctx, tx, "alice"))
	assert.ErrorIs(t, s.DeleteIdentityTx(ctx, tx, "alice"), ErrIdentityNotFound)
	require.NoError(t, tx.Rollback())

	names, err := s.IdentityNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, names)
}
