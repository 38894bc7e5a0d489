package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisPingReportsCause(t *testing.T) {
	r := NewRedis(RedisOptions{Addr: "127.0.0.1:1", Password: "pw", DB: 2})
	defer r.Close()

	assert.Equal(t, "pw", r.Client.Options().Password)
	assert.Equal(t, 2, r.Client.Options().DB)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := r.Ping(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "127.0.0.1:1")
}

func TestRedisPingUnconfigured(t *testing.T) {
	var r *Redis
	assert.Error(t, r.Ping(context.Background()))
	assert.NoError(t, r.Close())
}

func TestDBPingReportsClosed(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, "sqlite://"+t.TempDir()+"/ping.db")
	require.NoError(t, err)
	require.NoError(t, db.Ping(ctx))
	require.NoError(t, db.Close())
	assert.Error(t, db.Ping(ctx))

	var missing *DB
	assert.Error(t, missing.Ping(ctx))
}
