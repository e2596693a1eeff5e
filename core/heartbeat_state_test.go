package core

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedis starts an in-process miniredis server -- no container
// startup cost, sufficient since Redis here is observability only, not
// row processing.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestHeartbeatState_FlushWritesKeyWithTTL(t *testing.T) {
	client := newTestRedis(t)
	hb := NewHeartbeatState("worker-1", "host-a", 4)

	hb.flush(context.Background(), client)

	ttl, err := client.TTL(context.Background(), WorkerHeartbeatKey("worker-1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, WorkerHeartbeatTTL)

	val, err := client.Get(context.Background(), WorkerHeartbeatKey("worker-1")).Result()
	require.NoError(t, err)
	assert.Contains(t, val, `"worker_id":"worker-1"`)
	assert.Contains(t, val, `"status":"starting"`)
}

func TestHeartbeatState_JobStartedAndFinished(t *testing.T) {
	client := newTestRedis(t)
	hb := NewHeartbeatState("worker-2", "host-b", 2)

	hb.JobStarted("sub-1", 0)
	assert.Equal(t, "busy", hb.hb.Status)
	assert.Equal(t, 1, hb.hb.RunningCount)
	assert.Equal(t, "sub-1", hb.hb.CurrentJob)

	hb.JobFinished("sub-1", nil)
	assert.Equal(t, "idle", hb.hb.Status)
	assert.Equal(t, 0, hb.hb.RunningCount)
	assert.Equal(t, int64(1), hb.hb.ProcessedTotal)
	assert.Equal(t, int64(0), hb.hb.FailedTotal)

	hb.flush(context.Background(), client)
	val, err := client.Get(context.Background(), WorkerHeartbeatKey("worker-2")).Result()
	require.NoError(t, err)
	assert.Contains(t, val, `"status":"idle"`)
}

func TestHeartbeatState_JobFinishedWithError(t *testing.T) {
	hb := NewHeartbeatState("worker-3", "host-c", 1)
	hb.JobStarted("sub-9", 2)

	hb.JobFinished("sub-9", assertError("sandbox exited with signal 11"))

	assert.Equal(t, int64(1), hb.hb.FailedTotal)
	assert.Equal(t, "sandbox exited with signal 11", hb.hb.LastError)
	assert.Equal(t, "idle", hb.hb.Status)
}

type assertError string

func (e assertError) Error() string { return string(e) }
