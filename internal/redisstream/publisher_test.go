package redisstream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-posture/internal/config"
	"github.com/e7canasta/orion-posture/internal/hysteresis"
	"github.com/e7canasta/orion-posture/internal/posture"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func setupTestRedis(t *testing.T, maxLen int64) (*miniredis.Miniredis, *redis.Client, *Publisher) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := config.RedisConfig{Addr: mr.Addr(), StreamMaxLen: maxLen, StatusTTLS: 60}
	return mr, client, NewWithClient(client, cfg, "desk-01", "office-12")
}

func onsetReport(seq uint64) posture.Report {
	ts := t0.Add(time.Duration(seq) * 100 * time.Millisecond)
	return posture.Report{
		Seq:        seq,
		Timestamp:  ts,
		TraceID:    "trace-1",
		Status:     posture.StatusClassified,
		Calibrated: true,
		Alerts:     posture.Alerts{Forward: true},
		Transitions: []posture.Transition{{
			Category:  hysteresis.Forward,
			Kind:      posture.Onset,
			Seq:       seq,
			Timestamp: ts,
			Window:    hysteresis.WindowStats{Bad: 80, Len: 100, Cap: 100},
		}},
	}
}

func TestPublishTransition(t *testing.T) {
	_, client, p := setupTestRedis(t, 1000)
	ctx := context.Background()

	require.NoError(t, p.Ping(ctx))
	require.NoError(t, p.Record(ctx, onsetReport(100)))

	entries, err := client.XRange(ctx, StreamKey("desk-01"), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	v := entries[0].Values
	assert.Equal(t, "forward", v["category"])
	assert.Equal(t, "onset", v["kind"])
	assert.Equal(t, "100", v["seq"])
	assert.Equal(t, "80", v["window_bad"])
	assert.Equal(t, "trace-1", v["trace_id"])
	assert.Equal(t, "office-12", v["desk_id"])
	assert.JSONEq(t, `{"forward_slouch":true,"side_slouch":false,"head_lowered":false}`, v["alerts"].(string))

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Appended)
	assert.Equal(t, entries[0].ID, stats.LastEntryID)
}

func TestUpdateStatus(t *testing.T) {
	mr, client, p := setupTestRedis(t, 1000)
	ctx := context.Background()

	require.NoError(t, p.UpdateStatus(ctx, onsetReport(42)))

	fields, err := client.HGetAll(ctx, StatusKey("desk-01")).Result()
	require.NoError(t, err)
	assert.Equal(t, "true", fields["forward_slouch"])
	assert.Equal(t, "false", fields["head_lowered"])
	assert.Equal(t, "42", fields["seq"])
	assert.Equal(t, "classified", fields["status"])

	assert.Equal(t, 60*time.Second, mr.TTL(StatusKey("desk-01")))

	mr.FastForward(61 * time.Second)
	assert.False(t, mr.Exists(StatusKey("desk-01")))
}

func TestRecord_NoTransitions(t *testing.T) {
	mr, _, p := setupTestRedis(t, 1000)

	require.NoError(t, p.Record(context.Background(), posture.Report{Seq: 7}))

	assert.False(t, mr.Exists(StreamKey("desk-01")))
	assert.False(t, mr.Exists(StatusKey("desk-01")))
	assert.Equal(t, Stats{}, p.Stats())
}

func TestStreamIsTrimmed(t *testing.T) {
	_, client, p := setupTestRedis(t, 5)
	ctx := context.Background()

	for seq := uint64(1); seq <= 20; seq++ {
		require.NoError(t, p.Record(ctx, onsetReport(seq)))
	}

	n, err := client.XLen(ctx, StreamKey("desk-01")).Result()
	require.NoError(t, err)
	assert.Less(t, n, int64(20))
	assert.GreaterOrEqual(t, n, int64(5))
}

func TestRedisDown(t *testing.T) {
	mr, _, p := setupTestRedis(t, 1000)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.Error(t, p.Record(ctx, onsetReport(100)))
	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Errors)
	assert.NotEmpty(t, stats.LastErrorCause)
}

func TestRun(t *testing.T) {
	mr, client, p := setupTestRedis(t, 1000)
	p.cfg.StatusTTLS = 1

	latest := onsetReport(300)
	latest.Transitions = nil

	ch := make(chan posture.Report, 1)
	ch <- onsetReport(100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, ch, func() (posture.Report, bool) { return latest, true })
		close(done)
	}()

	require.Eventually(t, func() bool {
		return p.Stats().LastStatusSeq == 300
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	<-done

	n, err := client.XLen(context.Background(), StreamKey("desk-01")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.True(t, mr.Exists(StatusKey("desk-01")))
}
