package core

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-posture/internal/config"
	"github.com/e7canasta/orion-posture/internal/control"
	"github.com/e7canasta/orion-posture/internal/emitter"
	"github.com/e7canasta/orion-posture/internal/hysteresis"
	"github.com/e7canasta/orion-posture/internal/landmark"
	"github.com/e7canasta/orion-posture/internal/mqtttest"
	"github.com/e7canasta/orion-posture/internal/posture"
	"github.com/e7canasta/orion-posture/internal/redisstream"
	"github.com/e7canasta/orion-posture/internal/stream"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{InstanceID: "desk-01", DeskID: "office-12"}
	require.NoError(t, config.Validate(cfg))
	return cfg
}

// fakeSource hands out one channel per Start; tests push frames into it.
type fakeSource struct {
	mu       sync.Mutex
	ch       chan landmark.Frame
	open     bool
	starts   int
	stops    int
	lastSeen time.Time
}

func (f *fakeSource) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.ch = make(chan landmark.Frame, 8)
	f.open = true
	return nil
}

func (f *fakeSource) Frames() <-chan landmark.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ch
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.open {
		close(f.ch)
		f.open = false
	}
	return nil
}

func (f *fakeSource) Stats() landmark.SourceStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return landmark.SourceStats{Source: "fake", IsConnected: f.open, LastSeenAt: f.lastSeen}
}

func (f *fakeSource) send(frame landmark.Frame) {
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()
	ch <- frame
}

func bodyFrame(seq uint64, p stream.Posture) landmark.Frame {
	return landmark.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Source:    "fake",
		Landmarks: stream.PostureLandmarks(p),
	}
}

func TestService_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	mr := miniredis.RunT(t)

	cfg := &config.Config{
		InstanceID:       "desk-01",
		DeskID:           "office-12",
		CalibrateOnStart: true,
	}
	cfg.Source.RecordPath = filepath.Join(dir, "rec", "session.jsonl")
	cfg.Journal.Path = filepath.Join(dir, "posture.db")
	cfg.Redis.Addr = mr.Addr()
	require.NoError(t, config.Validate(cfg))

	src, err := stream.NewMockSource(stream.MockConfig{
		Phases: []stream.Phase{
			{Posture: stream.Upright, Frames: 5},
			{Posture: stream.Forward, Frames: 150},
			{Posture: stream.Upright, Frames: 200},
		},
	})
	require.NoError(t, err)

	client := mqtttest.NewClient()
	svc, err := NewService(cfg, WithSource(src), WithMQTTClient(client))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return svc.engineCounters().Frames == 355
	}, 5*time.Second, 10*time.Millisecond)

	alerts := client.WaitFor(cfg.MQTT.Topics.Alerts, 2, 2*time.Second)
	require.Len(t, alerts, 2)

	var onset, cleared emitter.AlertMessage
	require.NoError(t, json.Unmarshal(alerts[0].Payload, &onset))
	require.NoError(t, json.Unmarshal(alerts[1].Payload, &cleared))
	assert.Equal(t, hysteresis.Forward, onset.Category)
	assert.Equal(t, posture.Onset, onset.Kind)
	// calibration frame 0, four upright frames, alert on the 96th forward frame
	assert.Equal(t, uint64(100), onset.Seq)
	assert.Equal(t, posture.Cleared, cleared.Kind)

	counters := svc.engineCounters()
	assert.Equal(t, uint64(1), counters.Calibrations)
	assert.Equal(t, uint64(354), counters.Classified)

	require.Eventually(t, func() bool {
		return svc.journal.Stats().Closed == 1 && svc.redis.Stats().Appended == 2
	}, 3*time.Second, 10*time.Millisecond)

	episodes, err := svc.getEpisodes(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, episodes["count"])
	assert.Equal(t, 0, episodes["open"])

	status := svc.getStatus()
	assert.Equal(t, true, status["calibrated"])
	assert.Equal(t, posture.Alerts{}, status["alerts"])

	cancel()
	require.NoError(t, <-runErr)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	require.NoError(t, svc.Shutdown(shutdownCtx))

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	n, err := rdb.XLen(context.Background(), redisstream.StreamKey("desk-01")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	f, err := os.Open(cfg.Source.RecordPath)
	require.NoError(t, err)
	defer f.Close()
	recorded := 0
	require.NoError(t, stream.ReadJSONL(f, func(landmark.Frame) error {
		recorded++
		return nil
	}))
	assert.Equal(t, 355, recorded)
}

func waitResponse(t *testing.T, client *mqtttest.Client, topic, ack string) control.Response {
	t.Helper()
	var found control.Response
	require.Eventually(t, func() bool {
		for _, p := range client.PublishedTo(topic) {
			var resp control.Response
			if json.Unmarshal(p.Payload, &resp) == nil && resp.CommandAck == ack {
				found = resp
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	return found
}

func TestService_ControlPlane(t *testing.T) {
	cfg := testConfig(t)
	src := &fakeSource{}
	client := mqtttest.NewClient()

	svc, err := NewService(cfg, WithSource(src), WithMQTTClient(client))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return client.Deliver(cfg.MQTT.Topics.Control, []byte(`{"command":"calibrate"}`))
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "pending", waitResponse(t, client, cfg.MQTT.Topics.Health, "calibrate").Status)

	require.Eventually(t, func() bool { return src.Frames() != nil }, 2*time.Second, 10*time.Millisecond)
	src.send(bodyFrame(0, stream.Upright))
	require.Eventually(t, func() bool {
		svc.engineMu.Lock()
		defer svc.engineMu.Unlock()
		_, ok := svc.engine.Baseline()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	client.Deliver(cfg.MQTT.Topics.Control, []byte(`{"command":"get_status"}`))
	resp := waitResponse(t, client, cfg.MQTT.Topics.Health, "get_status")
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, true, resp.Data["calibrated"])

	client.Deliver(cfg.MQTT.Topics.Control, []byte(`{"command":"get_episodes"}`))
	resp = waitResponse(t, client, cfg.MQTT.Topics.Health, "get_episodes")
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "episode journal not configured", resp.Error)

	client.Deliver(cfg.MQTT.Topics.Control, []byte(`{"command":"shutdown"}`))
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown command did not stop Run")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	require.NoError(t, svc.Shutdown(shutdownCtx))
	assert.Equal(t, 1, src.stops)
}

func TestCalibrationLatch(t *testing.T) {
	svc, err := NewService(testConfig(t), WithSource(&fakeSource{}))
	require.NoError(t, err)

	svc.requestCalibration()

	svc.handleFrame(landmark.Frame{Seq: 0, Timestamp: time.Now()})
	assert.True(t, svc.calibratePending, "no-body frame keeps the request")

	svc.handleFrame(bodyFrame(1, stream.Upright))
	assert.False(t, svc.calibratePending)
	_, ok := svc.engine.Baseline()
	assert.True(t, ok)

	last, ok := svc.latest.Get()
	require.True(t, ok)
	assert.Equal(t, posture.StatusCalibrated, last.Status)

	svc.handleFrame(bodyFrame(2, stream.Upright))
	last, _ = svc.latest.Get()
	assert.Equal(t, posture.StatusClassified, last.Status)

	require.NoError(t, svc.resetEngine())
	_, ok = svc.engine.Baseline()
	assert.False(t, ok)
}

func TestPauseSkipsClassification(t *testing.T) {
	svc, err := NewService(testConfig(t), WithSource(&fakeSource{}))
	require.NoError(t, err)

	require.NoError(t, svc.pauseInference())
	assert.Error(t, svc.pauseInference())
	assert.Error(t, svc.calibrateViaControl())

	svc.handleFrame(bodyFrame(0, stream.Upright))
	assert.Equal(t, uint64(0), svc.engineCounters().Frames)

	require.NoError(t, svc.resumeInference())
	assert.Error(t, svc.resumeInference())

	svc.handleFrame(bodyFrame(1, stream.Upright))
	assert.Equal(t, uint64(1), svc.engineCounters().Frames)
}

func TestWatchdogRestartsStalledSource(t *testing.T) {
	src := &fakeSource{}
	svc, err := NewService(testConfig(t), WithSource(src))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, src.Start(ctx))
	t0 := time.Now()
	svc.lastRestartAt = t0
	src.lastSeen = t0

	svc.wg.Add(1)
	go svc.consumeFrames(ctx)

	src.send(bodyFrame(0, stream.Upright))
	require.Eventually(t, func() bool {
		return svc.engineCounters().Frames == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, svc.checkSource(ctx, t0.Add(10*time.Second), 30*time.Second))
	assert.True(t, svc.checkSource(ctx, t0.Add(31*time.Second), 30*time.Second))
	assert.Equal(t, 2, src.starts)
	assert.Equal(t, 1, src.stops)

	// the consumer follows the new channel
	src.send(bodyFrame(1, stream.Upright))
	require.Eventually(t, func() bool {
		return svc.engineCounters().Frames == 2
	}, 2*time.Second, 10*time.Millisecond)

	// a restart resets the silence clock
	assert.False(t, svc.checkSource(ctx, t0.Add(40*time.Second), 30*time.Second))

	cancel()
	svc.wg.Wait()
}
