package control

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-posture/internal/config"
	"github.com/e7canasta/orion-posture/internal/mqtttest"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{InstanceID: "desk-01", DeskID: "office-12"}
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func TestHandleCommand(t *testing.T) {
	calibrations := 0
	var episodesWindow time.Duration

	h := NewHandler(testConfig(t), mqtttest.NewClient(), CommandCallbacks{
		OnGetStatus: func() map[string]interface{} { return map[string]interface{}{"calibrated": true} },
		OnCalibrate: func() error { calibrations++; return nil },
		OnReset:     func() error { return errors.New("engine busy") },
		OnPause:     func() error { return nil },
		OnResume:    func() error { return nil },
		OnGetEpisodes: func(w time.Duration) (map[string]interface{}, error) {
			episodesWindow = w
			return map[string]interface{}{"count": 0}, nil
		},
	})

	tests := []struct {
		name       string
		cmd        Command
		wantStatus string
		wantError  string
	}{
		{"status", Command{Command: "get_status"}, "success", ""},
		{"calibrate", Command{Command: "calibrate"}, "pending", ""},
		{"reset failure", Command{Command: "reset"}, "error", "engine busy"},
		{"pause", Command{Command: "pause_inference"}, "paused", ""},
		{"resume", Command{Command: "resume_inference"}, "success", ""},
		{"episodes default window", Command{Command: "get_episodes"}, "success", ""},
		{"episodes bad window", Command{Command: "get_episodes", Params: map[string]interface{}{"since_s": "x"}}, "error", "invalid 'since_s' parameter (expected positive number of seconds)"},
		{"shutdown not wired", Command{Command: "shutdown"}, "error", "shutdown not implemented"},
		{"unknown", Command{Command: "set_model_size"}, "error", "unknown command: set_model_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.handleCommand(tt.cmd)
			assert.Equal(t, tt.cmd.Command, resp.CommandAck)
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.wantError, resp.Error)
		})
	}

	assert.Equal(t, 1, calibrations)
	assert.Equal(t, 24*time.Hour, episodesWindow)

	h.handleCommand(Command{Command: "get_episodes", Params: map[string]interface{}{"since_s": 90.0}})
	assert.Equal(t, 90*time.Second, episodesWindow)
}

func TestPauseState(t *testing.T) {
	h := NewHandler(testConfig(t), mqtttest.NewClient(), CommandCallbacks{
		OnPause:  func() error { return nil },
		OnResume: func() error { return errors.New("not paused") },
	})

	h.handleCommand(Command{Command: "pause_inference"})
	assert.True(t, h.IsPaused())

	h.handleCommand(Command{Command: "resume_inference"})
	assert.True(t, h.IsPaused(), "failed resume keeps paused state")
}

func TestHandler_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	client := mqtttest.NewClient()

	calibrated := make(chan struct{}, 1)
	h := NewHandler(cfg, client, CommandCallbacks{
		OnCalibrate: func() error { calibrated <- struct{}{}; return nil },
	})
	h.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Start(ctx))

	require.True(t, client.Deliver(cfg.MQTT.Topics.Control, []byte(`{"command":"calibrate"}`)))
	select {
	case <-calibrated:
	case <-time.After(time.Second):
		t.Fatal("calibrate callback not invoked")
	}

	got := client.WaitFor(cfg.MQTT.Topics.Health, 1, time.Second)
	require.Len(t, got, 1)

	var resp Response
	require.NoError(t, json.Unmarshal(got[0].Payload, &resp))
	assert.Equal(t, "calibrate", resp.CommandAck)
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, "2026-03-01T12:00:00Z", resp.Timestamp)

	// Malformed JSON is answered synchronously.
	client.Deliver(cfg.MQTT.Topics.Control, []byte(`{oops`))
	got = client.WaitFor(cfg.MQTT.Topics.Health, 2, time.Second)
	require.Len(t, got, 2)
	require.NoError(t, json.Unmarshal(got[1].Payload, &resp))
	assert.Equal(t, "unknown", resp.CommandAck)
	assert.Equal(t, "invalid JSON", resp.Error)

	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())
	assert.False(t, client.Deliver(cfg.MQTT.Topics.Control, []byte(`{"command":"calibrate"}`)))
}
