package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-posture/internal/config"
	"github.com/e7canasta/orion-posture/internal/hysteresis"
	"github.com/e7canasta/orion-posture/internal/mqtttest"
	"github.com/e7canasta/orion-posture/internal/posture"
)

func testConfig(t *testing.T, every int) *config.Config {
	t.Helper()
	cfg := &config.Config{InstanceID: "desk-01", DeskID: "office-12", ReportEveryNFrames: every}
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func onset(seq uint64) posture.Report {
	return posture.Report{
		Seq:    seq,
		Status: posture.StatusClassified,
		Alerts: posture.Alerts{Forward: true},
		Transitions: []posture.Transition{{
			Category: hysteresis.Forward,
			Kind:     posture.Onset,
			Seq:      seq,
			Window:   hysteresis.WindowStats{Bad: 80, Len: 100, Cap: 100},
		}},
	}
}

func TestPublishReport_EveryN(t *testing.T) {
	cfg := testConfig(t, 5)
	client := mqtttest.NewClient()
	e := NewMQTTEmitterWithClient(cfg, client)

	var sent []bool
	for i := 0; i < 11; i++ {
		ok, err := e.PublishReport(posture.Report{Seq: uint64(i)})
		require.NoError(t, err)
		sent = append(sent, ok)
	}

	got := client.PublishedTo(cfg.MQTT.Topics.Reports)
	require.Len(t, got, 3)
	assert.True(t, sent[0])
	assert.True(t, sent[5])
	assert.True(t, sent[10])
	assert.False(t, sent[1])

	var msg ReportMessage
	require.NoError(t, json.Unmarshal(got[1].Payload, &msg))
	assert.Equal(t, TypeReport, msg.Type)
	assert.Equal(t, "office-12", msg.DeskID)
	assert.Equal(t, uint64(5), msg.Report.Seq)

	assert.Equal(t, uint64(11), e.Stats().ReportsSeen)
}

func TestPublishTransitions(t *testing.T) {
	cfg := testConfig(t, 1)
	client := mqtttest.NewClient()
	e := NewMQTTEmitterWithClient(cfg, client)

	require.NoError(t, e.PublishTransitions(onset(100)))
	require.NoError(t, e.PublishTransitions(posture.Report{Seq: 101}))

	got := client.PublishedTo(cfg.MQTT.Topics.Alerts)
	require.Len(t, got, 1)
	assert.Equal(t, byte(1), got[0].QoS)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(got[0].Payload, &raw))
	assert.Equal(t, TypeAlert, raw["type"])
	assert.Equal(t, "forward", raw["category"])
	assert.Equal(t, "onset", raw["kind"])
	assert.Equal(t, 100.0, raw["seq"])

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.Published[cfg.MQTT.Topics.Alerts])
}

func TestPublish_Errors(t *testing.T) {
	cfg := testConfig(t, 1)

	client := mqtttest.NewClient()
	client.PublishErr = errors.New("broker rejected")
	e := NewMQTTEmitterWithClient(cfg, client)
	assert.Error(t, e.PublishTransitions(onset(1)))

	offline := mqtttest.NewClient()
	offline.SetConnected(false)
	e2 := NewMQTTEmitterWithClient(cfg, offline)
	assert.Error(t, e2.PublishHealth([]byte(`{}`)))

	assert.Equal(t, uint64(1), e.Stats().Errors)
	assert.Equal(t, uint64(1), e2.Stats().Errors)
}

func TestRun(t *testing.T) {
	cfg := testConfig(t, 1)
	client := mqtttest.NewClient()
	e := NewMQTTEmitterWithClient(cfg, client)

	reports := make(chan posture.Report, 4)
	reports <- posture.Report{Seq: 1}
	reports <- onset(2)
	close(reports)

	alerts := make(chan posture.Report, 1)
	alerts <- onset(2)
	close(alerts)

	done := make(chan struct{})
	go func() {
		e.Run(context.Background(), reports, alerts)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after both channels closed")
	}

	assert.Len(t, client.PublishedTo(cfg.MQTT.Topics.Reports), 2)
	assert.Len(t, client.PublishedTo(cfg.MQTT.Topics.Alerts), 1)
}

func TestDisconnect(t *testing.T) {
	client := mqtttest.NewClient()
	e := NewMQTTEmitterWithClient(testConfig(t, 1), client)

	require.NoError(t, e.Disconnect())
	assert.False(t, client.IsConnected())
	assert.False(t, e.Stats().Connected)
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://localhost:1883", brokerURL("localhost:1883"))
	assert.Equal(t, "ssl://broker:8883", brokerURL("ssl://broker:8883"))
}
