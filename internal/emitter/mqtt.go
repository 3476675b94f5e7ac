package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-posture/internal/config"
	"github.com/e7canasta/orion-posture/internal/posture"
)

// MQTTEmitter publishes posture reports and alert transitions to the broker
type MQTTEmitter struct {
	cfg    *config.Config
	Client mqtt.Client // Exported for control plane

	mu          sync.RWMutex
	published   map[string]uint64 // count per topic
	errors      uint64
	connected   bool
	reportsSeen uint64
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// NewMQTTEmitterWithClient wraps an already connected client.
func NewMQTTEmitterWithClient(cfg *config.Config, client mqtt.Client) *MQTTEmitter {
	e := NewMQTTEmitter(cfg)
	e.Client = client
	e.connected = client.IsConnected()
	return e
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	broker := brokerURL(e.cfg.MQTT.Broker)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.cfg.MQTT.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	// Retained offline status so dashboards see a crashed sensor
	will, _ := json.Marshal(map[string]any{
		"type":        TypeHealth,
		"instance_id": e.cfg.InstanceID,
		"status":      "offline",
	})
	opts.SetWill(e.cfg.MQTT.Topics.Health, string(will), e.cfg.MQTT.QoS["health"], true)

	opts.OnConnect = func(c mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		slog.Info("mqtt connection established",
			"broker", broker,
			"client_id", e.cfg.MQTT.ClientID,
			"auto_reconnect", "enabled")
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", broker,
			"max_retry_interval", "30s",
			"action", "waiting for automatic reconnection")
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()

	return nil
}

// PublishReport publishes every Nth report on the reports topic. Reports in
// between are counted and skipped. It reports whether r was published.
func (e *MQTTEmitter) PublishReport(r posture.Report) (bool, error) {
	e.mu.Lock()
	e.reportsSeen++
	n := e.reportsSeen
	e.mu.Unlock()

	every := uint64(e.cfg.ReportEveryNFrames)
	if every > 1 && (n-1)%every != 0 {
		return false, nil
	}

	msg := ReportMessage{
		Type:       TypeReport,
		InstanceID: e.cfg.InstanceID,
		DeskID:     e.cfg.DeskID,
		Report:     r,
	}
	return true, e.publishJSON(e.cfg.MQTT.Topics.Reports, e.cfg.MQTT.QoS["reports"], false, msg)
}

// PublishTransitions publishes one alert message per transition in r.
func (e *MQTTEmitter) PublishTransitions(r posture.Report) error {
	for _, t := range r.Transitions {
		msg := AlertMessage{
			Type:       TypeAlert,
			InstanceID: e.cfg.InstanceID,
			DeskID:     e.cfg.DeskID,
			Category:   t.Category,
			Kind:       t.Kind,
			Seq:        t.Seq,
			Timestamp:  t.Timestamp,
			TraceID:    r.TraceID,
			Window:     t.Window,
			Metrics:    r.Metrics,
			Diffs:      r.Diffs,
			Alerts:     r.Alerts,
		}
		if err := e.publishJSON(e.cfg.MQTT.Topics.Alerts, e.cfg.MQTT.QoS["alerts"], false, msg); err != nil {
			return fmt.Errorf("alert %s %s: %w", t.Category, t.Kind, err)
		}
		slog.Info("posture alert published",
			"category", t.Category.String(),
			"kind", t.Kind,
			"seq", t.Seq,
			"bad", t.Window.Bad,
		)
	}
	return nil
}

// PublishHealth publishes a health message (retained)
func (e *MQTTEmitter) PublishHealth(payload []byte) error {
	return e.publish(e.cfg.MQTT.Topics.Health, e.cfg.MQTT.QoS["health"], true, payload)
}

// Run publishes until both channels are closed or ctx is done. reports feeds
// the sampled reports topic and alerts the transitions; either may be nil.
func (e *MQTTEmitter) Run(ctx context.Context, reports, alerts <-chan posture.Report) {
	for reports != nil || alerts != nil {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-reports:
			if !ok {
				reports = nil
				continue
			}
			if _, err := e.PublishReport(r); err != nil {
				slog.Debug("failed to publish report", "seq", r.Seq, "error", err)
			}
		case r, ok := <-alerts:
			if !ok {
				alerts = nil
				continue
			}
			if err := e.PublishTransitions(r); err != nil {
				slog.Error("failed to publish alert", "seq", r.Seq, "error", err)
			}
		}
	}
}

func (e *MQTTEmitter) publishJSON(topic string, qos byte, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	return e.publish(topic, qos, retained, payload)
}

func (e *MQTTEmitter) publish(topic string, qos byte, retained bool, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := e.Client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("mqtt message published", "topic", topic, "qos", qos, "size", len(payload))
	return nil
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}

	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()

	return nil
}

// Stats contains emitter statistics
type Stats struct {
	Connected   bool              `json:"connected"`
	Published   map[string]uint64 `json:"published"`
	Errors      uint64            `json:"errors"`
	ReportsSeen uint64            `json:"reports_seen"`
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected:   e.connected,
		Published:   published,
		Errors:      e.errors,
		ReportsSeen: e.reportsSeen,
	}
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected && e.Client != nil
}
