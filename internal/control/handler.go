package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-posture/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnGetStatus func() map[string]interface{}
	OnCalibrate func() error
	OnReset     func() error
	OnPause     func() error
	OnResume    func() error
	OnShutdown  func() error
	// OnGetEpisodes lists alert episodes started within the last window
	OnGetEpisodes func(window time.Duration) (map[string]interface{}, error)
}

// Handler handles control plane commands
type Handler struct {
	cfg      *config.Config
	client   mqtt.Client
	commands chan Command

	mu        sync.RWMutex
	isPaused  bool
	stopped   bool
	callbacks CommandCallbacks
	now       func() time.Time
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
		now:       time.Now,
	}
}

// Start starts listening for control commands
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	slog.Info("control plane handler started")

	go h.processCommands(ctx)

	return nil
}

// Stop stops the control plane handler
func (h *Handler) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	close(h.commands)
	h.mu.Unlock()

	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.MQTT.Topics.Control)
		token.WaitTimeout(2 * time.Second)
	}

	slog.Info("control plane handler stopped")
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return
	}

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.sendResponse(h.handleCommand(cmd))
		}
	}
}

func notImplemented(resp *Response, name string) {
	resp.Status = "error"
	resp.Error = name + " not implemented"
}

// simple runs a callback without parameters
func simple(resp *Response, name string, fn func() error, okStatus string, data map[string]interface{}) {
	if fn == nil {
		notImplemented(resp, name)
		return
	}
	if err := fn(); err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
		return
	}
	resp.Status = okStatus
	resp.Data = data
}

// handleCommand executes a command and builds its response
func (h *Handler) handleCommand(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			notImplemented(&resp, cmd.Command)
			break
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case "calibrate":
		simple(&resp, cmd.Command, h.callbacks.OnCalibrate, "pending", map[string]interface{}{
			"message": "baseline will be captured from the next frame with a detected body",
		})

	case "reset":
		simple(&resp, cmd.Command, h.callbacks.OnReset, "success", map[string]interface{}{
			"calibrated": false,
			"message":    "baseline and alert windows cleared",
		})

	case "pause_inference":
		simple(&resp, cmd.Command, h.callbacks.OnPause, "paused", map[string]interface{}{
			"inference_active": false,
		})
		if resp.Status == "paused" {
			h.setPaused(true)
		}

	case "resume_inference":
		simple(&resp, cmd.Command, h.callbacks.OnResume, "success", map[string]interface{}{
			"inference_active": true,
		})
		if resp.Status == "success" {
			h.setPaused(false)
		}

	case "get_episodes":
		if h.callbacks.OnGetEpisodes == nil {
			notImplemented(&resp, cmd.Command)
			break
		}
		window := 24 * time.Hour
		if raw, ok := cmd.Params["since_s"]; ok {
			secs, ok := raw.(float64)
			if !ok || secs <= 0 {
				resp.Status = "error"
				resp.Error = "invalid 'since_s' parameter (expected positive number of seconds)"
				break
			}
			window = time.Duration(secs * float64(time.Second))
		}
		data, err := h.callbacks.OnGetEpisodes(window)
		if err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			break
		}
		resp.Status = "success"
		resp.Data = data

	case "shutdown":
		simple(&resp, cmd.Command, h.callbacks.OnShutdown, "success", map[string]interface{}{
			"message": "shutting down",
		})

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	slog.Info("control command handled",
		"command", cmd.Command,
		"status", resp.Status,
		"error", resp.Error,
	)
	return resp
}

// sendResponse publishes a response to the health topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = h.now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	topic := h.cfg.MQTT.Topics.Health
	qos := h.cfg.MQTT.QoS["health"]

	token := h.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}

func (h *Handler) setPaused(v bool) {
	h.mu.Lock()
	h.isPaused = v
	h.mu.Unlock()
}

// IsPaused returns whether inference is paused
func (h *Handler) IsPaused() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.isPaused
}
