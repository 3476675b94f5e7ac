// Package redisstream mirrors posture alerts into Redis: every transition is
// appended to a stream and the current alert state is kept in a hash.
package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/e7canasta/orion-posture/internal/config"
	"github.com/e7canasta/orion-posture/internal/posture"
)

// StreamKey is the alert stream of one instance.
func StreamKey(instanceID string) string { return "posture:alerts:" + instanceID }

// StatusKey is the status hash of one instance.
func StatusKey(instanceID string) string { return "posture:status:" + instanceID }

// Stats counts Redis writes.
type Stats struct {
	Appended       uint64 `json:"appended"`
	StatusUpdates  uint64 `json:"status_updates"`
	Errors         uint64 `json:"errors"`
	LastEntryID    string `json:"last_entry_id,omitempty"`
	LastStatusSeq  uint64 `json:"last_status_seq"`
	LastErrorAt    string `json:"last_error_at,omitempty"`
	LastErrorCause string `json:"last_error,omitempty"`
}

// Publisher writes alert transitions and status snapshots for one instance.
type Publisher struct {
	client     *redis.Client
	cfg        config.RedisConfig
	instanceID string
	deskID     string

	mu    sync.Mutex
	stats Stats
}

// New connects a client from cfg. The connection is lazy; use Ping to check it.
func New(cfg config.RedisConfig, instanceID, deskID string) *Publisher {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg, instanceID, deskID)
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, cfg config.RedisConfig, instanceID, deskID string) *Publisher {
	return &Publisher{
		client:     client,
		cfg:        cfg,
		instanceID: instanceID,
		deskID:     deskID,
	}
}

// Ping checks the connection.
func (p *Publisher) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", p.cfg.Addr, err)
	}
	return nil
}

// PublishTransition appends one transition to the alert stream and returns
// the entry id.
func (p *Publisher) PublishTransition(ctx context.Context, r posture.Report, t posture.Transition) (string, error) {
	alerts, err := json.Marshal(r.Alerts)
	if err != nil {
		return "", fmt.Errorf("marshal alerts: %w", err)
	}

	values := map[string]interface{}{
		"instance_id": p.instanceID,
		"desk_id":     p.deskID,
		"category":    t.Category.String(),
		"kind":        string(t.Kind),
		"seq":         strconv.FormatUint(t.Seq, 10),
		"timestamp":   t.Timestamp.UTC().Format(time.RFC3339Nano),
		"window_bad":  strconv.Itoa(t.Window.Bad),
		"window_len":  strconv.Itoa(t.Window.Len),
		"alerts":      string(alerts),
	}
	if r.TraceID != "" {
		values["trace_id"] = r.TraceID
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(p.instanceID),
		MaxLen: p.cfg.StreamMaxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		p.fail(err)
		return "", fmt.Errorf("xadd %s: %w", StreamKey(p.instanceID), err)
	}

	p.mu.Lock()
	p.stats.Appended++
	p.stats.LastEntryID = id
	p.mu.Unlock()
	return id, nil
}

// UpdateStatus overwrites the status hash with r and refreshes its TTL.
func (p *Publisher) UpdateStatus(ctx context.Context, r posture.Report) error {
	key := StatusKey(p.instanceID)

	fields := map[string]interface{}{
		"desk_id":        p.deskID,
		"status":         string(r.Status),
		"seq":            strconv.FormatUint(r.Seq, 10),
		"calibrated":     strconv.FormatBool(r.Calibrated),
		"forward_slouch": strconv.FormatBool(r.Alerts.Forward),
		"side_slouch":    strconv.FormatBool(r.Alerts.Side),
		"head_lowered":   strconv.FormatBool(r.Alerts.Head),
		"updated_at":     r.Timestamp.UTC().Format(time.RFC3339Nano),
	}

	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, p.cfg.StatusTTL())
		return nil
	})
	if err != nil {
		p.fail(err)
		return fmt.Errorf("update %s: %w", key, err)
	}

	p.mu.Lock()
	p.stats.StatusUpdates++
	p.stats.LastStatusSeq = r.Seq
	p.mu.Unlock()
	return nil
}

// Record appends every transition of r and, when there was any, refreshes
// the status hash.
func (p *Publisher) Record(ctx context.Context, r posture.Report) error {
	if len(r.Transitions) == 0 {
		return nil
	}
	for _, t := range r.Transitions {
		if _, err := p.PublishTransition(ctx, r, t); err != nil {
			return err
		}
	}
	return p.UpdateStatus(ctx, r)
}

// Run records transitions from ch until it is closed or ctx is done. While
// running, snapshot is polled at a third of the status TTL so the hash stays
// alive between transitions. A nil snapshot disables the refresh.
func (p *Publisher) Run(ctx context.Context, ch <-chan posture.Report, snapshot func() (posture.Report, bool)) {
	refresh := p.cfg.StatusTTL() / 3
	if refresh <= 0 {
		refresh = time.Second
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-ch:
			if !ok {
				return
			}
			if err := p.Record(ctx, r); err != nil {
				slog.Error("failed to mirror alert to redis", "seq", r.Seq, "error", err)
			}
		case <-ticker.C:
			if snapshot == nil {
				continue
			}
			r, ok := snapshot()
			if !ok {
				continue
			}
			if err := p.UpdateStatus(ctx, r); err != nil {
				slog.Warn("failed to refresh redis status", "error", err)
			}
		}
	}
}

func (p *Publisher) fail(err error) {
	p.mu.Lock()
	p.stats.Errors++
	p.stats.LastErrorAt = time.Now().UTC().Format(time.RFC3339)
	p.stats.LastErrorCause = err.Error()
	p.mu.Unlock()
}

// Stats returns write counters.
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Close closes the client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
