// Package journal keeps a SQLite log of posture alert episodes.
//
// An onset transition opens an episode for its category and the matching
// cleared transition closes it. The baseline is never stored here.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/e7canasta/orion-posture/internal/hysteresis"
	"github.com/e7canasta/orion-posture/internal/posture"
)

var ErrClosed = errors.New("journal: closed")

const schema = `
CREATE TABLE IF NOT EXISTS alert_episodes (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	instance_id TEXT    NOT NULL,
	category    TEXT    NOT NULL,
	started_at  INTEGER NOT NULL,
	start_seq   INTEGER NOT NULL,
	ended_at    INTEGER,
	end_seq     INTEGER,
	interrupted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_alert_episodes_started ON alert_episodes (started_at);
CREATE INDEX IF NOT EXISTS idx_alert_episodes_open ON alert_episodes (category) WHERE ended_at IS NULL;
`

// Episode is one continuous alert for a single category.
type Episode struct {
	ID         int64               `json:"id"`
	InstanceID string              `json:"instance_id"`
	Category   hysteresis.Category `json:"category"`
	StartedAt  time.Time           `json:"started_at"`
	StartSeq   uint64              `json:"start_seq"`
	EndedAt    *time.Time          `json:"ended_at,omitempty"`
	EndSeq     *uint64             `json:"end_seq,omitempty"`
	// Interrupted marks an episode closed at startup because the previous
	// run stopped while it was still open
	Interrupted bool `json:"interrupted,omitempty"`
}

// Open reports whether the alert is still active.
func (e Episode) Open() bool { return e.EndedAt == nil }

// Duration returns the episode length, measured up to now while it is open.
func (e Episode) Duration(now time.Time) time.Duration {
	if e.EndedAt != nil {
		return e.EndedAt.Sub(e.StartedAt)
	}
	return now.Sub(e.StartedAt)
}

// Stats counts journal writes.
type Stats struct {
	Opened  uint64 `json:"opened"`
	Closed  uint64 `json:"closed"`
	Ignored uint64 `json:"ignored"`
	Errors  uint64 `json:"errors"`
}

// Journal writes alert episodes for one service instance.
type Journal struct {
	db         *sql.DB
	instanceID string

	mu     sync.Mutex
	stats  Stats
	closed bool
}

// Open creates (or reuses) the database at path. Episodes left open by a
// previous run are closed and marked interrupted.
func Open(path, instanceID string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	// single writer; the sqlite driver serializes anyway
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: create schema: %w", err)
	}

	j := &Journal{db: db, instanceID: instanceID}

	res, err := db.Exec(
		`UPDATE alert_episodes SET ended_at = started_at, interrupted = 1
		 WHERE instance_id = ? AND ended_at IS NULL`, instanceID)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: close dangling episodes: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Warn("closed alert episodes left open by previous run",
			"instance_id", instanceID,
			"count", n,
		)
	}

	return j, nil
}

// Record applies every transition in the report.
func (j *Journal) Record(ctx context.Context, r posture.Report) error {
	var errs []error
	for _, t := range r.Transitions {
		if err := j.RecordTransition(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordTransition opens or closes the episode for t.Category.
// An onset while an episode is already open, or a clear with none open,
// is ignored.
func (j *Journal) RecordTransition(ctx context.Context, t posture.Transition) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	var (
		res sql.Result
		err error
	)
	switch t.Kind {
	case posture.Onset:
		res, err = j.db.ExecContext(ctx,
			`INSERT INTO alert_episodes (instance_id, category, started_at, start_seq)
			 SELECT ?, ?, ?, ?
			 WHERE NOT EXISTS (
				SELECT 1 FROM alert_episodes
				WHERE instance_id = ? AND category = ? AND ended_at IS NULL)`,
			j.instanceID, t.Category.String(), t.Timestamp.UnixNano(), t.Seq,
			j.instanceID, t.Category.String())
	case posture.Cleared:
		res, err = j.db.ExecContext(ctx,
			`UPDATE alert_episodes SET ended_at = ?, end_seq = ?
			 WHERE instance_id = ? AND category = ? AND ended_at IS NULL`,
			t.Timestamp.UnixNano(), t.Seq, j.instanceID, t.Category.String())
	default:
		return fmt.Errorf("journal: unknown transition kind %q", t.Kind)
	}
	if err != nil {
		j.stats.Errors++
		return fmt.Errorf("journal: record %s %s: %w", t.Category, t.Kind, err)
	}

	n, _ := res.RowsAffected()
	switch {
	case n == 0:
		j.stats.Ignored++
		slog.Debug("journal transition ignored",
			"category", t.Category.String(),
			"kind", t.Kind,
			"seq", t.Seq,
		)
	case t.Kind == posture.Onset:
		j.stats.Opened++
	default:
		j.stats.Closed++
	}
	return nil
}

// Episodes returns the episodes started at or after since, oldest first.
func (j *Journal) Episodes(ctx context.Context, since time.Time) ([]Episode, error) {
	return j.query(ctx,
		`SELECT id, instance_id, category, started_at, start_seq, ended_at, end_seq, interrupted
		 FROM alert_episodes WHERE instance_id = ? AND started_at >= ?
		 ORDER BY started_at, id`,
		j.instanceID, since.UnixNano())
}

// OpenEpisodes returns the alerts currently active.
func (j *Journal) OpenEpisodes(ctx context.Context) ([]Episode, error) {
	return j.query(ctx,
		`SELECT id, instance_id, category, started_at, start_seq, ended_at, end_seq, interrupted
		 FROM alert_episodes WHERE instance_id = ? AND ended_at IS NULL
		 ORDER BY started_at, id`,
		j.instanceID)
}

func (j *Journal) query(ctx context.Context, q string, args ...any) ([]Episode, error) {
	j.mu.Lock()
	closed := j.closed
	j.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query episodes: %w", err)
	}
	defer rows.Close()

	var episodes []Episode
	for rows.Next() {
		var (
			ep          Episode
			category    string
			startedAt   int64
			endedAt     sql.NullInt64
			endSeq      sql.NullInt64
			interrupted int
		)
		if err := rows.Scan(&ep.ID, &ep.InstanceID, &category, &startedAt, &ep.StartSeq,
			&endedAt, &endSeq, &interrupted); err != nil {
			return nil, fmt.Errorf("journal: scan episode: %w", err)
		}
		if err := ep.Category.UnmarshalText([]byte(category)); err != nil {
			return nil, err
		}
		ep.StartedAt = time.Unix(0, startedAt).UTC()
		if endedAt.Valid {
			t := time.Unix(0, endedAt.Int64).UTC()
			ep.EndedAt = &t
		}
		if endSeq.Valid {
			s := uint64(endSeq.Int64)
			ep.EndSeq = &s
		}
		ep.Interrupted = interrupted != 0
		episodes = append(episodes, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterate episodes: %w", err)
	}
	return episodes, nil
}

// Run records transitions from ch until it is closed or ctx is done.
func (j *Journal) Run(ctx context.Context, ch <-chan posture.Report) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-ch:
			if !ok {
				return
			}
			if err := j.Record(ctx, r); err != nil {
				slog.Error("failed to journal alert transition", "seq", r.Seq, "error", err)
			}
		}
	}
}

// Stats returns write counters.
func (j *Journal) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats
}

// Close closes the database. Further calls return ErrClosed.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	j.closed = true
	return j.db.Close()
}
