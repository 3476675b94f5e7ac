package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-posture/internal/hysteresis"
	"github.com/e7canasta/orion-posture/internal/posture"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func transition(c hysteresis.Category, kind posture.TransitionKind, seq uint64) posture.Transition {
	return posture.Transition{
		Category:  c,
		Kind:      kind,
		Seq:       seq,
		Timestamp: t0.Add(time.Duration(seq) * 100 * time.Millisecond),
	}
}

func openTemp(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "posture.db")
	j, err := Open(path, "desk-01")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func TestEpisodeLifecycle(t *testing.T) {
	j, _ := openTemp(t)
	ctx := context.Background()

	require.NoError(t, j.RecordTransition(ctx, transition(hysteresis.Forward, posture.Onset, 100)))
	require.NoError(t, j.RecordTransition(ctx, transition(hysteresis.Head, posture.Onset, 120)))

	open, err := j.OpenEpisodes(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, hysteresis.Forward, open[0].Category)
	assert.Equal(t, uint64(100), open[0].StartSeq)
	assert.True(t, open[0].Open())

	require.NoError(t, j.RecordTransition(ctx, transition(hysteresis.Forward, posture.Cleared, 400)))

	open, err = j.OpenEpisodes(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, hysteresis.Head, open[0].Category)

	all, err := j.Episodes(ctx, t0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	fwd := all[0]
	require.NotNil(t, fwd.EndedAt)
	require.NotNil(t, fwd.EndSeq)
	assert.Equal(t, uint64(400), *fwd.EndSeq)
	assert.Equal(t, 30*time.Second, fwd.Duration(time.Now()))
	assert.True(t, fwd.StartedAt.Equal(t0.Add(10*time.Second)))

	assert.Equal(t, Stats{Opened: 2, Closed: 1}, j.Stats())
}

func TestRecordTransition_Ignored(t *testing.T) {
	j, _ := openTemp(t)
	ctx := context.Background()

	// clear without onset
	require.NoError(t, j.RecordTransition(ctx, transition(hysteresis.Side, posture.Cleared, 5)))
	// double onset keeps the first
	require.NoError(t, j.RecordTransition(ctx, transition(hysteresis.Side, posture.Onset, 100)))
	require.NoError(t, j.RecordTransition(ctx, transition(hysteresis.Side, posture.Onset, 150)))

	open, err := j.OpenEpisodes(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, uint64(100), open[0].StartSeq)
	assert.Equal(t, Stats{Opened: 1, Ignored: 2}, j.Stats())

	assert.Error(t, j.RecordTransition(ctx, posture.Transition{Category: hysteresis.Side, Kind: "sideways"}))
}

func TestEpisodesSince(t *testing.T) {
	j, _ := openTemp(t)
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, posture.Report{Transitions: []posture.Transition{
		transition(hysteresis.Forward, posture.Onset, 100),
		transition(hysteresis.Side, posture.Onset, 100),
	}}))
	require.NoError(t, j.Record(ctx, posture.Report{Transitions: []posture.Transition{
		transition(hysteresis.Forward, posture.Cleared, 300),
	}}))
	require.NoError(t, j.RecordTransition(ctx, transition(hysteresis.Forward, posture.Onset, 900)))

	recent, err := j.Episodes(ctx, t0.Add(60*time.Second))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, uint64(900), recent[0].StartSeq)

	all, err := j.Episodes(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestOpen_ClosesDanglingEpisodes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "posture.db")
	ctx := context.Background()

	j, err := Open(path, "desk-01")
	require.NoError(t, err)
	require.NoError(t, j.RecordTransition(ctx, transition(hysteresis.Head, posture.Onset, 100)))
	require.NoError(t, j.Close())
	assert.ErrorIs(t, j.Close(), ErrClosed)

	j, err = Open(path, "desk-01")
	require.NoError(t, err)
	defer j.Close()

	open, err := j.OpenEpisodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	all, err := j.Episodes(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Interrupted)
	assert.False(t, all[0].Open())
}

func TestInstancesAreIsolated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()

	a, err := Open(path, "desk-a")
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.RecordTransition(ctx, transition(hysteresis.Forward, posture.Onset, 100)))
	require.NoError(t, a.Close())

	b, err := Open(path, "desk-b")
	require.NoError(t, err)
	defer b.Close()

	got, err := b.Episodes(ctx, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRun(t *testing.T) {
	j, _ := openTemp(t)

	ch := make(chan posture.Report, 2)
	ch <- posture.Report{Transitions: []posture.Transition{transition(hysteresis.Forward, posture.Onset, 100)}}
	ch <- posture.Report{Transitions: []posture.Transition{transition(hysteresis.Forward, posture.Cleared, 200)}}
	close(ch)

	j.Run(context.Background(), ch)

	assert.Equal(t, Stats{Opened: 1, Closed: 1}, j.Stats())
}

func TestClosedJournal(t *testing.T) {
	j, _ := openTemp(t)
	require.NoError(t, j.Close())

	ctx := context.Background()
	assert.ErrorIs(t, j.RecordTransition(ctx, transition(hysteresis.Forward, posture.Onset, 1)), ErrClosed)
	_, err := j.OpenEpisodes(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}
