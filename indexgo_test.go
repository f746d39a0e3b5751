package indexgo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/indexgo/redolog"
	"github.com/hupe1980/indexgo/segment"
)

func doc(id NodeID, text string) Document {
	return Document{ID: id, Fields: map[string]string{"text": text}}
}

func TestIndexLifecycle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	ix, err := Open(dir)
	require.NoError(t, err)

	err = ix.Update(ctx, []Document{
		doc("n1", "crash recovery"),
		doc("n2", "redo log replay"),
	}, nil)
	require.NoError(t, err)

	ids, err := ix.Search(ctx, "recovery")
	require.NoError(t, err)
	assert.Equal(t, []NodeID{"n1"}, ids)

	got, err := ix.Document("n1")
	require.NoError(t, err)
	assert.Equal(t, "crash recovery", got.Fields["text"])

	_, err = ix.Document("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, ix.Close())

	// Clean reopen: no recovery work, committed state visible.
	ix2, err := Open(dir)
	require.NoError(t, err)
	defer ix2.Close()

	assert.True(t, ix2.Has("n2"))
	ids, err = ix2.Search(ctx, "replay")
	require.NoError(t, err)
	assert.Equal(t, []NodeID{"n2"}, ids)
}

func TestIndexUpdateDeletes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	ix, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, ix.Update(ctx, []Document{doc("n1", "old text")}, nil))
	require.NoError(t, ix.Flush())

	// Deletes run before adds: replace in one transaction.
	err = ix.Update(ctx, []Document{doc("n1", "new text")}, []NodeID{"n1"})
	require.NoError(t, err)

	ids, err := ix.Search(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, ids)
	ids, err = ix.Search(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, []NodeID{"n1"}, ids)

	require.NoError(t, ix.Update(ctx, nil, []NodeID{"n1"}))
	assert.False(t, ix.Has("n1"))
	require.NoError(t, ix.Close())

	ix2, err := Open(dir)
	require.NoError(t, err)
	defer ix2.Close()
	assert.False(t, ix2.Has("n1"))
}

func TestIndexVolatileThreshold(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	ix, err := Open(dir, WithVolatileThreshold(1))
	require.NoError(t, err)
	defer ix.Close()

	err = ix.Update(ctx, []Document{
		doc("n1", "alpha"),
		doc("n2", "beta"),
		doc("n3", "gamma"),
	}, nil)
	require.NoError(t, err)

	// Every add crossed the threshold, so each landed in its own segment.
	stats := ix.Stats()
	assert.Equal(t, 3, stats.Segments)
	assert.Equal(t, 0, stats.VolatileDocs)

	ids, err := ix.Search(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, []NodeID{"n2"}, ids)
}

func TestIndexRecoversCommittedTransaction(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// Simulate a crash: records hit the log, the flush never happened.
	rlog, err := redolog.Open(func(o *redolog.Options) { o.Path = dir })
	require.NoError(t, err)
	require.NoError(t, rlog.AppendAll([]redolog.Action{
		redolog.NewStart(1),
		redolog.NewAddNode(1, doc("n1", "survived the crash")),
		redolog.NewCommit(1),
	}))
	require.NoError(t, rlog.Close())

	ix, err := Open(dir)
	require.NoError(t, err)
	defer ix.Close()

	assert.True(t, ix.Has("n1"))
	ids, err := ix.Search(ctx, "survived")
	require.NoError(t, err)
	assert.Equal(t, []NodeID{"n1"}, ids)

	// Recovery flushed and cleared the log: one materialized segment.
	assert.Equal(t, 1, ix.Stats().Segments)
}

func TestIndexRecoveryRollsBackLoser(t *testing.T) {
	dir := t.TempDir()

	// Segment 5 was materialized by a transaction that never committed.
	_, err := segment.WriteEmpty(dir, 5)
	require.NoError(t, err)

	rlog, err := redolog.Open(func(o *redolog.Options) { o.Path = dir })
	require.NoError(t, err)
	require.NoError(t, rlog.AppendAll([]redolog.Action{
		redolog.NewStart(1),
		redolog.NewAddNode(1, doc("n1", "committed work")),
		redolog.NewCommit(1),
		redolog.NewStart(2),
		redolog.NewCreateSegment(2, 5),
	}))
	require.NoError(t, rlog.Close())

	ix, err := Open(dir)
	require.NoError(t, err)
	defer ix.Close()

	// The committed transaction survives, the loser's segment is gone.
	assert.True(t, ix.Has("n1"))
	assert.False(t, segment.Exists(dir, 5))
}

func TestIndexRecoveryDropsUncommittedUpdate(t *testing.T) {
	dir := t.TempDir()

	rlog, err := redolog.Open(func(o *redolog.Options) { o.Path = dir })
	require.NoError(t, err)
	require.NoError(t, rlog.AppendAll([]redolog.Action{
		redolog.NewStart(1),
		redolog.NewAddNode(1, doc("n1", "never committed")),
	}))
	require.NoError(t, rlog.Close())

	ix, err := Open(dir)
	require.NoError(t, err)
	defer ix.Close()

	assert.False(t, ix.Has("n1"))
}

func TestIndexClosed(t *testing.T) {
	ctx := context.Background()

	ix, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, ix.Close())

	assert.ErrorIs(t, ix.Update(ctx, []Document{doc("n1", "x")}, nil), ErrClosed)
	_, err = ix.Search(ctx, "x")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = ix.Document("n1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, ix.Flush(), ErrClosed)
	assert.False(t, ix.Has("n1"))

	// Closing twice is fine.
	require.NoError(t, ix.Close())
}

func TestIndexMetrics(t *testing.T) {
	ctx := context.Background()
	metrics := &BasicMetricsCollector{}

	ix, err := Open(t.TempDir(), WithMetricsCollector(metrics))
	require.NoError(t, err)
	defer ix.Close()

	require.NoError(t, ix.Update(ctx, []Document{doc("n1", "a"), doc("n2", "b")}, nil))
	_, err = ix.Search(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, ix.Flush())

	stats := metrics.GetStats()
	assert.Equal(t, int64(1), stats.UpdateCount)
	assert.Equal(t, int64(2), stats.DocsAdded)
	assert.Equal(t, int64(1), stats.SearchCount)
	assert.Equal(t, int64(1), stats.FlushCount)
	assert.Equal(t, int64(1), stats.RecoveryCount)
	assert.Equal(t, int64(0), stats.RecoveryEntries)
}

func TestIndexTransactionIDsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	ix, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, ix.Update(ctx, []Document{doc("n1", "a")}, nil))
	require.NoError(t, ix.Close())

	// A new generation must not reuse transaction ids from the old one:
	// the engine persists the high-water mark at flush.
	ix2, err := Open(dir)
	require.NoError(t, err)
	defer ix2.Close()
	require.NoError(t, ix2.Update(ctx, []Document{doc("n2", "b")}, nil))
	assert.True(t, ix2.Has("n1"))
	assert.True(t, ix2.Has("n2"))
}
