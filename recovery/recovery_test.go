package recovery

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/indexgo/engine"
	"github.com/hupe1980/indexgo/model"
	"github.com/hupe1980/indexgo/redolog"
)

// fakeIndex records every call in order and can be told to fail on a
// specific operation.
type fakeIndex struct {
	ops      []string
	failOn   string
	flushErr error
}

var errInjected = errors.New("injected failure")

func (f *fakeIndex) record(op string) error {
	if f.failOn != "" && op == f.failOn {
		return fmt.Errorf("%s: %w", op, errInjected)
	}
	f.ops = append(f.ops, op)
	return nil
}

func (f *fakeIndex) AttachSegment(id model.SegmentID) error {
	return f.record("attach " + id.String())
}

func (f *fakeIndex) CreateSegment(id model.SegmentID) error {
	return f.record("create " + id.String())
}

func (f *fakeIndex) DropSegment(id model.SegmentID) error {
	return f.record("drop " + id.String())
}

func (f *fakeIndex) RemoveSegment(id model.SegmentID) error {
	return f.record("remove " + id.String())
}

func (f *fakeIndex) AddNode(doc model.Document) error {
	return f.record("add-node " + string(doc.ID))
}

func (f *fakeIndex) DeleteNode(id model.NodeID) error {
	return f.record("delete-node " + string(id))
}

func (f *fakeIndex) CommitVolatile() error {
	return f.record("commit-volatile")
}

func (f *fakeIndex) Flush() error {
	if f.flushErr != nil {
		return f.flushErr
	}
	f.ops = append(f.ops, "flush")
	return nil
}

type fakeLog struct {
	actions []redolog.Action
	err     error
}

func (f *fakeLog) HasEntries() bool { return len(f.actions) > 0 }

func (f *fakeLog) Actions() ([]redolog.Action, error) { return f.actions, f.err }

func TestRunEmptyLog(t *testing.T) {
	ix := &fakeIndex{}

	err := Run(ix, &fakeLog{}, nil)
	require.NoError(t, err)
	assert.Empty(t, ix.ops, "empty log must cause zero index mutations")
}

func TestFindLosers(t *testing.T) {
	tests := []struct {
		name    string
		actions []redolog.Action
		want    []model.TransactionID
	}{
		{
			name:    "start without commit is a loser",
			actions: []redolog.Action{redolog.NewStart(1)},
			want:    []model.TransactionID{1},
		},
		{
			name:    "committed transaction is not a loser",
			actions: []redolog.Action{redolog.NewStart(2), redolog.NewCommit(2)},
			want:    nil,
		},
		{
			name: "mixed outcome",
			actions: []redolog.Action{
				redolog.NewStart(1),
				redolog.NewStart(2),
				redolog.NewCommit(1),
				redolog.NewStart(3),
			},
			want: []model.TransactionID{2, 3},
		},
		{
			name:    "commit without start closes nothing",
			actions: []redolog.Action{redolog.NewCommit(7)},
			want:    nil,
		},
		{
			name: "double commit is idempotent",
			actions: []redolog.Action{
				redolog.NewStart(4),
				redolog.NewCommit(4),
				redolog.NewCommit(4),
			},
			want: nil,
		},
		{
			name: "multiple starts cleared by one commit",
			actions: []redolog.Action{
				redolog.NewStart(5),
				redolog.NewStart(5),
				redolog.NewCommit(5),
			},
			want: nil,
		},
		{
			name: "structural records are ignored",
			actions: []redolog.Action{
				redolog.NewCreateSegment(9, 1),
				redolog.NewDeleteNode(9, "n"),
			},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			losers := findLosers(tt.actions)
			assert.Len(t, losers, len(tt.want))
			for _, tx := range tt.want {
				assert.Contains(t, losers, tx)
			}
		})
	}
}

func TestLastSafeVolatileCommit(t *testing.T) {
	losers := map[model.TransactionID]struct{}{2: {}}

	tests := []struct {
		name    string
		actions []redolog.Action
		losers  map[model.TransactionID]struct{}
		want    int
	}{
		{
			name:    "no volatile commit means no checkpoint",
			actions: []redolog.Action{redolog.NewStart(1), redolog.NewAddSegment(1, 1)},
			losers:  losers,
			want:    -1,
		},
		{
			name: "clean volatile commit is the checkpoint",
			actions: []redolog.Action{
				redolog.NewStart(1),
				redolog.NewAddSegment(1, 1),
				redolog.NewVolatileCommit(1),
			},
			losers: losers,
			want:   2,
		},
		{
			name: "contaminated volatile commit is rejected",
			actions: []redolog.Action{
				redolog.NewStart(2),
				redolog.NewAddSegment(2, 1),
				redolog.NewVolatileCommit(2),
			},
			losers: losers,
			want:   -1,
		},
		{
			name: "scan stops at first contamination",
			actions: []redolog.Action{
				redolog.NewStart(1),
				redolog.NewAddSegment(1, 1),
				redolog.NewVolatileCommit(1), // safe: checkpoint candidate
				redolog.NewStart(2),
				redolog.NewAddSegment(2, 2),
				redolog.NewVolatileCommit(2), // dirty: stop here
				redolog.NewStart(3),
				redolog.NewAddSegment(3, 3),
				redolog.NewVolatileCommit(3), // never considered
			},
			losers: losers,
			want:   2,
		},
		{
			name: "commit clears the working set",
			actions: []redolog.Action{
				redolog.NewStart(2),
				redolog.NewAddSegment(2, 1),
				redolog.NewCommit(9), // boundary: loser's records are closed bookkeeping-wise
				redolog.NewVolatileCommit(1),
			},
			losers: losers,
			want:   3,
		},
		{
			name: "later safe volatile commit advances the checkpoint",
			actions: []redolog.Action{
				redolog.NewVolatileCommit(1),
				redolog.NewAddSegment(1, 1),
				redolog.NewVolatileCommit(1),
			},
			losers: losers,
			want:   2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := lastSafeVolatileCommit(tt.actions, tt.losers)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestRunScenario walks the canonical crash shape: one committed
// transaction folded into a volatile commit, one in-flight transaction
// that created a segment and then died.
func TestRunScenario(t *testing.T) {
	segA := model.SegmentID(1)
	segB := model.SegmentID(2)

	// Positions: 0 Start(1), 1 AddSegment(segA), 2 VolatileCommit
	// (the checkpoint), 3 Commit(1) closes the winner, 4 Start(2) opens
	// the loser, 5 CreateSegment(segB), 6 AddSegment(segB),
	// 7 DeleteNode(n1).
	actions := []redolog.Action{
		redolog.NewStart(1),
		redolog.NewAddSegment(1, segA),
		redolog.NewVolatileCommit(1),
		redolog.NewCommit(1),
		redolog.NewStart(2),
		redolog.NewCreateSegment(2, segB),
		redolog.NewAddSegment(2, segB),
		redolog.NewDeleteNode(2, "n1"),
	}

	ix := &fakeIndex{}
	err := Run(ix, &fakeLog{actions: actions}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"remove " + segB.String(), // undo of the loser's creation
		"attach " + segA.String(), // bulk replay up to the checkpoint
		"flush",                   // tail replay stopped at Start(2)
	}, ix.ops)
}

func TestRunTailStopsAtFirstLoserRecord(t *testing.T) {
	// After the first loser-owned record, even records of committed
	// transactions must not execute.
	actions := []redolog.Action{
		redolog.NewStart(1),
		redolog.NewVolatileCommit(1), // checkpoint at 1
		redolog.NewCommit(1),
		redolog.NewStart(2), // loser
		redolog.NewStart(3),
		redolog.NewAddSegment(3, 7),
		redolog.NewCommit(3), // committed, but unreachable past the loser
	}

	ix := &fakeIndex{}
	err := Run(ix, &fakeLog{actions: actions}, nil)
	require.NoError(t, err)

	assert.NotContains(t, ix.ops, "attach "+model.SegmentID(7).String())
	assert.Equal(t, []string{"flush"}, ix.ops)
}

func TestRunNoCheckpointReplaysFromStart(t *testing.T) {
	// Without a safe volatile commit the bulk pass is empty and the
	// tail pass starts at position 0.
	actions := []redolog.Action{
		redolog.NewStart(1),
		redolog.NewCreateSegment(1, 3),
		redolog.NewAddSegment(1, 3),
		redolog.NewCommit(1),
		redolog.NewStart(2), // loser
		redolog.NewCreateSegment(2, 4),
	}

	ix := &fakeIndex{}
	err := Run(ix, &fakeLog{actions: actions}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"remove " + model.SegmentID(3).String(), // undone first...
		"remove " + model.SegmentID(4).String(),
		"create " + model.SegmentID(3).String(), // ...then replayed by the tail pass
		"attach " + model.SegmentID(3).String(),
		"flush",
	}, ix.ops)
}

func TestRunUndoRunsBeforeReplay(t *testing.T) {
	actions := []redolog.Action{
		redolog.NewStart(1),
		redolog.NewAddSegment(1, 1),
		redolog.NewVolatileCommit(1),
		redolog.NewStart(2),
		redolog.NewCreateSegment(2, 5),
	}

	ix := &fakeIndex{}
	require.NoError(t, Run(ix, &fakeLog{actions: actions}, nil))

	require.NotEmpty(t, ix.ops)
	assert.Equal(t, "remove "+model.SegmentID(5).String(), ix.ops[0],
		"every undo must precede every replay")
}

func TestRunBulkSkipsNodeAdds(t *testing.T) {
	actions := []redolog.Action{
		redolog.NewStart(1),
		redolog.NewAddNode(1, model.Document{ID: "n1"}),
		redolog.NewVolatileCommit(1), // checkpoint: the add is folded in here
		redolog.NewCommit(1),
		redolog.NewStart(2),
		redolog.NewAddNode(2, model.Document{ID: "n2"}),
		redolog.NewCommit(2),
	}

	ix := &fakeIndex{}
	require.NoError(t, Run(ix, &fakeLog{actions: actions}, nil))

	// n1 is covered by the volatile commit; n2 is past the checkpoint
	// and owned by a winner, so it replays individually.
	assert.NotContains(t, ix.ops, "add-node n1")
	assert.Contains(t, ix.ops, "add-node n2")
}

func TestRunExecuteFailureAborts(t *testing.T) {
	actions := []redolog.Action{
		redolog.NewStart(1),
		redolog.NewAddSegment(1, 1),
		redolog.NewVolatileCommit(1),
		redolog.NewCommit(1),
	}

	ix := &fakeIndex{failOn: "attach " + model.SegmentID(1).String()}
	err := Run(ix, &fakeLog{actions: actions}, nil)
	require.Error(t, err)

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, err, errInjected)
	assert.NotContains(t, ix.ops, "flush", "no flush after a failed pass")
}

func TestRunFlushFailureAborts(t *testing.T) {
	actions := []redolog.Action{
		redolog.NewStart(1),
		redolog.NewCommit(1),
	}

	ix := &fakeIndex{flushErr: errInjected}
	err := Run(ix, &fakeLog{actions: actions}, nil)
	require.Error(t, err)

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, err, errInjected)
}

// TestRunFailureLeavesLogUntouched exercises the retry contract with a
// real on-disk log: a failed run must not change the log contents, so a
// later run re-derives the same plan.
func TestRunFailureLeavesLogUntouched(t *testing.T) {
	rlog, err := redolog.Open(func(o *redolog.Options) { o.Path = t.TempDir() })
	require.NoError(t, err)
	defer rlog.Close()

	require.NoError(t, rlog.AppendAll([]redolog.Action{
		redolog.NewStart(1),
		redolog.NewAddSegment(1, 3),
		redolog.NewCommit(1),
	}))

	ix := &fakeIndex{failOn: "attach " + model.SegmentID(3).String()}
	require.Error(t, Run(ix, rlog, nil))

	actions, err := rlog.Actions()
	require.NoError(t, err)
	require.Len(t, actions, 3)
	assert.Equal(t, redolog.TypeAddSegment, actions[1].Type())

	// Retried run against a healthy index succeeds with the same plan.
	healthy := &fakeIndex{}
	require.NoError(t, Run(healthy, rlog, nil))
	assert.Equal(t, []string{"attach " + model.SegmentID(3).String(), "flush"}, healthy.ops)
}

// flakyFlushIndex fails the first n flushes, then delegates.
type flakyFlushIndex struct {
	*engine.Engine
	failures int
}

func (f *flakyFlushIndex) Flush() error {
	if f.failures > 0 {
		f.failures--
		return errInjected
	}
	return f.Engine.Flush()
}

// TestRunRetryAfterFailedFlush replays a committed segment drop twice
// against a real engine: the first run dies at flush, and the retry
// must succeed even though the segment is already gone.
func TestRunRetryAfterFailedFlush(t *testing.T) {
	eng, err := engine.Open(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, eng.CreateSegment(3))
	require.NoError(t, eng.AttachSegment(3))

	log := &fakeLog{actions: []redolog.Action{
		redolog.NewStart(1),
		redolog.NewDeleteSegment(1, 3),
		redolog.NewCommit(1),
	}}

	flaky := &flakyFlushIndex{Engine: eng, failures: 1}
	require.ErrorIs(t, Run(flaky, log, nil), errInjected)

	require.NoError(t, Run(flaky, log, nil))
	assert.Empty(t, eng.SegmentIDs())
}

func TestRunLogReadFailure(t *testing.T) {
	log := &fakeLog{
		actions: []redolog.Action{redolog.NewStart(1)},
		err:     errInjected,
	}

	err := Run(&fakeIndex{}, log, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errInjected)
}
