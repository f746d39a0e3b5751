// Package recovery reconstructs a consistent index state from the redo
// log after an unclean shutdown.
//
// The on-disk segments may reflect a partially-applied interleaving of
// concurrent logical transactions, some of which never committed. A run
// reads the full action sequence once, classifies which operations are
// safe to trust, reverses the structural side effects of the rest, and
// replays what must be kept:
//
//  1. Loser detection: transactions with a Start but no later Commit.
//  2. Checkpoint selection: the last volatile commit provably free of
//     any loser transaction's writes.
//  3. Undo pass: segment creations after the checkpoint are reversed.
//  4. Bulk replay: structural actions up to the checkpoint are applied
//     as-is (node adds are already folded into the volatile commit).
//  5. Tail replay: everything after the checkpoint is applied until the
//     first loser-owned record; nothing from that point on is trusted.
//
// The run ends with a flush that makes the reconstructed state durable.
// Recovery never writes the redo log; the caller clears it only after a
// successful run, so a failed run can simply be retried.
package recovery

import (
	"io"
	"log/slog"

	"github.com/hupe1980/indexgo/model"
	"github.com/hupe1980/indexgo/redolog"
)

// Index is the view of the index engine a recovery run mutates.
type Index interface {
	redolog.Index

	// Flush makes the post-recovery state durable.
	Flush() error
}

// Log is the portion of the redo log recovery reads. Recovery never
// writes the log.
type Log interface {
	// HasEntries reports whether the log contains any records.
	HasEntries() bool

	// Actions returns the full ordered action sequence, stable for the
	// duration of one run.
	Actions() ([]redolog.Action, error)
}

// Error reports a failed recovery run. The underlying cause is
// available via errors.Unwrap.
type Error struct {
	cause error
}

func (e *Error) Error() string { return "recovery failed: " + e.cause.Error() }

// Unwrap returns the cause of the failure.
func (e *Error) Unwrap() error { return e.cause }

// Run recovers the index from the redo log.
//
// An empty log is a no-op, not an error. Any failure from the index
// engine aborts the run immediately and is returned wrapped in *Error;
// the log is left untouched so the run can be retried from scratch
// after the underlying cause (e.g. disk full) is fixed.
func Run(ix Index, log Log, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if !log.HasEntries() {
		logger.Debug("redo log is empty, no recovery needed")
		return nil
	}
	logger.Info("found uncommitted redo log, applying changes")

	actions, err := log.Actions()
	if err != nil {
		return &Error{cause: err}
	}

	losers := findLosers(actions)
	checkpoint := lastSafeVolatileCommit(actions, losers)

	logger.Debug("recovery plan computed",
		"actions", len(actions),
		"losers", len(losers),
		"checkpoint", checkpoint,
	)

	if err := undoCreations(ix, actions, checkpoint); err != nil {
		return &Error{cause: err}
	}
	if err := replayToCheckpoint(ix, actions, checkpoint); err != nil {
		return &Error{cause: err}
	}
	if err := replayTail(ix, actions, checkpoint, losers); err != nil {
		return &Error{cause: err}
	}

	// Now we are consistent again.
	if err := ix.Flush(); err != nil {
		return &Error{cause: err}
	}

	logger.Info("redo changes applied", "actions", len(actions))
	return nil
}

// findLosers returns the transactions that started but never reached a
// Commit anywhere in the sequence. Their effects must not survive
// recovery, no matter how many structural records they produced.
//
// A Commit with no prior Start closes nothing (removal of an absent
// element is a no-op), and a transaction with multiple Starts is still
// cleared by a single Commit; nested restart semantics are not
// supported.
func findLosers(actions []redolog.Action) map[model.TransactionID]struct{} {
	losers := make(map[model.TransactionID]struct{})
	for _, a := range actions {
		switch a.Type() {
		case redolog.TypeStart:
			losers[a.TransactionID()] = struct{}{}
		case redolog.TypeCommit:
			delete(losers, a.TransactionID())
		}
	}
	return losers
}

// lastSafeVolatileCommit returns the position of the last volatile
// commit free of changes from a loser transaction, or -1 if there is
// none.
//
// A volatile commit is trustworthy only if none of the writes folded
// into it belong to a transaction that is ultimately a loser. The scan
// stops at the first contaminated volatile commit rather than skipping
// past it: anything downstream may carry un-flagged loser writes
// forward through the engine's internal buffering.
func lastSafeVolatileCommit(actions []redolog.Action, losers map[model.TransactionID]struct{}) int {
	last := -1
	open := make(map[model.TransactionID]struct{})
	for i, a := range actions {
		switch a.Type() {
		case redolog.TypeCommit:
			// Transaction boundary: everything since the previous
			// boundary is closed for this bookkeeping.
			clear(open)
		case redolog.TypeVolatileCommit:
			if intersects(open, losers) {
				// Dirty volatile commit; the previous candidate stands.
				return last
			}
			last = i
		default:
			open[a.TransactionID()] = struct{}{}
		}
	}
	return last
}

func intersects(a, b map[model.TransactionID]struct{}) bool {
	for tx := range a {
		if _, ok := b[tx]; ok {
			return true
		}
	}
	return false
}

// undoCreations reverses every segment creation strictly after the
// checkpoint, in forward log order. Creation is the one structural
// action whose side effect (new segment files) must be removed
// explicitly; deletions and additions past the checkpoint are simply
// never replayed.
func undoCreations(ix Index, actions []redolog.Action, checkpoint int) error {
	for i := checkpoint + 1; i < len(actions); i++ {
		if a := actions[i]; a.Type() == redolog.TypeCreateSegment {
			if err := a.Undo(ix); err != nil {
				return err
			}
		}
	}
	return nil
}

// replayToCheckpoint applies the structural actions up to and including
// the checkpoint. Node adds are skipped: they are already part of what
// the volatile commit materialized, and replaying them again would
// duplicate work. Boundary records carry no index effect here.
func replayToCheckpoint(ix Index, actions []redolog.Action, checkpoint int) error {
	for i := 0; i < len(actions) && i <= checkpoint; i++ {
		a := actions[i]
		switch a.Type() {
		case redolog.TypeAddSegment,
			redolog.TypeCreateSegment,
			redolog.TypeDeleteSegment,
			redolog.TypeDeleteNode:
			if err := a.Execute(ix); err != nil {
				return err
			}
		}
	}
	return nil
}

// replayTail applies everything after the checkpoint until the first
// record owned by a loser transaction. From that record on the log is
// potentially inconsistent, so nothing further is executed, even
// records belonging to committed transactions.
func replayTail(ix Index, actions []redolog.Action, checkpoint int, losers map[model.TransactionID]struct{}) error {
	for i := checkpoint + 1; i < len(actions); i++ {
		a := actions[i]
		if _, ok := losers[a.TransactionID()]; ok {
			break
		}
		if err := a.Execute(ix); err != nil {
			return err
		}
	}
	return nil
}
