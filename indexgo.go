// Package indexgo provides an embedded, transactionally updated
// multi-segment document index for Go.
//
// Every mutation is appended to a redo log before it is applied, so a
// crash between two fsyncs never leaves the index in a state that
// cannot be reconstructed. On Open the redo log is replayed: committed
// transactions are restored, in-flight ones are rolled back, and the
// repaired state is flushed before the first query runs.
//
// # Quick Start
//
//	ix, err := indexgo.Open("./data",
//	    indexgo.WithLogLevel(slog.LevelInfo),
//	    indexgo.WithRedoLog(func(o *redolog.Options) {
//	        o.DurabilityMode = redolog.DurabilityGroupCommit
//	    }),
//	)
//	if err != nil {
//	    panic(err)
//	}
//	defer ix.Close()
//
//	err = ix.Update(ctx,
//	    []indexgo.Document{{ID: "n1", Fields: map[string]string{"text": "hello world"}}},
//	    nil,
//	)
//
//	ids, err := ix.Search(ctx, "hello")
//
// Updates are transactional as a batch: either all adds and deletes of
// one Update call survive a crash, or none do. Durability of the log
// itself is configurable (Async, GroupCommit, Sync) via redolog.Options.
package indexgo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/indexgo/engine"
	"github.com/hupe1980/indexgo/model"
	"github.com/hupe1980/indexgo/recovery"
	"github.com/hupe1980/indexgo/redolog"
)

// Document is the unit of indexing.
type Document = model.Document

// NodeID identifies a document.
type NodeID = model.NodeID

// SegmentID identifies a persistent segment.
type SegmentID = model.SegmentID

// Index is an embedded document index backed by a redo log.
// All methods are safe for concurrent use.
type Index struct {
	mu        sync.RWMutex
	engine    *engine.Engine
	log       *redolog.RedoLog
	logger    *Logger
	metrics   MetricsCollector
	threshold int
	closed    bool
}

// Open opens (or creates) the index at path and recovers it from the
// redo log if the previous process died before flushing.
func Open(path string, optFns ...Option) (*Index, error) {
	opts := applyOptions(optFns)

	eng, err := engine.Open(path, opts.logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("indexgo: failed to open engine: %w", err)
	}

	// The path argument is authoritative; user options may still tune
	// durability and compression.
	logOptFns := append([]func(*redolog.Options){
		func(o *redolog.Options) {
			o.Path = path
		},
	}, opts.redoLogOptions...)

	rlog, err := redolog.Open(logOptFns...)
	if err != nil {
		return nil, fmt.Errorf("indexgo: failed to open redo log: %w", err)
	}

	start := time.Now()
	entries := rlog.Len()

	if err := recovery.Run(eng, rlog, opts.logger.Logger); err != nil {
		_ = rlog.Close()
		opts.metricsCollector.RecordRecovery(entries, time.Since(start), err)
		opts.logger.LogRecovery(entries, err)
		return nil, err
	}
	if entries > 0 {
		// The recovered state is flushed; the log has served its purpose.
		if err := rlog.Clear(); err != nil {
			_ = rlog.Close()
			return nil, fmt.Errorf("indexgo: failed to clear redo log after recovery: %w", err)
		}
	}
	opts.metricsCollector.RecordRecovery(entries, time.Since(start), nil)
	opts.logger.LogRecovery(entries, nil)

	return &Index{
		engine:    eng,
		log:       rlog,
		logger:    opts.logger,
		metrics:   opts.metricsCollector,
		threshold: opts.volatileThreshold,
	}, nil
}

// Update applies a batch of adds and deletes as one transaction.
// Deletes run before adds, so a document can be replaced in a single
// call. Every operation is appended to the redo log before it touches
// the index; after a crash either the whole batch is recovered or none
// of it is.
func (ix *Index) Update(ctx context.Context, adds []Document, deletes []NodeID) error {
	start := time.Now()
	err := ix.update(ctx, adds, deletes)
	ix.metrics.RecordUpdate(len(adds), len(deletes), time.Since(start), err)
	ix.logger.LogUpdate(ctx, len(adds), len(deletes), err)
	return err
}

func (ix *Index) update(ctx context.Context, adds []Document, deletes []NodeID) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.closed {
		return ErrClosed
	}
	if len(adds) == 0 && len(deletes) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := ix.engine.AllocateTransactionID()

	if err := ix.log.Append(redolog.NewStart(tx)); err != nil {
		return err
	}
	for _, node := range deletes {
		if err := ix.applyLocked(redolog.NewDeleteNode(tx, node)); err != nil {
			return err
		}
	}
	for _, doc := range adds {
		if err := ix.applyLocked(redolog.NewAddNode(tx, doc)); err != nil {
			return err
		}
		if ix.engine.VolatileLen() >= ix.threshold {
			if err := ix.commitVolatileLocked(tx); err != nil {
				return err
			}
		}
	}
	return ix.log.Append(redolog.NewCommit(tx))
}

// applyLocked appends the record and then executes it. Write-ahead
// ordering: a record that never hits the log must never hit the index.
func (ix *Index) applyLocked(a redolog.Action) error {
	if err := ix.log.Append(a); err != nil {
		return err
	}
	return a.Execute(ix.engine)
}

// commitVolatileLocked logs the segment lifecycle of a volatile commit
// and then performs it. The three records land in one durability unit
// so recovery sees either the full triple or none of it.
func (ix *Index) commitVolatileLocked(tx model.TransactionID) error {
	seg := ix.engine.NextSegmentID()

	if err := ix.log.AppendAll([]redolog.Action{
		redolog.NewCreateSegment(tx, seg),
		redolog.NewAddSegment(tx, seg),
		redolog.NewVolatileCommit(tx),
	}); err != nil {
		return err
	}
	return ix.engine.CommitVolatile()
}

// Search returns the ids of all documents containing term, newest
// version first. Matching is exact on lower-cased whitespace tokens.
func (ix *Index) Search(ctx context.Context, term string) ([]NodeID, error) {
	start := time.Now()

	ix.mu.RLock()
	if ix.closed {
		ix.mu.RUnlock()
		return nil, ErrClosed
	}
	ids := ix.engine.Search(term)
	ix.mu.RUnlock()

	ix.metrics.RecordSearch(time.Since(start), nil)
	ix.logger.LogSearch(ctx, term, len(ids), nil)
	return ids, nil
}

// Has reports whether node is visible in the index.
func (ix *Index) Has(node NodeID) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.closed {
		return false
	}
	return ix.engine.Has(node)
}

// Document returns the newest visible version of node.
func (ix *Index) Document(node NodeID) (Document, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.closed {
		return Document{}, ErrClosed
	}
	doc, ok := ix.engine.Document(node)
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

// Stats is a snapshot of the index shape.
type Stats struct {
	// Segments is the number of attached persistent segments.
	Segments int

	// VolatileDocs is the number of documents buffered in memory,
	// not yet materialized as a segment.
	VolatileDocs int
}

// Stats returns a snapshot of the index shape.
func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.closed {
		return Stats{}
	}
	return Stats{
		Segments:     len(ix.engine.SegmentIDs()),
		VolatileDocs: ix.engine.VolatileLen(),
	}
}

// Flush makes the current index state durable and clears the redo log.
// After Flush returns, reopening the index performs no recovery work.
func (ix *Index) Flush() error {
	start := time.Now()
	err := ix.flush()
	ix.metrics.RecordFlush(time.Since(start), err)
	ix.logger.LogFlush(err)
	return err
}

func (ix *Index) flush() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return ErrClosed
	}
	return ix.flushLocked()
}

func (ix *Index) flushLocked() error {
	// Materializing the volatile index is logged like any runtime
	// volatile commit, so a crash between the segment write and the
	// manifest write still recovers cleanly.
	if ix.engine.VolatileLen() > 0 {
		tx := ix.engine.AllocateTransactionID()
		if err := ix.log.Append(redolog.NewStart(tx)); err != nil {
			return err
		}
		if err := ix.commitVolatileLocked(tx); err != nil {
			return err
		}
		if err := ix.log.Append(redolog.NewCommit(tx)); err != nil {
			return err
		}
	}

	if err := ix.engine.Flush(); err != nil {
		return err
	}
	return ix.log.Clear()
}

// Close flushes the index and releases the redo log. A closed index
// rejects all further operations with ErrClosed.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.closed {
		return nil
	}
	ix.closed = true

	flushErr := ix.flushLocked()
	closeErr := ix.log.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
