// Package engine implements the multi-segment index engine: the ordered
// list of attached persistent segments, the volatile in-memory index in
// front of them, and the durable flush boundary (manifest write).
//
// The engine is the dispatch target of redo-log actions. It knows
// nothing about the redo log itself; the facade package appends records
// ahead of every mutation, and the recovery package drives the same
// methods while replaying.
package engine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/indexgo/manifest"
	"github.com/hupe1980/indexgo/model"
	"github.com/hupe1980/indexgo/redolog"
	"github.com/hupe1980/indexgo/segment"
)

// ErrSegmentNotFound is returned when an attach targets a segment that
// is neither pending nor on disk.
var ErrSegmentNotFound = errors.New("engine: segment not found")

// Engine is the multi-segment index engine. All methods are safe for
// concurrent use, though recovery drives it single-threaded by contract.
type Engine struct {
	mu       sync.RWMutex
	dir      string
	logger   *slog.Logger
	store    *manifest.Store
	man      *manifest.Manifest
	segments []*segment.Segment
	pending  map[model.SegmentID]*segment.Segment // created, not yet attached
	volatile *segment.Volatile
	nextSeg  uint64
	nextTx   uint64
}

var _ redolog.Index = (*Engine)(nil)

// Open loads the engine from dir, creating a fresh index if no manifest
// exists yet. Attached segments are opened in parallel.
func Open(dir string, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	store := manifest.NewStore(dir)
	man, err := store.Load()
	if err != nil {
		if !errors.Is(err, manifest.ErrNotFound) {
			return nil, err
		}
		man = manifest.New()
	}

	segs := make([]*segment.Segment, len(man.Segments))
	g := &errgroup.Group{}
	for i, info := range man.Segments {
		i, info := i, info
		g.Go(func() error {
			s, err := segment.Open(dir, info.ID)
			if err != nil {
				return err
			}
			segs[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	e := &Engine{
		dir:      dir,
		logger:   logger,
		store:    store,
		man:      man,
		segments: segs,
		pending:  make(map[model.SegmentID]*segment.Segment),
		volatile: segment.NewVolatile(),
		nextSeg:  man.NextSegment,
		nextTx:   man.NextTransaction,
	}

	logger.Debug("engine opened",
		"dir", dir,
		"segments", len(segs),
		"next_segment", e.nextSeg,
	)
	return e, nil
}

// Dir returns the index directory.
func (e *Engine) Dir() string { return e.dir }

// NextSegmentID returns the id the next volatile commit will use.
func (e *Engine) NextSegmentID() model.SegmentID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return model.SegmentID(e.nextSeg)
}

// AllocateTransactionID returns a fresh transaction id.
func (e *Engine) AllocateTransactionID() model.TransactionID {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx := e.nextTx
	e.nextTx++
	return model.TransactionID(tx)
}

// AttachSegment adds the persistent segment id to the index. A segment
// created earlier in the same run is attached as-is; otherwise it is
// opened from disk. Attaching an already attached segment is a no-op so
// replaying an attach is safe.
func (e *Engine) AttachSegment(id model.SegmentID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.attachedLocked(id) {
		return nil
	}

	s, ok := e.pending[id]
	if !ok {
		if !segment.Exists(e.dir, id) {
			return fmt.Errorf("%w: %s", ErrSegmentNotFound, id)
		}
		var err error
		s, err = segment.Open(e.dir, id)
		if err != nil {
			return fmt.Errorf("failed to attach segment %s: %w", id, err)
		}
	}
	delete(e.pending, id)
	e.segments = append(e.segments, s)
	e.bumpSegmentCounterLocked(id)
	return nil
}

// CreateSegment creates the persistent segment files for id without
// attaching them. If the files already exist their content is kept, so
// replaying a creation against a materialized segment is safe.
func (e *Engine) CreateSegment(id model.SegmentID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.attachedLocked(id) {
		return nil
	}

	s, err := segment.WriteEmpty(e.dir, id)
	if err != nil {
		return fmt.Errorf("failed to create segment %s: %w", id, err)
	}
	e.pending[id] = s
	e.bumpSegmentCounterLocked(id)
	return nil
}

// DropSegment detaches the segment and deletes its files. Dropping a
// segment that is neither attached, pending, nor on disk is a no-op so
// replaying a drop is safe.
func (e *Engine) DropSegment(id model.SegmentID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, s := range e.segments {
		if s.ID() == id {
			e.segments = append(e.segments[:i], e.segments[i+1:]...)
			break
		}
	}
	delete(e.pending, id)
	return segment.Remove(e.dir, id)
}

// RemoveSegment deletes the segment files whether or not the segment is
// attached. It is the reversal target for CreateSegment: removing a
// segment whose files never made it to disk is a no-op.
func (e *Engine) RemoveSegment(id model.SegmentID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, s := range e.segments {
		if s.ID() == id {
			e.segments = append(e.segments[:i], e.segments[i+1:]...)
			break
		}
	}
	delete(e.pending, id)
	return segment.Remove(e.dir, id)
}

// AddNode buffers the document in the volatile index.
func (e *Engine) AddNode(doc model.Document) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.volatile.Add(doc)
	return nil
}

// DeleteNode removes the document everywhere: from the volatile index
// and from every attached segment's deleted-row set. Deleting an
// unknown node is a no-op, matching replay semantics.
func (e *Engine) DeleteNode(id model.NodeID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.volatile.Delete(id)
	for _, s := range e.segments {
		if err := s.Delete(id); err != nil {
			return err
		}
	}
	return nil
}

// CommitVolatile materializes the volatile index into a new persistent
// segment and attaches it. An empty volatile index is a no-op.
func (e *Engine) CommitVolatile() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commitVolatileLocked()
}

func (e *Engine) commitVolatileLocked() error {
	if e.volatile.Len() == 0 {
		return nil
	}

	id := model.SegmentID(e.nextSeg)
	e.nextSeg++

	s, err := segment.Write(e.dir, id, e.volatile.Documents())
	if err != nil {
		return fmt.Errorf("failed to materialize volatile index as %s: %w", id, err)
	}
	e.segments = append(e.segments, s)
	e.volatile.Reset()

	e.logger.Debug("volatile index committed",
		"segment", id.String(),
		"rows", s.RowCount(),
	)
	return nil
}

// Flush commits any pending volatile index and durably writes the
// manifest. After Flush returns, the index state no longer depends on
// the redo log.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.commitVolatileLocked(); err != nil {
		return err
	}

	infos := make([]manifest.SegmentInfo, 0, len(e.segments))
	for _, s := range e.segments {
		infos = append(infos, manifest.SegmentInfo{ID: s.ID(), RowCount: s.RowCount()})
	}
	e.man.Segments = infos
	e.man.NextSegment = e.nextSeg
	e.man.NextTransaction = e.nextTx

	if err := e.store.Save(e.man); err != nil {
		return fmt.Errorf("failed to flush manifest: %w", err)
	}

	e.logger.Debug("index flushed", "segments", len(infos))
	return nil
}

// VolatileLen returns the number of documents buffered in the volatile
// index.
func (e *Engine) VolatileLen() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.volatile.Len()
}

// SegmentIDs returns the attached segments in order.
func (e *Engine) SegmentIDs() []model.SegmentID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.SegmentID, 0, len(e.segments))
	for _, s := range e.segments {
		out = append(out, s.ID())
	}
	return out
}

// Has reports whether node is visible in the index.
func (e *Engine) Has(node model.NodeID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.volatile.Has(node) {
		return true
	}
	for i := len(e.segments) - 1; i >= 0; i-- {
		if e.segments[i].Has(node) {
			return true
		}
	}
	return false
}

// Document returns the newest visible version of node.
func (e *Engine) Document(node model.NodeID) (model.Document, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if doc, ok := e.volatile.Document(node); ok {
		return doc, true
	}
	for i := len(e.segments) - 1; i >= 0; i-- {
		if doc, ok := e.segments[i].Document(node); ok {
			return doc, true
		}
	}
	return model.Document{}, false
}

// Search returns the ids of all visible documents containing term.
// Newer versions shadow older ones; each node appears at most once.
func (e *Engine) Search(term string) []model.NodeID {
	e.mu.RLock()
	defer e.mu.RUnlock()

	seen := make(map[model.NodeID]struct{})
	var out []model.NodeID

	for _, id := range e.volatile.Search(term) {
		seen[id] = struct{}{}
		out = append(out, id)
	}
	// Volatile shadows segments; newer segments shadow older ones.
	for i := len(e.segments) - 1; i >= 0; i-- {
		for _, id := range e.segments[i].Search(term) {
			if _, ok := seen[id]; ok {
				continue
			}
			if e.shadowedLocked(id, i) {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// shadowedLocked reports whether a newer version of node exists above
// segment position i (in the volatile index or a later segment). A
// newer version without the term hides the older row.
func (e *Engine) shadowedLocked(node model.NodeID, i int) bool {
	if e.volatile.Has(node) {
		return true
	}
	for j := len(e.segments) - 1; j > i; j-- {
		if e.segments[j].Has(node) {
			return true
		}
	}
	return false
}

func (e *Engine) attachedLocked(id model.SegmentID) bool {
	for _, s := range e.segments {
		if s.ID() == id {
			return true
		}
	}
	return false
}

func (e *Engine) bumpSegmentCounterLocked(id model.SegmentID) {
	if uint64(id) >= e.nextSeg {
		e.nextSeg = uint64(id) + 1
	}
}
