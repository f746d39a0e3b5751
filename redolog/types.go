package redolog

import (
	"fmt"
	"time"

	"github.com/hupe1980/indexgo/model"
)

// DurabilityMode defines the fsync behavior for redo-log appends.
type DurabilityMode int

const (
	// DurabilityAsync represents asynchronous durability.
	// No fsync, fastest appends but risk of losing the tail on crash.
	DurabilityAsync DurabilityMode = iota

	// DurabilityGroupCommit represents group commit durability.
	// Batched fsync at regular intervals, amortizing the fsync cost
	// across multiple transactions. Recommended for most workloads.
	DurabilityGroupCommit

	// DurabilitySync represents synchronous durability.
	// fsync after every append. Slowest but strongest guarantee.
	DurabilitySync
)

// ActionType is the type tag of a redo-log record.
type ActionType uint8

const (
	// TypeStart marks the beginning of a transaction.
	TypeStart ActionType = iota
	// TypeCommit marks the successful end of a transaction.
	TypeCommit
	// TypeVolatileCommit marks the point where the accumulated volatile
	// index was flushed into the searchable index.
	TypeVolatileCommit
	// TypeAddSegment records attaching a persistent segment to the index.
	TypeAddSegment
	// TypeCreateSegment records the creation of a new persistent segment.
	TypeCreateSegment
	// TypeDeleteSegment records the removal of a persistent segment.
	TypeDeleteSegment
	// TypeAddNode records the addition of a document to the volatile index.
	TypeAddNode
	// TypeDeleteNode records the deletion of a document.
	TypeDeleteNode
)

// String returns a human-readable name for the action type.
func (t ActionType) String() string {
	switch t {
	case TypeStart:
		return "start"
	case TypeCommit:
		return "commit"
	case TypeVolatileCommit:
		return "volatile-commit"
	case TypeAddSegment:
		return "add-segment"
	case TypeCreateSegment:
		return "create-segment"
	case TypeDeleteSegment:
		return "delete-segment"
	case TypeAddNode:
		return "add-node"
	case TypeDeleteNode:
		return "delete-node"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Index is the mutation surface of the index engine that actions
// dispatch into. The engine implements it; recovery and runtime
// replay both drive it through Action.Execute/Action.Undo.
type Index interface {
	// AttachSegment adds an existing persistent segment to the index.
	AttachSegment(id model.SegmentID) error

	// CreateSegment creates (or re-opens) the persistent segment files
	// for id without attaching them.
	CreateSegment(id model.SegmentID) error

	// DropSegment detaches the segment and deletes its files.
	DropSegment(id model.SegmentID) error

	// RemoveSegment deletes the segment files, attached or not.
	// It is the reversal target for CreateSegment.
	RemoveSegment(id model.SegmentID) error

	// AddNode adds a document to the volatile index.
	AddNode(doc model.Document) error

	// DeleteNode removes a document from the index.
	DeleteNode(id model.NodeID) error

	// CommitVolatile materializes the volatile index into a new
	// persistent segment. Empty volatile index is a no-op.
	CommitVolatile() error
}

// Action is a single immutable redo-log record.
//
// Every action carries an owning transaction id; for structural records
// that are not transaction-scoped in practice the field is still
// readable. Execute applies the action forward against the index
// engine; Undo reverses a structural creation. Only CreateSegment
// supports Undo.
type Action interface {
	// Type returns the type tag of the record.
	Type() ActionType

	// TransactionID returns the owning transaction.
	TransactionID() model.TransactionID

	// Execute applies the action against the index engine.
	Execute(ix Index) error

	// Undo reverses the action against the index engine.
	Undo(ix Index) error
}

// base carries the transaction id shared by all variants.
type base struct {
	Tx model.TransactionID
}

// TransactionID implements Action.
func (b base) TransactionID() model.TransactionID { return b.Tx }

// Undo implements Action. Only CreateSegment overrides it.
func (b base) Undo(Index) error {
	return fmt.Errorf("redolog: undo not supported")
}

// Start marks the beginning of a transaction. It has no index effect.
type Start struct {
	base
}

// NewStart creates a Start record for tx.
func NewStart(tx model.TransactionID) *Start {
	return &Start{base{Tx: tx}}
}

// Type implements Action.
func (a *Start) Type() ActionType { return TypeStart }

// Execute implements Action. Transaction boundaries carry no index effect.
func (a *Start) Execute(Index) error { return nil }

// Commit marks the successful end of a transaction. It has no index effect.
type Commit struct {
	base
}

// NewCommit creates a Commit record for tx.
func NewCommit(tx model.TransactionID) *Commit {
	return &Commit{base{Tx: tx}}
}

// Type implements Action.
func (a *Commit) Type() ActionType { return TypeCommit }

// Execute implements Action. Transaction boundaries carry no index effect.
func (a *Commit) Execute(Index) error { return nil }

// VolatileCommit marks the point where the accumulated volatile index
// was flushed into the searchable index.
type VolatileCommit struct {
	base
}

// NewVolatileCommit creates a VolatileCommit record for tx.
func NewVolatileCommit(tx model.TransactionID) *VolatileCommit {
	return &VolatileCommit{base{Tx: tx}}
}

// Type implements Action.
func (a *VolatileCommit) Type() ActionType { return TypeVolatileCommit }

// Execute implements Action by committing the volatile index.
func (a *VolatileCommit) Execute(ix Index) error { return ix.CommitVolatile() }

// AddSegment records attaching a persistent segment to the index.
type AddSegment struct {
	base
	Segment model.SegmentID
}

// NewAddSegment creates an AddSegment record.
func NewAddSegment(tx model.TransactionID, id model.SegmentID) *AddSegment {
	return &AddSegment{base: base{Tx: tx}, Segment: id}
}

// Type implements Action.
func (a *AddSegment) Type() ActionType { return TypeAddSegment }

// Execute implements Action.
func (a *AddSegment) Execute(ix Index) error { return ix.AttachSegment(a.Segment) }

// CreateSegment records the creation of a new persistent segment.
//
// Creating a segment is the one structural action with an externally
// visible side effect (new segment files), so it is the only action
// with a working Undo.
type CreateSegment struct {
	base
	Segment model.SegmentID
}

// NewCreateSegment creates a CreateSegment record.
func NewCreateSegment(tx model.TransactionID, id model.SegmentID) *CreateSegment {
	return &CreateSegment{base: base{Tx: tx}, Segment: id}
}

// Type implements Action.
func (a *CreateSegment) Type() ActionType { return TypeCreateSegment }

// Execute implements Action.
func (a *CreateSegment) Execute(ix Index) error { return ix.CreateSegment(a.Segment) }

// Undo implements Action by removing the segment files.
func (a *CreateSegment) Undo(ix Index) error { return ix.RemoveSegment(a.Segment) }

// DeleteSegment records the removal of a persistent segment.
type DeleteSegment struct {
	base
	Segment model.SegmentID
}

// NewDeleteSegment creates a DeleteSegment record.
func NewDeleteSegment(tx model.TransactionID, id model.SegmentID) *DeleteSegment {
	return &DeleteSegment{base: base{Tx: tx}, Segment: id}
}

// Type implements Action.
func (a *DeleteSegment) Type() ActionType { return TypeDeleteSegment }

// Execute implements Action.
func (a *DeleteSegment) Execute(ix Index) error { return ix.DropSegment(a.Segment) }

// AddNode records the addition of a document to the volatile index.
// It carries the full document so replay can re-add it.
type AddNode struct {
	base
	Doc model.Document
}

// NewAddNode creates an AddNode record.
func NewAddNode(tx model.TransactionID, doc model.Document) *AddNode {
	return &AddNode{base: base{Tx: tx}, Doc: doc}
}

// Type implements Action.
func (a *AddNode) Type() ActionType { return TypeAddNode }

// Execute implements Action.
func (a *AddNode) Execute(ix Index) error { return ix.AddNode(a.Doc) }

// DeleteNode records the deletion of a document.
type DeleteNode struct {
	base
	Node model.NodeID
}

// NewDeleteNode creates a DeleteNode record.
func NewDeleteNode(tx model.TransactionID, id model.NodeID) *DeleteNode {
	return &DeleteNode{base: base{Tx: tx}, Node: id}
}

// Type implements Action.
func (a *DeleteNode) Type() ActionType { return TypeDeleteNode }

// Execute implements Action.
func (a *DeleteNode) Execute(ix Index) error { return ix.DeleteNode(a.Node) }

// Options contains configuration for the redo log.
type Options struct {
	// Path is the directory where the redo log file is stored.
	Path string

	// Compress enables zstd compression of the record stream.
	Compress bool

	// CompressionLevel sets the zstd compression level (1-22).
	// Default (3) provides a good balance.
	CompressionLevel int

	// DurabilityMode controls fsync behavior (Async, GroupCommit, Sync).
	DurabilityMode DurabilityMode

	// GroupCommitInterval is the maximum time to wait before fsync in
	// GroupCommit mode.
	GroupCommitInterval time.Duration

	// GroupCommitMaxOps is the maximum appends to batch before fsync in
	// GroupCommit mode.
	GroupCommitMaxOps int
}

// DefaultOptions returns default redo-log options.
var DefaultOptions = Options{
	Path:                ".",
	Compress:            false,
	CompressionLevel:    3,
	DurabilityMode:      DurabilitySync,
	GroupCommitInterval: 10 * time.Millisecond,
	GroupCommitMaxOps:   100,
}
