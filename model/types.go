package model

import (
	"fmt"
)

// TransactionID groups redo-log records into a logical unit of work.
// It is opaque and comparable; it is not registered anywhere except
// implicitly through Start/Commit records in the redo log.
type TransactionID uint64

// SegmentID is the unique identifier for a segment within an engine.
type SegmentID uint64

// FileName returns the on-disk base name for the segment.
func (s SegmentID) FileName() string {
	return fmt.Sprintf("seg_%06d", uint64(s))
}

// String returns a string representation of the SegmentID.
func (s SegmentID) String() string {
	return s.FileName()
}

// NodeID is the user-facing stable identifier of an indexed document.
type NodeID string

// Document represents a single indexable document.
type Document struct {
	// ID is the stable external identity of the document.
	ID NodeID
	// Fields holds the named field values. All fields are tokenized
	// for term postings; there is no special-cased field name.
	Fields map[string]string
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	fields := make(map[string]string, len(d.Fields))
	for k, v := range d.Fields {
		fields[k] = v
	}
	return Document{ID: d.ID, Fields: fields}
}
