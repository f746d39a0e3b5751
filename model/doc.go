// Package model defines core types used throughout indexgo.
//
// # Identity Types
//
//   - TransactionID: identifier grouping redo-log records into a logical unit of work (uint64)
//   - SegmentID: unique identifier for an on-disk segment (uint64)
//   - NodeID: user-facing stable document identifier (string)
//
// # Data Types
//
//   - Document: a node identifier plus its indexable fields
package model
