// Package segment implements the two index stores the engine composes:
// the volatile in-memory index that buffers documents between volatile
// commits, and the immutable on-disk segments those commits produce.
//
// On-disk layout per segment (base name seg_NNNNNN):
//
//	seg_NNNNNN.idx  document block (lz4 frame) + term postings + CRC32
//	seg_NNNNNN.del  deleted-row set, serialized roaring bitmap (optional)
//
// Segments are written once and never rewritten; the only in-place
// mutation is the deleted-row sidecar.
package segment
