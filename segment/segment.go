package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/indexgo/model"
)

// ErrCorrupt indicates a segment file that fails structural or checksum
// validation.
var ErrCorrupt = errors.New("segment: corrupt file")

// Segment is an immutable on-disk segment plus its mutable deleted-row
// sidecar. All methods are safe for concurrent use.
type Segment struct {
	mu       sync.RWMutex
	id       model.SegmentID
	dir      string
	docs     []model.Document
	rows     map[model.NodeID]uint32
	inverted map[string]*roaring.Bitmap
	deleted  *roaring.Bitmap
}

// newFromDocs builds the in-memory view for a freshly written segment.
func newFromDocs(dir string, id model.SegmentID, docs []model.Document) *Segment {
	s := &Segment{
		id:       id,
		dir:      dir,
		docs:     docs,
		rows:     make(map[model.NodeID]uint32, len(docs)),
		inverted: make(map[string]*roaring.Bitmap),
		deleted:  roaring.New(),
	}
	for row, doc := range docs {
		s.rows[doc.ID] = uint32(row) //nolint:gosec
		for _, v := range doc.Fields {
			for _, term := range Tokenize(v) {
				bm, ok := s.inverted[term]
				if !ok {
					bm = roaring.New()
					s.inverted[term] = bm
				}
				bm.Add(uint32(row)) //nolint:gosec
			}
		}
	}
	return s
}

// Open reads the segment id from dir, validating the checksum and
// loading the deleted-row sidecar if present.
func Open(dir string, id model.SegmentID) (*Segment, error) {
	raw, err := os.ReadFile(filepath.Join(dir, IndexFileName(id))) //nolint:gosec // G304
	if err != nil {
		return nil, fmt.Errorf("failed to read segment %s: %w", id, err)
	}
	if len(raw) < 16 {
		return nil, fmt.Errorf("%w: segment %s too short", ErrCorrupt, id)
	}

	body, trailer := raw[:len(raw)-4], raw[len(raw)-4:]
	if crc32.Checksum(body, crcTable) != binary.LittleEndian.Uint32(trailer) {
		return nil, fmt.Errorf("%w: segment %s checksum mismatch", ErrCorrupt, id)
	}

	var magic [4]byte
	copy(magic[:], body[0:4])
	if magic != segMagic {
		return nil, fmt.Errorf("%w: segment %s bad magic", ErrCorrupt, id)
	}
	if v := binary.LittleEndian.Uint16(body[4:6]); v != segVersion {
		return nil, fmt.Errorf("%w: segment %s unsupported version %d", ErrCorrupt, id, v)
	}

	docCount := int(binary.LittleEndian.Uint32(body[8:12]))
	block, rest, err := decompressDocBlock(body[12:])
	if err != nil {
		return nil, fmt.Errorf("segment %s: %w", id, err)
	}

	docs := make([]model.Document, 0, docCount)
	for i := 0; i < docCount; i++ {
		var node string
		node, block, err = readString(block)
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", id, err)
		}
		if len(block) < 2 {
			return nil, fmt.Errorf("%w: segment %s truncated field count", ErrCorrupt, id)
		}
		fieldCount := int(binary.LittleEndian.Uint16(block[0:2]))
		block = block[2:]
		fields := make(map[string]string, fieldCount)
		for f := 0; f < fieldCount; f++ {
			var k, v string
			k, block, err = readString(block)
			if err != nil {
				return nil, fmt.Errorf("segment %s: %w", id, err)
			}
			v, block, err = readLongString(block)
			if err != nil {
				return nil, fmt.Errorf("segment %s: %w", id, err)
			}
			fields[k] = v
		}
		docs = append(docs, model.Document{ID: model.NodeID(node), Fields: fields})
	}

	s := newFromDocs(dir, id, docs)

	// The stored postings are authoritative; prefer them over the
	// rebuild so a future format change can drop re-tokenization.
	if inverted, err := readPostings(rest); err != nil {
		return nil, fmt.Errorf("segment %s: %w", id, err)
	} else if inverted != nil {
		s.inverted = inverted
	}

	if err := s.loadDeleted(); err != nil {
		return nil, err
	}
	return s, nil
}

func readPostings(b []byte) (map[string]*roaring.Bitmap, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: truncated postings count", ErrCorrupt)
	}
	count := int(binary.LittleEndian.Uint32(b[0:4]))
	b = b[4:]

	inverted := make(map[string]*roaring.Bitmap, count)
	for i := 0; i < count; i++ {
		term, rest, err := readString(b)
		if err != nil {
			return nil, err
		}
		b = rest
		if len(b) < 4 {
			return nil, fmt.Errorf("%w: truncated postings length", ErrCorrupt)
		}
		n := int(binary.LittleEndian.Uint32(b[0:4]))
		b = b[4:]
		if len(b) < n {
			return nil, fmt.Errorf("%w: truncated postings", ErrCorrupt)
		}
		bm := roaring.New()
		if err := bm.UnmarshalBinary(b[:n]); err != nil {
			return nil, fmt.Errorf("%w: postings for %q: %w", ErrCorrupt, term, err)
		}
		inverted[term] = bm
		b = b[n:]
	}
	return inverted, nil
}

func (s *Segment) loadDeleted() error {
	raw, err := os.ReadFile(filepath.Join(s.dir, DeletedFileName(s.id))) //nolint:gosec // G304
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read deleted sidecar for %s: %w", s.id, err)
	}
	bm := roaring.New()
	if err := bm.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("%w: deleted sidecar for %s: %w", ErrCorrupt, s.id, err)
	}
	s.deleted = bm
	return nil
}

// ID returns the segment identifier.
func (s *Segment) ID() model.SegmentID { return s.id }

// RowCount returns the total number of rows, deleted rows included.
func (s *Segment) RowCount() int {
	return len(s.docs)
}

// LiveCount returns the number of rows not marked deleted.
func (s *Segment) LiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs) - int(s.deleted.GetCardinality())
}

// Has reports whether node is present and not deleted.
func (s *Segment) Has(node model.NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[node]
	return ok && !s.deleted.Contains(row)
}

// Document returns the stored document for node if it is live.
func (s *Segment) Document(node model.NodeID) (model.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[node]
	if !ok || s.deleted.Contains(row) {
		return model.Document{}, false
	}
	return s.docs[row], true
}

// Delete marks node deleted and persists the sidecar. Deleting an
// absent or already deleted node is a no-op.
func (s *Segment) Delete(node model.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[node]
	if !ok || s.deleted.Contains(row) {
		return nil
	}
	s.deleted.Add(row)

	data, err := s.deleted.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to serialize deleted sidecar for %s: %w", s.id, err)
	}
	if err := writeFileAtomic(s.dir, DeletedFileName(s.id), data); err != nil {
		s.deleted.Remove(row)
		return fmt.Errorf("failed to persist deleted sidecar for %s: %w", s.id, err)
	}
	return nil
}

// Search returns the live nodes whose fields contain term, in row order.
func (s *Segment) Search(term string) []model.NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bm, ok := s.inverted[normalizeTerm(term)]
	if !ok {
		return nil
	}
	live := bm.Clone()
	live.AndNot(s.deleted)

	out := make([]model.NodeID, 0, live.GetCardinality())
	it := live.Iterator()
	for it.HasNext() {
		out = append(out, s.docs[it.Next()].ID)
	}
	return out
}

func normalizeTerm(term string) string {
	toks := Tokenize(term)
	if len(toks) == 0 {
		return ""
	}
	return toks[0]
}
