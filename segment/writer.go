package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/indexgo/model"
)

var (
	segMagic   = [4]byte{'I', 'G', 'S', '0'}
	segVersion = uint16(1)
)

var crcTable = crc32.MakeTable(crc32.IEEE)

// IndexFileName returns the name of the segment data file.
func IndexFileName(id model.SegmentID) string {
	return id.FileName() + ".idx"
}

// DeletedFileName returns the name of the deleted-row sidecar file.
func DeletedFileName(id model.SegmentID) string {
	return id.FileName() + ".del"
}

// Write materializes docs as the persistent segment id inside dir.
// The write is atomic: the data goes to a temp file that is renamed into
// place, and the directory is synced.
func Write(dir string, id model.SegmentID, docs []model.Document) (*Segment, error) {
	block, postings, err := buildSegmentData(docs)
	if err != nil {
		return nil, err
	}

	buf := &bytes.Buffer{}
	buf.Write(segMagic[:])
	var fixed [4]byte
	binary.LittleEndian.PutUint16(fixed[0:2], segVersion)
	// fixed[2:4] reserved
	buf.Write(fixed[:])

	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(docs))) //nolint:gosec
	buf.Write(count[:])

	compressed, err := compressDocBlock(block)
	if err != nil {
		return nil, err
	}
	buf.Write(compressed)
	buf.Write(postings)

	sum := crc32.Checksum(buf.Bytes(), crcTable)
	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], sum)
	buf.Write(trailer[:])

	if err := writeFileAtomic(dir, IndexFileName(id), buf.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to write segment %s: %w", id, err)
	}

	return newFromDocs(dir, id, docs), nil
}

// WriteEmpty creates the segment files for id with no documents.
// Existing files are left untouched so replaying a creation against an
// already materialized segment keeps its content.
func WriteEmpty(dir string, id model.SegmentID) (*Segment, error) {
	if _, err := os.Stat(filepath.Join(dir, IndexFileName(id))); err == nil {
		return Open(dir, id)
	}
	return Write(dir, id, nil)
}

// Remove deletes the segment files for id. Missing files are not an
// error so an undo can target a creation that never completed.
func Remove(dir string, id model.SegmentID) error {
	for _, name := range []string{IndexFileName(id), DeletedFileName(id)} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove segment file %s: %w", name, err)
		}
	}
	return syncDir(dir)
}

// Exists reports whether the segment data file for id is present.
func Exists(dir string, id model.SegmentID) bool {
	_, err := os.Stat(filepath.Join(dir, IndexFileName(id)))
	return err == nil
}

// buildSegmentData encodes the document block and the postings section.
func buildSegmentData(docs []model.Document) ([]byte, []byte, error) {
	block := make([]byte, 0, 1024)
	inverted := make(map[string]*roaring.Bitmap)

	for row, doc := range docs {
		block = appendString(block, string(doc.ID))
		block = binary.LittleEndian.AppendUint16(block, uint16(len(doc.Fields))) //nolint:gosec
		for k, v := range doc.Fields {
			block = appendString(block, k)
			block = appendLongString(block, v)
			for _, term := range Tokenize(v) {
				bm, ok := inverted[term]
				if !ok {
					bm = roaring.New()
					inverted[term] = bm
				}
				bm.Add(uint32(row)) //nolint:gosec
			}
		}
	}

	terms := make([]string, 0, len(inverted))
	for t := range inverted {
		terms = append(terms, t)
	}
	sort.Strings(terms)

	postings := make([]byte, 0, 1024)
	postings = binary.LittleEndian.AppendUint32(postings, uint32(len(terms))) //nolint:gosec
	for _, t := range terms {
		postings = appendString(postings, t)
		bm, err := inverted[t].ToBytes()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to serialize postings for %q: %w", t, err)
		}
		postings = binary.LittleEndian.AppendUint32(postings, uint32(len(bm))) //nolint:gosec
		postings = append(postings, bm...)
	}

	return block, postings, nil
}

// compressDocBlock compresses the document block with lz4.
// Format: [UncompressedSize:4][CompressedSize:4][data]. CompressedSize
// of 0 means the data is stored uncompressed (incompressible input).
func compressDocBlock(data []byte) ([]byte, error) {
	out := make([]byte, 8, 8+len(data))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(data))) //nolint:gosec

	if len(data) == 0 {
		return out, nil
	}

	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to compress document block: %w", err)
	}
	if n == 0 || n >= len(data) {
		// Incompressible, store raw.
		binary.LittleEndian.PutUint32(out[4:8], 0)
		return append(out, data...), nil
	}
	binary.LittleEndian.PutUint32(out[4:8], uint32(n)) //nolint:gosec
	return append(out, dst[:n]...), nil
}

func decompressDocBlock(b []byte) (block []byte, rest []byte, err error) {
	if len(b) < 8 {
		return nil, nil, fmt.Errorf("%w: truncated document block header", ErrCorrupt)
	}
	rawLen := int(binary.LittleEndian.Uint32(b[0:4]))
	compLen := int(binary.LittleEndian.Uint32(b[4:8]))
	b = b[8:]

	if compLen == 0 {
		if len(b) < rawLen {
			return nil, nil, fmt.Errorf("%w: truncated document block", ErrCorrupt)
		}
		return b[:rawLen], b[rawLen:], nil
	}

	if len(b) < compLen {
		return nil, nil, fmt.Errorf("%w: truncated compressed block", ErrCorrupt)
	}
	block = make([]byte, rawLen)
	n, err := lz4.UncompressBlock(b[:compLen], block)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: lz4: %w", ErrCorrupt, err)
	}
	if n != rawLen {
		return nil, nil, fmt.Errorf("%w: unexpected block size %d", ErrCorrupt, n)
	}
	return block, b[compLen:], nil
}

// writeFileAtomic writes data to dir/name via a temp file and rename.
func writeFileAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir) //nolint:gosec // G304: path is configurable
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func appendString(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(len(s))) //nolint:gosec
	return append(b, s...)
}

func appendLongString(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(s))) //nolint:gosec
	return append(b, s...)
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, fmt.Errorf("%w: truncated string length", ErrCorrupt)
	}
	n := int(binary.LittleEndian.Uint16(b[0:2]))
	b = b[2:]
	if len(b) < n {
		return "", nil, fmt.Errorf("%w: truncated string", ErrCorrupt)
	}
	return string(b[:n]), b[n:], nil
}

func readLongString(b []byte) (string, []byte, error) {
	if len(b) < 4 {
		return "", nil, fmt.Errorf("%w: truncated string length", ErrCorrupt)
	}
	n := int(binary.LittleEndian.Uint32(b[0:4]))
	b = b[4:]
	if len(b) < n {
		return "", nil, fmt.Errorf("%w: truncated string", ErrCorrupt)
	}
	return string(b[:n]), b[n:], nil
}
