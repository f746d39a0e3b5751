package redolog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/hupe1980/indexgo/model"
)

// Record format:
//
//	[BodyLen:4][CRC32(body):4][body]
//	body = [Type:1][TxID:8][variant payload]
//
// The CRC is computed over the body with the IEEE polynomial. A record
// whose length or checksum cannot be satisfied is treated as a torn
// tail: decoding stops there and everything before it stands.

var crcTable = crc32.MakeTable(crc32.IEEE)

// errCorruptRecord marks a record that fails its length or CRC check.
var errCorruptRecord = errors.New("redolog: corrupt record")

// maxRecordLen bounds a single record body. A length field beyond it is
// treated as corruption rather than an allocation request.
const maxRecordLen = 64 << 20

func encodeAction(a Action) ([]byte, error) {
	body := make([]byte, 0, 32)
	body = append(body, byte(a.Type()))
	body = binary.LittleEndian.AppendUint64(body, uint64(a.TransactionID()))

	switch v := a.(type) {
	case *Start, *Commit, *VolatileCommit:
		// Boundary records carry only the transaction id.
	case *AddSegment:
		body = binary.LittleEndian.AppendUint64(body, uint64(v.Segment))
	case *CreateSegment:
		body = binary.LittleEndian.AppendUint64(body, uint64(v.Segment))
	case *DeleteSegment:
		body = binary.LittleEndian.AppendUint64(body, uint64(v.Segment))
	case *DeleteNode:
		body = appendString(body, string(v.Node))
	case *AddNode:
		body = appendString(body, string(v.Doc.ID))
		body = binary.LittleEndian.AppendUint16(body, uint16(len(v.Doc.Fields))) //nolint:gosec
		for k, val := range v.Doc.Fields {
			body = appendString(body, k)
			body = appendLongString(body, val)
		}
	default:
		return nil, fmt.Errorf("redolog: unsupported action type %v", a.Type())
	}

	out := make([]byte, 0, 8+len(body))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body))) //nolint:gosec
	out = binary.LittleEndian.AppendUint32(out, crc32.Checksum(body, crcTable))
	return append(out, body...), nil
}

func decodeAction(r io.Reader) (Action, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: short header: %w", errCorruptRecord, err)
	}

	bodyLen := binary.LittleEndian.Uint32(hdr[0:4])
	sum := binary.LittleEndian.Uint32(hdr[4:8])
	if bodyLen < 9 || bodyLen > maxRecordLen {
		return nil, fmt.Errorf("%w: implausible body length %d", errCorruptRecord, bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: short body: %w", errCorruptRecord, err)
	}
	if crc32.Checksum(body, crcTable) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", errCorruptRecord)
	}

	typ := ActionType(body[0])
	tx := model.TransactionID(binary.LittleEndian.Uint64(body[1:9]))
	payload := body[9:]

	switch typ {
	case TypeStart:
		return NewStart(tx), nil
	case TypeCommit:
		return NewCommit(tx), nil
	case TypeVolatileCommit:
		return NewVolatileCommit(tx), nil
	case TypeAddSegment:
		id, err := readSegmentID(payload)
		if err != nil {
			return nil, err
		}
		return NewAddSegment(tx, id), nil
	case TypeCreateSegment:
		id, err := readSegmentID(payload)
		if err != nil {
			return nil, err
		}
		return NewCreateSegment(tx, id), nil
	case TypeDeleteSegment:
		id, err := readSegmentID(payload)
		if err != nil {
			return nil, err
		}
		return NewDeleteSegment(tx, id), nil
	case TypeDeleteNode:
		node, _, err := readString(payload)
		if err != nil {
			return nil, err
		}
		return NewDeleteNode(tx, model.NodeID(node)), nil
	case TypeAddNode:
		doc, err := readDocument(payload)
		if err != nil {
			return nil, err
		}
		return NewAddNode(tx, doc), nil
	default:
		return nil, fmt.Errorf("%w: unknown action type %d", errCorruptRecord, typ)
	}
}

func readSegmentID(payload []byte) (model.SegmentID, error) {
	if len(payload) != 8 {
		return 0, fmt.Errorf("%w: bad segment payload length %d", errCorruptRecord, len(payload))
	}
	return model.SegmentID(binary.LittleEndian.Uint64(payload)), nil
}

func readDocument(payload []byte) (model.Document, error) {
	node, rest, err := readString(payload)
	if err != nil {
		return model.Document{}, err
	}
	if len(rest) < 2 {
		return model.Document{}, fmt.Errorf("%w: truncated field count", errCorruptRecord)
	}
	count := int(binary.LittleEndian.Uint16(rest[0:2]))
	rest = rest[2:]

	fields := make(map[string]string, count)
	for i := 0; i < count; i++ {
		var k, v string
		k, rest, err = readString(rest)
		if err != nil {
			return model.Document{}, err
		}
		v, rest, err = readLongString(rest)
		if err != nil {
			return model.Document{}, err
		}
		fields[k] = v
	}
	return model.Document{ID: model.NodeID(node), Fields: fields}, nil
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
		return "", nil, fmt.Errorf("%w: truncated string length", errCorruptRecord)
	}
	n := int(binary.LittleEndian.Uint16(b[0:2]))
	b = b[2:]
	if len(b) < n {
		return "", nil, fmt.Errorf("%w: truncated string", errCorruptRecord)
	}
	return string(b[:n]), b[n:], nil
}

func readLongString(b []byte) (string, []byte, error) {
	if len(b) < 4 {
		return "", nil, fmt.Errorf("%w: truncated string length", errCorruptRecord)
	}
	n := int(binary.LittleEndian.Uint32(b[0:4]))
	b = b[4:]
	if len(b) < n {
		return "", nil, fmt.Errorf("%w: truncated string", errCorruptRecord)
	}
	return string(b[:n]), b[n:], nil
}
