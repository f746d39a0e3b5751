package redolog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

var (
	logMagic          = [4]byte{'I', 'G', 'R', '0'}
	logHeaderVersion  = uint16(1)
	logHeaderFixedLen = 16
)

type logHeaderInfo struct {
	Compressed       bool
	CompressionLevel int
	HeaderLen        int64
}

func writeLogHeader(w io.Writer, info logHeaderInfo) (int64, error) {
	var flags uint16
	if info.Compressed {
		flags |= 1
	}
	level := uint8(0)
	if info.Compressed {
		level = uint8(info.CompressionLevel) //nolint:gosec // level is 1-22
	}

	buf := make([]byte, 0, logHeaderFixedLen)
	buf = append(buf, logMagic[:]...)
	var fixed [12]byte
	binary.LittleEndian.PutUint16(fixed[0:2], logHeaderVersion)
	binary.LittleEndian.PutUint16(fixed[2:4], flags)
	fixed[4] = level
	// fixed[5:12] reserved
	buf = append(buf, fixed[:]...)

	if _, err := w.Write(buf); err != nil {
		return 0, fmt.Errorf("failed to write redo log header: %w", err)
	}
	return int64(len(buf)), nil
}

func readLogHeader(f *os.File) (logHeaderInfo, bool, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return logHeaderInfo{}, false, fmt.Errorf("failed to seek redo log: %w", err)
	}

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		if err == io.EOF {
			return logHeaderInfo{}, false, nil
		}
		return logHeaderInfo{}, false, fmt.Errorf("failed to read redo log magic: %w", err)
	}
	if magic != logMagic {
		return logHeaderInfo{}, false, fmt.Errorf("unsupported redo log format: invalid header magic")
	}

	fixed := make([]byte, logHeaderFixedLen-4)
	if _, err := io.ReadFull(f, fixed); err != nil {
		return logHeaderInfo{}, true, fmt.Errorf("failed to read redo log header: %w", err)
	}

	version := binary.LittleEndian.Uint16(fixed[0:2])
	if version != logHeaderVersion {
		return logHeaderInfo{}, true, fmt.Errorf("unsupported redo log header version: %d", version)
	}
	flags := binary.LittleEndian.Uint16(fixed[2:4])

	return logHeaderInfo{
		Compressed:       (flags & 1) != 0,
		CompressionLevel: int(fixed[4]),
		HeaderLen:        int64(logHeaderFixedLen),
	}, true, nil
}
