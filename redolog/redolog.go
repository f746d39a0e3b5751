// Package redolog provides the append-only, durably-ordered redo log
// that the index engine writes ahead of every structural change.
//
// The log holds an ordered sequence of Actions. Each transaction is
// bracketed by Start/Commit records; volatile commits and segment
// operations are logged before they are applied. After a crash the
// recovery package reads the full sequence once to reconstruct a
// consistent index state; on success the caller clears the log.
//
// Features:
//   - Binary record codec with per-record CRC32 (torn tails are detected
//     and everything before them stands)
//   - Optional zstd compression of the record stream
//   - Configurable durability (Sync, GroupCommit, Async)
//   - Self-describing file header with magic and version
package redolog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// FileName is the base name of the redo log file inside Options.Path.
const FileName = "redo.log"

// RedoLog is an append-only, durably-ordered sequence of Actions.
type RedoLog struct {
	mu               sync.Mutex
	file             *os.File
	writer           io.Writer
	bufWriter        *bufio.Writer
	compressor       *zstd.Encoder
	decompressor     *zstd.Decoder
	filePath         string
	compressed       bool
	compressionLevel int
	dataOffset       int64 // start of record stream (after header)
	entryCount       int

	// Group commit support (background goroutine lifecycle)
	durabilityMode      DurabilityMode
	groupCommitInterval time.Duration
	groupCommitMaxOps   int
	groupCommitTicker   *time.Ticker
	groupCommitStopCh   chan struct{}
	groupCommitPending  int
	groupCommitWg       sync.WaitGroup

	syncCond     *sync.Cond
	appendSeq    uint64
	persistedSeq uint64
}

// Open opens or creates the redo log in the configured directory.
func Open(optFns ...func(o *Options)) (*RedoLog, error) {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if err := os.MkdirAll(opts.Path, 0750); err != nil {
		return nil, fmt.Errorf("failed to create redo log directory: %w", err)
	}

	filePath := filepath.Join(opts.Path, FileName)

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR, 0600) //nolint:gosec // G304: path is configurable
	if err != nil {
		return nil, fmt.Errorf("failed to open redo log file: %w", err)
	}
	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat redo log file: %w", err)
	}

	l := &RedoLog{
		file:                file,
		filePath:            filePath,
		compressionLevel:    opts.CompressionLevel,
		durabilityMode:      opts.DurabilityMode,
		groupCommitInterval: opts.GroupCommitInterval,
		groupCommitMaxOps:   opts.GroupCommitMaxOps,
	}
	l.syncCond = sync.NewCond(&l.mu)

	if err := l.initializeFile(st, opts); err != nil {
		_ = file.Close()
		return nil, err
	}

	if _, err := l.file.Seek(l.dataOffset, io.SeekStart); err != nil {
		_ = l.file.Close()
		return nil, fmt.Errorf("failed to seek redo log data offset: %w", err)
	}

	if l.compressed {
		level := zstd.EncoderLevelFromZstd(l.compressionLevel)
		compressor, err := zstd.NewWriter(l.file, zstd.WithEncoderLevel(level))
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to create compressor: %w", err)
		}
		l.compressor = compressor
		l.bufWriter = bufio.NewWriter(compressor)
		l.writer = l.bufWriter

		decompressor, err := zstd.NewReader(nil)
		if err != nil {
			_ = compressor.Close()
			_ = file.Close()
			return nil, fmt.Errorf("failed to create decompressor: %w", err)
		}
		l.decompressor = decompressor
	} else {
		l.bufWriter = bufio.NewWriter(l.file)
		l.writer = l.bufWriter
	}

	if err := l.scanExisting(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to scan redo log: %w", err)
	}

	if l.durabilityMode == DurabilityGroupCommit && l.groupCommitInterval > 0 {
		l.groupCommitStopCh = make(chan struct{})
		l.groupCommitTicker = time.NewTicker(l.groupCommitInterval)
		l.groupCommitWg.Add(1)
		go l.groupCommitWorker()
	}

	return l, nil
}

// FilePath returns the path to the redo log file.
func (l *RedoLog) FilePath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.filePath
}

func (l *RedoLog) initializeFile(info os.FileInfo, opts Options) error {
	if info.Size() == 0 {
		return l.writeNewHeader(opts)
	}
	return l.readExistingHeader()
}

func (l *RedoLog) writeNewHeader(opts Options) error {
	hdrLen, err := writeLogHeader(l.file, logHeaderInfo{
		Compressed:       opts.Compress,
		CompressionLevel: opts.CompressionLevel,
	})
	if err != nil {
		return fmt.Errorf("failed to write redo log header: %w", err)
	}
	l.dataOffset = hdrLen
	l.compressed = opts.Compress
	return nil
}

func (l *RedoLog) readExistingHeader() error {
	hdrInfo, valid, err := readLogHeader(l.file)
	if err != nil {
		return fmt.Errorf("failed to read redo log header: %w", err)
	}
	if !valid {
		return fmt.Errorf("invalid redo log header")
	}
	l.dataOffset = hdrInfo.HeaderLen
	l.compressed = hdrInfo.Compressed
	l.compressionLevel = hdrInfo.CompressionLevel
	return nil
}

// scanExisting counts the decodable records and drops a torn tail so
// later appends land on a record boundary. An uncompressed log is
// truncated in place; a compressed one is rewritten, because a
// truncation point inside a zstd frame leaves the frame undecodable and
// everything appended behind it unreachable.
func (l *RedoLog) scanExisting() error {
	if _, err := l.file.Seek(l.dataOffset, io.SeekStart); err != nil {
		return err
	}

	var reader io.Reader
	if l.compressed {
		if err := l.decompressor.Reset(l.file); err != nil {
			return fmt.Errorf("failed to reset decompressor: %w", err)
		}
		reader = l.decompressor
	} else {
		reader = bufio.NewReader(l.file)
	}

	count := 0
	goodEnd := l.dataOffset
	torn := false
	var good []Action

	for {
		a, err := decodeAction(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// Torn or corrupt tail. Everything before it stands.
			torn = true
			break
		}
		count++
		if l.compressed {
			good = append(good, a)
		} else {
			body, encErr := encodeAction(a)
			if encErr != nil {
				return encErr
			}
			goodEnd += int64(len(body))
		}
	}

	l.entryCount = count

	if torn {
		if l.compressed {
			if err := l.rewriteCompressed(good); err != nil {
				return fmt.Errorf("failed to rewrite torn compressed redo log: %w", err)
			}
			return nil
		}
		if err := l.file.Truncate(goodEnd); err != nil {
			return fmt.Errorf("failed to truncate torn redo log tail: %w", err)
		}
	}

	// Seek back to end for appending.
	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}

// rewriteCompressed re-encodes the decodable prefix into a fresh file
// that atomically replaces the torn one, then swaps the open handles
// over to it. Caller is scanExisting during Open; no appender is active.
func (l *RedoLog) rewriteCompressed(actions []Action) error {
	tmpPath := l.filePath + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600) //nolint:gosec // G304
	if err != nil {
		return err
	}
	hdrLen, err := writeLogHeader(tmp, logHeaderInfo{
		Compressed:       true,
		CompressionLevel: l.compressionLevel,
	})
	if err != nil {
		_ = tmp.Close()
		return err
	}

	level := zstd.EncoderLevelFromZstd(l.compressionLevel)
	enc, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(level))
	if err != nil {
		_ = tmp.Close()
		return err
	}
	for _, a := range actions {
		buf, err := encodeAction(a)
		if err == nil {
			_, err = enc.Write(buf)
		}
		if err != nil {
			_ = enc.Close()
			_ = tmp.Close()
			return err
		}
	}
	if err := enc.Close(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, l.filePath); err != nil {
		return err
	}

	// The old handles point at the replaced inode.
	_ = l.compressor.Close()
	_ = l.file.Close()

	file, err := os.OpenFile(l.filePath, os.O_RDWR, 0600) //nolint:gosec // G304
	if err != nil {
		return err
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		_ = file.Close()
		return err
	}
	l.file = file
	l.dataOffset = hdrLen

	compressor, err := zstd.NewWriter(file, zstd.WithEncoderLevel(level))
	if err != nil {
		_ = file.Close()
		return err
	}
	l.compressor = compressor
	l.bufWriter = bufio.NewWriter(compressor)
	l.writer = l.bufWriter
	return nil
}

// Append encodes the action, writes it to the log, and makes it durable
// according to the configured durability mode.
func (l *RedoLog) Append(a Action) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(a)
}

// AppendAll appends a batch of actions with a single durability boundary
// at the end. Either the whole batch reaches the buffered stream or an
// error is returned before any durability is claimed.
func (l *RedoLog) AppendAll(actions []Action) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, a := range actions {
		buf, err := encodeAction(a)
		if err != nil {
			return err
		}
		if _, err := l.writer.Write(buf); err != nil {
			return fmt.Errorf("failed to write redo log record: %w", err)
		}
		l.entryCount++
		l.appendSeq++
	}
	if err := l.flushLocked(); err != nil {
		return err
	}
	return l.syncIfNeeded()
}

func (l *RedoLog) appendLocked(a Action) error {
	buf, err := encodeAction(a)
	if err != nil {
		return err
	}
	if _, err := l.writer.Write(buf); err != nil {
		return fmt.Errorf("failed to write redo log record: %w", err)
	}
	l.entryCount++
	l.appendSeq++
	if err := l.flushLocked(); err != nil {
		return err
	}
	return l.syncIfNeeded()
}

func (l *RedoLog) flushLocked() error {
	if err := l.bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush buffer: %w", err)
	}
	if l.compressed {
		if err := l.compressor.Flush(); err != nil {
			return fmt.Errorf("failed to flush compressor: %w", err)
		}
	}
	return nil
}

// syncIfNeeded performs fsync based on the configured durability mode.
// Caller must hold l.mu.
func (l *RedoLog) syncIfNeeded() error {
	switch l.durabilityMode {
	case DurabilityAsync:
		return nil

	case DurabilitySync:
		return l.file.Sync()

	case DurabilityGroupCommit:
		l.groupCommitPending++
		targetSeq := l.appendSeq

		if l.groupCommitPending >= l.groupCommitMaxOps {
			return l.doGroupCommit()
		}
		// Wait for the background worker; Wait releases l.mu so the
		// worker (or another appender) can perform the sync.
		for l.persistedSeq < targetSeq {
			l.syncCond.Wait()
		}
		return nil

	default:
		return nil
	}
}

// doGroupCommit performs the actual fsync and wakes waiters.
// Caller must hold l.mu.
func (l *RedoLog) doGroupCommit() error {
	if l.groupCommitPending == 0 {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	l.groupCommitPending = 0
	l.persistedSeq = l.appendSeq
	l.syncCond.Broadcast()
	return nil
}

func (l *RedoLog) groupCommitWorker() {
	defer l.groupCommitWg.Done()

	if l.groupCommitTicker == nil {
		return
	}

	for {
		select {
		case <-l.groupCommitStopCh:
			l.mu.Lock()
			_ = l.doGroupCommit()
			l.mu.Unlock()
			return

		case <-l.groupCommitTicker.C:
			l.mu.Lock()
			_ = l.doGroupCommit()
			l.mu.Unlock()
		}
	}
}

// HasEntries reports whether the log contains at least one record.
func (l *RedoLog) HasEntries() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entryCount > 0
}

// Len returns the number of records in the log.
func (l *RedoLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entryCount
}

// Actions decodes and returns the full ordered action sequence.
//
// Decoding stops silently at a torn or corrupt tail record; everything
// before it is returned. The returned slice is stable for the duration
// of one recovery run as long as nothing appends concurrently, which
// the recovery contract guarantees.
func (l *RedoLog) Actions() ([]Action, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Seek(l.dataOffset, io.SeekStart); err != nil {
		return nil, err
	}

	var reader io.Reader
	if l.compressed {
		if err := l.decompressor.Reset(l.file); err != nil {
			return nil, fmt.Errorf("failed to reset decompressor: %w", err)
		}
		reader = l.decompressor
	} else {
		reader = bufio.NewReader(l.file)
	}

	actions := make([]Action, 0, l.entryCount)
	for {
		a, err := decodeAction(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, errCorruptRecord) {
				break
			}
			return nil, err
		}
		actions = append(actions, a)
	}

	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}
	return actions, nil
}

// Clear truncates the log to a fresh header. It is called by the index
// engine only after recovery and a subsequent flush succeed.
func (l *RedoLog) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush buffer: %w", err)
	}
	if l.compressed && l.compressor != nil {
		if err := l.compressor.Close(); err != nil {
			return fmt.Errorf("failed to close compressor: %w", err)
		}
	}
	if err := l.file.Close(); err != nil {
		return err
	}

	file, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600) //nolint:gosec // G304
	if err != nil {
		return fmt.Errorf("failed to truncate redo log file: %w", err)
	}
	l.file = file

	hdrLen, err := writeLogHeader(l.file, logHeaderInfo{
		Compressed:       l.compressed,
		CompressionLevel: l.compressionLevel,
	})
	if err != nil {
		_ = l.file.Close()
		return err
	}
	l.dataOffset = hdrLen
	if _, err := l.file.Seek(l.dataOffset, io.SeekStart); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("failed to seek redo log data offset: %w", err)
	}

	if l.compressed {
		level := zstd.EncoderLevelFromZstd(l.compressionLevel)
		compressor, err := zstd.NewWriter(file, zstd.WithEncoderLevel(level))
		if err != nil {
			_ = file.Close()
			return fmt.Errorf("failed to recreate compressor: %w", err)
		}
		l.compressor = compressor
		l.bufWriter = bufio.NewWriter(compressor)
		l.writer = l.bufWriter
	} else {
		l.bufWriter = bufio.NewWriter(file)
		l.writer = l.bufWriter
	}

	l.entryCount = 0
	if err := l.file.Sync(); err != nil {
		return err
	}
	return nil
}

// Close closes the redo log gracefully. After Close returns, the log is
// no longer usable.
func (l *RedoLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	if l.groupCommitTicker != nil {
		close(l.groupCommitStopCh)
		l.mu.Unlock()
		l.groupCommitWg.Wait()
		l.mu.Lock()
		l.groupCommitTicker.Stop()
		l.groupCommitTicker = nil
	}

	if l.bufWriter != nil {
		if err := l.bufWriter.Flush(); err != nil {
			return fmt.Errorf("failed to flush buffer: %w", err)
		}
	}
	if l.compressed && l.compressor != nil {
		if err := l.compressor.Close(); err != nil {
			return fmt.Errorf("failed to close compressor: %w", err)
		}
	}
	if l.decompressor != nil {
		l.decompressor.Close()
	}

	err := l.file.Close()
	l.file = nil
	return err
}
