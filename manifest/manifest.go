// Package manifest persists the committed state of the index: the
// attached segment list and the id allocation high-water marks.
//
// A manifest write is the durable flush boundary of the engine. Writes
// are atomic: the manifest goes to a temp file that is renamed into
// place, the CURRENT pointer is swapped the same way, and the directory
// is synced after each rename.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/indexgo/model"
)

const (
	// ManifestFilePrefix is the base name of versioned manifest files.
	ManifestFilePrefix = "MANIFEST"
	// CurrentFileName is the pointer file naming the live manifest.
	CurrentFileName = "CURRENT"
	// CurrentVersion is the version of the manifest format.
	CurrentVersion = 1
)

// ErrNotFound is returned when no manifest exists yet (fresh index).
var ErrNotFound = errors.New("manifest: not found")

// SegmentInfo describes a single attached segment.
type SegmentInfo struct {
	ID       model.SegmentID `json:"id"`
	RowCount int             `json:"row_count"`
}

// Manifest describes the committed state of the index at a point in time.
type Manifest struct {
	Version         int           `json:"version"`
	ID              uint64        `json:"id"`
	CreatedAt       time.Time     `json:"created_at"`
	NextSegment     uint64        `json:"next_segment"`
	NextTransaction uint64        `json:"next_transaction"`
	Segments        []SegmentInfo `json:"segments"`
}

// New creates a new empty manifest.
func New() *Manifest {
	return &Manifest{
		Version:     CurrentVersion,
		CreatedAt:   time.Now(),
		NextSegment: 1, // segment ids start at 1
	}
}

// Store manages manifest files in a directory with atomic updates.
type Store struct {
	mu  sync.Mutex
	dir string
}

// NewStore creates a manifest store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Load loads the manifest named by CURRENT. ErrNotFound means a fresh
// index directory.
func (s *Store) Load() (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := os.ReadFile(filepath.Join(s.dir, CurrentFileName)) //nolint:gosec // G304
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read CURRENT: %w", err)
	}

	name := strings.TrimSpace(string(current))
	raw, err := os.ReadFile(filepath.Join(s.dir, name)) //nolint:gosec // G304
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", name, err)
	}

	m := &Manifest{}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", name, err)
	}
	if m.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	return m, nil
}

// Save durably writes m as the next manifest version and swings CURRENT
// to it. Older manifest files are pruned best-effort.
func (s *Store) Save(m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.ID++
	m.Version = CurrentVersion
	name := fmt.Sprintf("%s-%06d.json", ManifestFilePrefix, m.ID)

	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := writeFileAtomic(s.dir, name, raw); err != nil {
		return fmt.Errorf("failed to write manifest %s: %w", name, err)
	}
	if err := writeFileAtomic(s.dir, CurrentFileName, []byte(name)); err != nil {
		return fmt.Errorf("failed to update CURRENT: %w", err)
	}

	s.pruneOld(name)
	return nil
}

// pruneOld removes manifest files other than keep. Failures are ignored;
// a stale manifest file is harmless.
func (s *Store) pruneOld(keep string) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	var stale []string
	for _, e := range entries {
		n := e.Name()
		if strings.HasPrefix(n, ManifestFilePrefix+"-") && n != keep && !strings.Contains(n, ".tmp-") {
			stale = append(stale, n)
		}
	}
	sort.Strings(stale)
	for _, n := range stale {
		_ = os.Remove(filepath.Join(s.dir, n))
	}
}

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

	d, err := os.Open(dir) //nolint:gosec // G304
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
