// Package archive stores captured images on local flash under a hard
// file-count cap.
//
// The appliance has no log rotation daemon and no operator; the archive
// polices itself. Every Store sweeps the directory first, deleting the
// oldest entries until the new file fits under the cap, so the cap
// holds even across crashes that left the directory over-full.
package archive

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// DefaultMaxFiles is the retention cap used when Config leaves it zero.
const DefaultMaxFiles = 30

var (
	// ErrBadEntryName means a file name does not follow the
	// id_timestamp_bootcount.jpg shape.
	ErrBadEntryName = errors.New("archive: malformed entry name")
)

// Entry identifies one archived capture, ordered by age.
type Entry struct {
	Name      string
	Timestamp uint64
	BootCount uint64
}

// Config configures an archive directory.
type Config struct {
	// Dir is the directory holding the image files. It is created if
	// missing.
	Dir string

	// MaxFiles caps the number of entries kept after each Store.
	// Zero means DefaultMaxFiles.
	MaxFiles int
}

// Archive is a bounded capture store. Methods are safe for concurrent
// use; the sweep and the write are serialized so two concurrent Stores
// cannot both observe a under-cap directory and overshoot it.
type Archive struct {
	dir      string
	maxFiles int

	mu sync.Mutex
}

// New validates cfg, creates the directory if needed, and returns the
// archive.
func New(cfg Config) (*Archive, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("archive: directory is required")
	}
	if cfg.MaxFiles < 0 {
		return nil, fmt.Errorf("archive: max files must not be negative, got %d", cfg.MaxFiles)
	}
	if cfg.MaxFiles == 0 {
		cfg.MaxFiles = DefaultMaxFiles
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create directory: %w", err)
	}

	return &Archive{dir: cfg.Dir, maxFiles: cfg.MaxFiles}, nil
}

// EntryName builds the canonical file name for a capture.
func EntryName(deviceID string, timestamp int64, bootCount uint64) string {
	return fmt.Sprintf("%s_%d_%d.jpg", deviceID, timestamp, bootCount)
}

// ParseEntryName splits name into its ordering fields.
//
// The device id may itself contain underscores, so the name is parsed
// from the right: the last two underscore-separated fields before the
// .jpg extension must be decimal numbers, and whatever precedes them is
// the id.
func ParseEntryName(name string) (Entry, error) {
	base, ok := strings.CutSuffix(name, ".jpg")
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrBadEntryName, name)
	}

	j := strings.LastIndexByte(base, '_')
	if j <= 0 {
		return Entry{}, fmt.Errorf("%w: %q", ErrBadEntryName, name)
	}
	i := strings.LastIndexByte(base[:j], '_')
	if i <= 0 {
		return Entry{}, fmt.Errorf("%w: %q", ErrBadEntryName, name)
	}

	ts, err := strconv.ParseUint(base[i+1:j], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %q", ErrBadEntryName, name)
	}
	bc, err := strconv.ParseUint(base[j+1:], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %q", ErrBadEntryName, name)
	}

	return Entry{Name: name, Timestamp: ts, BootCount: bc}, nil
}

// Store sweeps the directory down to the cap, then writes data under
// the canonical entry name. A failed sweep aborts the write.
func (a *Archive) Store(deviceID string, timestamp int64, bootCount uint64, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.sweepLocked(); err != nil {
		return "", err
	}

	name := EntryName(deviceID, timestamp, bootCount)
	path := filepath.Join(a.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("archive: write %s: %w", name, err)
	}

	slog.Info("archive: stored capture", "name", name, "bytes", len(data))
	return name, nil
}

// Read returns the raw bytes of an archived entry.
func (a *Archive) Read(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(a.dir, name))
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", name, err)
	}
	return data, nil
}

// Entries lists the well-formed entries in the directory, oldest first.
// Malformed names are not listed; they are removed on the next sweep.
func (a *Archive) Entries() ([]Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries, _, err := a.scanLocked()
	return entries, err
}

// Sweep deletes the oldest entries until at most MaxFiles remain.
// Malformed names are always deleted, whatever the entry count.
func (a *Archive) Sweep() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sweepLocked()
}

func (a *Archive) sweepLocked() error {
	entries, malformed, err := a.scanLocked()
	if err != nil {
		return err
	}

	for _, name := range malformed {
		if err := os.Remove(filepath.Join(a.dir, name)); err != nil {
			slog.Warn("archive: delete malformed entry failed", "name", name, "error", err)
			continue
		}
		slog.Info("archive: deleted malformed entry", "name", name)
	}

	excess := len(entries) - a.maxFiles
	for i := 0; i < excess; i++ {
		name := entries[i].Name
		if err := os.Remove(filepath.Join(a.dir, name)); err != nil {
			slog.Warn("archive: evict entry failed", "name", name, "error", err)
			continue
		}
		slog.Info("archive: evicted entry", "name", name)
	}

	return nil
}

// scanLocked reads the directory and splits names into parseable
// entries, sorted oldest first, and malformed names.
func (a *Archive) scanLocked() ([]Entry, []string, error) {
	dirents, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("archive: read directory: %w", err)
	}

	var entries []Entry
	var malformed []string
	for _, de := range dirents {
		if de.IsDir() {
			continue
		}
		e, err := ParseEntryName(de.Name())
		if err != nil {
			malformed = append(malformed, de.Name())
			continue
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Timestamp != entries[j].Timestamp {
			return entries[i].Timestamp < entries[j].Timestamp
		}
		return entries[i].BootCount < entries[j].BootCount
	})

	return entries, malformed, nil
}
