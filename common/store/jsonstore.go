// Package store persists small named documents next to the importer:
// JSON caches with staleness detection, newline-delimited black/white
// lists and regexp group maps.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/guarzo/apteligent-importer/common"
	"github.com/guarzo/apteligent-importer/common/clock"
)

const jsonExtension = ".json"

var (
	ErrNotLoaded = errors.New("store: data not loaded")
	ErrReadOnly  = errors.New("store: store is read-only")
	ErrNotExist  = errors.New("store: file does not exist")
	ErrIO        = errors.New("store: i/o failure")
	ErrDecode    = errors.New("store: decode failure")
)

// Options configures a store. Zero values select the real clock and a
// no-op logger.
type Options struct {
	ReadOnly bool
	Clock    clock.Clock
	Logger   common.Logger
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = nopLogger{}
	}
	return o
}

// JSONStore is a file-backed cache of one JSON document. The in-memory
// copy is considered stale once the file's modification time is newer
// than the last successful load or store.
type JSONStore[T any] struct {
	name     string
	path     string
	readOnly bool
	clock    clock.Clock
	log      common.Logger

	mu         sync.RWMutex
	data       T
	lastUpdate time.Time
	loaded     bool
}

var _ common.CacheRepository[int] = (*JSONStore[int])(nil)

// OpenJSON opens <dir>/<name>.json. An existing file is loaded right away.
// A missing file is an error for read-only stores; writable stores check
// that the directory accepts writes and start out unloaded.
func OpenJSON[T any](dir, name string, opts Options) (*JSONStore[T], error) {
	opts = opts.withDefaults()
	s := &JSONStore[T]{
		name:     name,
		path:     filepath.Join(dir, name+jsonExtension),
		readOnly: opts.ReadOnly,
		clock:    opts.Clock,
		log:      opts.Logger,
	}
	s.log.Debugf("%s at %s", name, s.path)

	switch {
	case s.Exists():
		if err := s.Load(); err != nil {
			return nil, err
		}
	case s.readOnly:
		s.log.Errorf("File does not exist: %s", s.path)
		return nil, fmt.Errorf("%w: %s", ErrNotExist, s.path)
	default:
		if err := probeWritable(s.path); err != nil {
			s.log.Errorf("Cannot open %s for writing: %v", s.path, err)
			return nil, err
		}
	}
	return s, nil
}

func probeWritable(path string) error {
	probe := path + ".test"
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	f.Close()
	return os.Remove(probe)
}

func (s *JSONStore[T]) Name() string { return s.name }
func (s *JSONStore[T]) Path() string { return s.path }

// Data returns the in-memory document.
func (s *JSONStore[T]) Data() (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		var zero T
		return zero, fmt.Errorf("%w: %s", ErrNotLoaded, s.path)
	}
	return s.data, nil
}

// Set replaces the in-memory document. It is persisted by Store.
func (s *JSONStore[T]) Set(value T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = value
	s.loaded = true
}

// LastUpdate returns when the document was last loaded or stored; zero
// if never.
func (s *JSONStore[T]) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}

func (s *JSONStore[T]) Exists() bool {
	info, err := os.Stat(s.path)
	return err == nil && info.Mode().IsRegular()
}

// Load reads the file into memory, replacing whatever was there. The load
// is stamped with the time before the read, so a file replaced during the
// read is still newer on the next Refresh.
func (s *JSONStore[T]) Load() error {
	now := s.clock.Now()
	raw, err := os.ReadFile(s.path)
	if err != nil {
		s.log.Errorf("Failed to open %s: %v", s.path, err)
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		s.log.Errorf("Unable to parse json from %s: %v", s.path, err)
		return fmt.Errorf("%w: %s: %w", ErrDecode, s.path, err)
	}

	s.mu.Lock()
	s.data = value
	s.loaded = true
	s.lastUpdate = now
	s.mu.Unlock()

	s.log.Infof("Loaded %s from json cache.", s.path)
	return nil
}

// Refresh reloads the file when it has never been loaded or when its
// modification time is strictly newer than the last load or store.
func (s *JSONStore[T]) Refresh() (bool, error) {
	s.mu.RLock()
	last, loaded := s.lastUpdate, !s.lastUpdate.IsZero()
	s.mu.RUnlock()

	if loaded && !lastModified(s.path).After(last) {
		return false, nil
	}
	if err := s.Load(); err != nil {
		return false, err
	}
	return true, nil
}

func lastModified(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// Store writes the in-memory document. A sibling .lock file marks an
// active writer: when it already exists Store returns false and leaves
// the file untouched. The document is written to a temporary file and
// renamed over the target, so readers never observe a partial write.
func (s *JSONStore[T]) Store() (bool, error) {
	if s.readOnly {
		return false, fmt.Errorf("%w: %s", ErrReadOnly, s.path)
	}

	lockPath := s.path + ".lock"
	lock, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			s.log.Warnf("Could not acquire lock file %s", lockPath)
			return false, nil
		}
		s.log.Errorf("Failed to create lock file %s: %v", lockPath, err)
		return false, fmt.Errorf("%w: %w", ErrIO, err)
	}
	defer func() {
		lock.Close()
		os.Remove(lockPath)
	}()

	s.mu.RLock()
	raw, err := json.MarshalIndent(s.data, "", "    ")
	s.mu.RUnlock()
	if err != nil {
		s.log.Errorf("Unable to generate json for %s: %v", s.path, err)
		return false, fmt.Errorf("encode %s: %w", s.path, err)
	}

	if err := writeAtomic(s.path, raw); err != nil {
		s.log.Errorf("Failed to write %s: %v", s.path, err)
		return false, fmt.Errorf("%w: %w", ErrIO, err)
	}

	s.mu.Lock()
	s.loaded = true
	s.lastUpdate = s.clock.Now()
	s.mu.Unlock()

	s.log.Infof("Stored %s in json cache.", s.path)
	return true, nil
}

func writeAtomic(path string, raw []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
