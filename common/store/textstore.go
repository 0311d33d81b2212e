package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/guarzo/apteligent-importer/common"
	"github.com/guarzo/apteligent-importer/common/clock"
)

const (
	blacklistExtension = ".blacklist"
	whitelistExtension = ".whitelist"
)

// TextStore is a set of strings read from a newline-delimited file.
// Blank lines and lines starting with '#' are ignored. A reload replaces
// the whole set at once; readers never see a partially loaded set.
type TextStore struct {
	name  string
	path  string
	clock clock.Clock
	log   common.Logger

	mu         sync.RWMutex
	data       map[string]struct{}
	lastUpdate time.Time
}

// OpenText opens and loads a text store. The file must exist.
func OpenText(name, path string, opts Options) (*TextStore, error) {
	opts = opts.withDefaults()
	t := &TextStore{
		name:  name,
		path:  path,
		clock: opts.Clock,
		log:   opts.Logger,
		data:  map[string]struct{}{},
	}
	if !t.Exists() {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
	}
	if err := t.Load(); err != nil {
		return nil, err
	}
	t.log.Debugf("%s at %s", name, path)
	return t, nil
}

func (t *TextStore) Name() string { return t.name }
func (t *TextStore) Path() string { return t.path }

func (t *TextStore) Exists() bool {
	info, err := os.Stat(t.path)
	return err == nil && info.Mode().IsRegular()
}

func (t *TextStore) Load() error {
	f, err := os.Open(t.path)
	if err != nil {
		t.log.Errorf("Failed to open %s: %v", t.path, err)
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	defer f.Close()

	data := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		data[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		t.log.Errorf("Failed to read %s: %v", t.path, err)
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	t.mu.Lock()
	t.data = data
	t.lastUpdate = t.clock.Now()
	t.mu.Unlock()

	t.log.Infof("Read text file: %s.", t.path)
	return nil
}

// Refresh reloads the file if it changed since the last load.
func (t *TextStore) Refresh() (bool, error) {
	t.mu.RLock()
	last := t.lastUpdate
	t.mu.RUnlock()

	if !last.IsZero() && !lastModified(t.path).After(last) {
		return false, nil
	}
	if err := t.Load(); err != nil {
		return false, err
	}
	return true, nil
}

func (t *TextStore) has(item string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.data[item]
	return ok
}

// Items returns the set as a sorted slice.
func (t *TextStore) Items() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.data))
	for item := range t.data {
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}

func (t *TextStore) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.data)
}

// Blacklist rejects the ids it contains.
type Blacklist struct {
	*TextStore
}

// OpenBlacklist opens <dir>/<name>.blacklist.
func OpenBlacklist(dir, name string, opts Options) (*Blacklist, error) {
	t, err := OpenText(name, filepath.Join(dir, name+blacklistExtension), opts)
	if err != nil {
		return nil, err
	}
	return &Blacklist{TextStore: t}, nil
}

// Contains reports whether item is rejected.
func (b *Blacklist) Contains(item string) bool {
	reject := b.has(item)
	if reject {
		b.log.Debugf("REJECT: %s in blacklist: %s", item, b.path)
	} else {
		b.log.Debugf("ALLOWED: %s", item)
	}
	return reject
}

// Whitelist allows only the ids it contains.
type Whitelist struct {
	*TextStore
}

// OpenWhitelist opens <dir>/<name>.whitelist.
func OpenWhitelist(dir, name string, opts Options) (*Whitelist, error) {
	t, err := OpenText(name, filepath.Join(dir, name+whitelistExtension), opts)
	if err != nil {
		return nil, err
	}
	return &Whitelist{TextStore: t}, nil
}

// Contains reports whether item is allowed.
func (w *Whitelist) Contains(item string) bool {
	allow := w.has(item)
	if allow {
		w.log.Debugf("ALLOWED: %s", item)
	} else {
		w.log.Debugf("REJECT: %s not in whitelist: %s", item, w.path)
	}
	return allow
}
