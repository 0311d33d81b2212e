package carbon

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/guarzo/apteligent-importer/common/store"
)

// Spiller keeps a batch that could not be delivered. Spilled batches are
// not replayed by the sink.
type Spiller interface {
	Spill(batch []Metric) (string, error)
}

// DirSpiller writes every batch to <dir>/<uuid>.json.
type DirSpiller struct {
	dir  string
	opts store.Options
}

func NewDirSpiller(dir string, opts store.Options) *DirSpiller {
	opts.ReadOnly = false
	return &DirSpiller{dir: dir, opts: opts}
}

func (d *DirSpiller) Spill(batch []Metric) (string, error) {
	cache, err := store.OpenJSON[[]Metric](d.dir, uuid.NewString(), d.opts)
	if err != nil {
		return "", fmt.Errorf("open spill file: %w", err)
	}
	cache.Set(batch)
	ok, err := cache.Store()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("spill file %s is locked", cache.Path())
	}
	return cache.Path(), nil
}
