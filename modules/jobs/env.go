// Package jobs holds the importer runs: daily statistics, live statistics,
// web service statistics and grouped statistics. Each run reads from the
// Apteligent service and submits to the carbon sink.
package jobs

import (
	"context"
	"sort"
	"time"

	"github.com/guarzo/apteligent-importer/common"
	"github.com/guarzo/apteligent-importer/common/clock"
	"github.com/guarzo/apteligent-importer/common/model"
	"github.com/guarzo/apteligent-importer/modules/apteligent"
)

// Catalog supplies the tracked apps.
type Catalog interface {
	Apps(ctx context.Context) (model.Apps, error)
}

// MetricSink receives metric points. *carbon.Sink implements it.
type MetricSink interface {
	Submit(ctx context.Context, path []string, value float64, ts time.Time) error
	Flush(ctx context.Context) error
}

// Env is what every job needs.
type Env struct {
	MetricRoot string
	Service    apteligent.ApteligentService
	Apps       Catalog
	Sink       MetricSink
	Log        common.Logger
	Clock      clock.Clock
}

func (e Env) now() time.Time {
	if e.Clock == nil {
		return time.Now()
	}
	return e.Clock.Now()
}

// submit forwards one point. A failed auto flush has already been spilled
// by the sink, so it is only logged.
func (e Env) submit(ctx context.Context, path []string, value float64, ts time.Time) {
	if err := e.Sink.Submit(ctx, path, value, ts); err != nil {
		e.Log.Errorf("Submitting %v: %v", path, err)
	}
}

func (e Env) flush(ctx context.Context) {
	if err := e.Sink.Flush(ctx); err != nil {
		e.Log.Errorf("Flushing metrics: %v", err)
	}
}

// appRef is the id and display name of one tracked app.
type appRef struct {
	ID   string
	Name string
}

// trackedApps lists the catalog sorted by id.
func (e Env) trackedApps(ctx context.Context) ([]appRef, error) {
	apps, err := e.Apps.Apps(ctx)
	if err != nil {
		return nil, err
	}
	refs := make([]appRef, 0, len(apps))
	for id, app := range apps {
		refs = append(refs, appRef{ID: id, Name: app.AppName})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs, nil
}

// Sleeper blocks until the next aligned run. *schedule.EveryX implements it.
type Sleeper interface {
	SleepUntilNextRun(ctx context.Context) error
}

// Loop runs job after every sleep until ctx is done. A failed run is
// logged and the loop continues.
func Loop(ctx context.Context, sleeper Sleeper, log common.Logger, job func(ctx context.Context) error) error {
	for {
		if err := sleeper.SleepUntilNextRun(ctx); err != nil {
			return err
		}
		if err := job(ctx); err != nil {
			log.Errorf("Run failed: %v", err)
		}
	}
}
