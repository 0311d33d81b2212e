package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LiveStats imports the 10 second live statistics buckets of every tracked
// app. Buckets at or before the last imported one are skipped.
type LiveStats struct {
	env   Env
	retry *RetryCoordinator[appRef]

	mu          sync.Mutex
	lastSuccess map[string]int64
}

func NewLiveStats(env Env) *LiveStats {
	l := &LiveStats{env: env, lastSuccess: make(map[string]int64)}
	l.retry = NewRetryCoordinator("livestats", l.fetch, 0, env.Clock, env.Log)
	return l
}

// Run fetches every app in parallel, retries the failed apps once and
// flushes the sink.
func (l *LiveStats) Run(ctx context.Context) error {
	apps, err := l.env.trackedApps(ctx)
	if err != nil {
		return err
	}
	units := make([]Unit[appRef], 0, len(apps))
	for _, app := range apps {
		units = append(units, Unit[appRef]{
			Context: fmt.Sprintf("%s with app ID: %s", app.Name, app.ID),
			Params:  app,
		})
	}
	l.retry.Run(ctx, units)
	l.env.flush(ctx)
	return nil
}

// LastSuccess returns the timestamp, in seconds, of the newest bucket
// imported for an app.
func (l *LiveStats) LastSuccess(appID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSuccess[appID]
}

func (l *LiveStats) fetch(ctx context.Context, app appRef) error {
	result, err := l.env.Service.LiveStatsPeriodic(ctx, app.ID, "total", true)
	if err != nil {
		return err
	}
	if result.Success != 1 {
		l.env.Log.Errorf("Retrieval of livestats unsuccessful. appid: %s, appname: %s", app.ID, app.Name)
		return nil
	}
	if len(result.PeriodicData) == 0 {
		l.env.Log.Warnf("Live stats for %s with app ID: %s carried no buckets", app.Name, app.ID)
		return nil
	}
	l.env.Log.Infof("Received live stats (periodic) for %s with app ID: %s", app.Name, app.ID)

	prefix := []string{l.env.MetricRoot, app.Name, "live"}
	last := l.LastSuccess(app.ID)
	for _, bin := range result.PeriodicData {
		// Bucket times are milliseconds since epoch.
		sec := bin.Time / 1000
		if sec <= last {
			continue
		}
		ts := time.Unix(sec, 0)
		l.env.submit(ctx, with(prefix, "appLoads"), bin.AppLoads, ts)
		l.env.submit(ctx, with(prefix, "crashes"), bin.AppErrors, ts)
		l.env.submit(ctx, with(prefix, "exceptions"), bin.AppExceptions, ts)
	}

	l.mu.Lock()
	l.lastSuccess[app.ID] = result.PeriodicData[len(result.PeriodicData)-1].Time / 1000
	l.mu.Unlock()
	return nil
}

// with returns a copy of prefix extended by elems.
func with(prefix []string, elems ...string) []string {
	out := make([]string, 0, len(prefix)+len(elems))
	out = append(out, prefix...)
	return append(out, elems...)
}
