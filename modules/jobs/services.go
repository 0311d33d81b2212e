package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/guarzo/apteligent-importer/common/model"
)

// ServiceMetrics are the performanceManagement pies tracked per service.
var ServiceMetrics = []string{"dataIn", "dataOut", "latency", "volume", "errors"}

// DefaultServicesRetryDelay is the pause before failed service queries are
// re-issued.
const DefaultServicesRetryDelay = 2 * time.Minute

// pieTimeLayout is the layout of data.start and data.end in pie replies.
const pieTimeLayout = "2006-01-02T15:04:05"

// Allowlist holds the service names to import.
type Allowlist interface {
	Refresh() (bool, error)
	Contains(name string) bool
}

type serviceQuery struct {
	App    appRef
	Metric string
}

// ServiceStats imports web service performance per app, restricted to the
// whitelisted services.
type ServiceStats struct {
	env       Env
	whitelist Allowlist
	retry     *RetryCoordinator[serviceQuery]
}

func NewServiceStats(env Env, whitelist Allowlist, retryDelay time.Duration) *ServiceStats {
	s := &ServiceStats{env: env, whitelist: whitelist}
	s.retry = NewRetryCoordinator("services", s.query, retryDelay, env.Clock, env.Log)
	return s
}

// Run queries every app and metric, retries the failures once after the
// retry delay and flushes the sink.
func (s *ServiceStats) Run(ctx context.Context) error {
	if _, err := s.whitelist.Refresh(); err != nil {
		return fmt.Errorf("refresh services whitelist: %w", err)
	}
	apps, err := s.env.trackedApps(ctx)
	if err != nil {
		return err
	}

	units := make([]Unit[serviceQuery], 0, len(apps)*len(ServiceMetrics))
	for _, app := range apps {
		for _, metric := range ServiceMetrics {
			units = append(units, Unit[serviceQuery]{
				Context: fmt.Sprintf("%s for %s", metric, app.ID),
				Params:  serviceQuery{App: app, Metric: metric},
			})
		}
	}
	if remaining := s.retry.Run(ctx, units); len(remaining) > 0 {
		s.env.Log.Warnf("Abandoning %d service queries until the next run", len(remaining))
	}
	s.env.flush(ctx)
	return nil
}

func (s *ServiceStats) query(ctx context.Context, q serviceQuery) error {
	resp, err := s.env.Service.PerformanceManagementPie(ctx, model.QueryParams{
		AppIDs:  []string{q.App.ID},
		Graph:   q.Metric,
		GroupBy: "service",
	})
	if err != nil {
		return err
	}
	ts, err := time.ParseInLocation(pieTimeLayout, resp.Data.End, s.env.now().Location())
	if err != nil {
		return fmt.Errorf("%s for %s: bad end time %q: %w", q.Metric, q.App.ID, resp.Data.End, err)
	}

	prefix := []string{s.env.MetricRoot, q.App.Name, "services"}
	for _, slice := range resp.Data.Slices {
		if !s.whitelist.Contains(slice.Label) {
			continue
		}
		s.env.submit(ctx, with(prefix, slice.Label, q.Metric), slice.Value, ts)
	}
	return nil
}
