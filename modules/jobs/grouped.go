package jobs

import (
	"context"
	"fmt"
	"sort"

	"github.com/guarzo/apteligent-importer/common/model"
	"github.com/guarzo/apteligent-importer/common/schedule"
)

var (
	// AppVersionMetrics are imported per app version.
	AppVersionMetrics = []string{"dau", "appLoads", "crashes", "crashPercent", "affectedUsers", "affectedUserPercent"}
	// CarrierMetrics are imported per carrier group.
	CarrierMetrics = []string{"crashes", "crashPercent", "appLoads"}
)

// UnmappedGroup collects carrier labels that no rule of the country
// section matches.
const UnmappedGroup = "other"

// GroupFinder maps a label to its group within a named section.
// *store.Groupmap implements it.
type GroupFinder interface {
	FindGroup(section, topic string) (string, bool)
}

type groupedQuery struct {
	App     appRef
	Metric  string
	Country string
}

// GroupedBy imports errorMonitoring pies grouped by app version and by
// carrier. Carrier labels are folded into groups through the section of
// the carrier map named after the country of each app.
type GroupedBy struct {
	env        Env
	timezones  map[string]model.AppTimezone
	carriers   GroupFinder
	appVersion *RetryCoordinator[groupedQuery]
	carrier    *RetryCoordinator[groupedQuery]
}

func NewGroupedBy(env Env, timezones map[string]model.AppTimezone, carriers GroupFinder) *GroupedBy {
	g := &GroupedBy{env: env, timezones: timezones, carriers: carriers}
	g.appVersion = NewRetryCoordinator("appversion", g.queryAppVersion, 0, env.Clock, env.Log)
	g.carrier = NewRetryCoordinator("carrier", g.queryCarrier, 0, env.Clock, env.Log)
	return g
}

// AppVersion imports every AppVersionMetrics pie of every app.
func (g *GroupedBy) AppVersion(ctx context.Context) error {
	apps, err := g.env.trackedApps(ctx)
	if err != nil {
		return err
	}
	var units []Unit[groupedQuery]
	for _, metric := range AppVersionMetrics {
		for _, app := range apps {
			units = append(units, Unit[groupedQuery]{
				Context: fmt.Sprintf("%s per app version of %s", metric, app.Name),
				Params:  groupedQuery{App: app, Metric: metric},
			})
		}
	}
	g.appVersion.Run(ctx, units)
	g.env.flush(ctx)
	return nil
}

// Carrier imports every CarrierMetrics pie of every app with a configured
// country.
func (g *GroupedBy) Carrier(ctx context.Context) error {
	apps, err := g.env.trackedApps(ctx)
	if err != nil {
		return err
	}
	var units []Unit[groupedQuery]
	for _, metric := range CarrierMetrics {
		for _, app := range apps {
			tz, ok := g.timezones[app.ID]
			if !ok || tz.Country == "" {
				g.env.Log.Errorf("No timezone or country configuration. appName: %s appid: %s", app.Name, app.ID)
				continue
			}
			units = append(units, Unit[groupedQuery]{
				Context: fmt.Sprintf("%s per carrier of %s", metric, app.Name),
				Params:  groupedQuery{App: app, Metric: metric, Country: tz.Country},
			})
		}
	}
	g.carrier.Run(ctx, units)
	g.env.flush(ctx)
	return nil
}

func (g *GroupedBy) queryAppVersion(ctx context.Context, q groupedQuery) error {
	ts := g.env.now()
	resp, err := g.env.Service.ErrorMonitoringPie(ctx, model.QueryParams{
		AppID:   q.App.ID,
		Graph:   q.Metric,
		GroupBy: "appVersion",
	})
	if err != nil {
		return err
	}
	prefix := []string{g.env.MetricRoot, q.App.Name, "groupedby", "appversion"}
	for _, slice := range resp.Data.Slices {
		g.env.submit(ctx, with(prefix, slice.Label, q.Metric), slice.Value, ts)
	}
	return nil
}

func (g *GroupedBy) queryCarrier(ctx context.Context, q groupedQuery) error {
	ts := g.env.now()
	resp, err := g.env.Service.ErrorMonitoringPie(ctx, model.QueryParams{
		AppID:   q.App.ID,
		Graph:   q.Metric,
		GroupBy: "carrier",
	})
	if err != nil {
		return err
	}

	totals := make(map[string]float64)
	for _, slice := range resp.Data.Slices {
		group, ok := g.carriers.FindGroup(q.Country, slice.Label)
		if !ok {
			group = UnmappedGroup
		}
		totals[group] += slice.Value
	}
	groups := make([]string, 0, len(totals))
	for group := range totals {
		groups = append(groups, group)
	}
	sort.Strings(groups)

	prefix := []string{g.env.MetricRoot, q.App.Name, "groupedby", "carrier"}
	for _, group := range groups {
		g.env.submit(ctx, with(prefix, group, q.Metric), totals[group], ts)
	}
	return nil
}

// Schedule returns the events of the grouped importer: app versions every
// ten minutes from the whole hour, carriers every ten minutes from two
// past.
func (g *GroupedBy) Schedule() ([]schedule.Event, error) {
	var events []schedule.Event
	for minute := 0; minute < 60; minute += 10 {
		av, err := schedule.NewEvent("appversion", schedule.AnyHour, minute, g.AppVersion)
		if err != nil {
			return nil, err
		}
		ca, err := schedule.NewEvent("carrier", schedule.AnyHour, minute+2, g.Carrier)
		if err != nil {
			return nil, err
		}
		events = append(events, av, ca)
	}
	return events, nil
}
