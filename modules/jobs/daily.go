package jobs

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/guarzo/apteligent-importer/common"
	"github.com/guarzo/apteligent-importer/common/model"
	"github.com/guarzo/apteligent-importer/common/schedule"
	"github.com/guarzo/apteligent-importer/modules/apteligent"
)

// DailyMetrics are the errorMonitoring graphs tracked once a day.
var DailyMetrics = []string{
	"crashPercent",
	"mau",
	"dau",
	"rating",
	"appLoads",
	"crashes",
	"affectedUsers",
	"affectedUserPercent",
}

// dailyDuration covers yesterday and today. Only the first point, the
// completed day, is used.
const dailyDuration = 2880

type dailyQuery struct {
	App    appRef
	Metric string
	At     time.Time
}

// DailyStats imports yesterday's value of every daily metric for one app,
// timestamped at local midnight of yesterday, then flushes the sink. Apps
// missing from the catalog (blacklisted or removed) are skipped.
func DailyStats(ctx context.Context, env Env, appID string) error {
	apps, err := env.Apps.Apps(ctx)
	if err != nil {
		return err
	}
	app, ok := apps[appID]
	if !ok {
		env.Log.Infof("Skipping daily stats for %s, app is not tracked", appID)
		return nil
	}
	ref := appRef{ID: appID, Name: app.AppName}

	now := env.now()
	y := now.AddDate(0, 0, -1)
	midnight := time.Date(y.Year(), y.Month(), y.Day(), 0, 0, 0, 0, now.Location())

	units := make([]Unit[dailyQuery], 0, len(DailyMetrics))
	for _, metric := range DailyMetrics {
		units = append(units, Unit[dailyQuery]{
			Context: fmt.Sprintf("%s of %s (%s)", metric, ref.Name, ref.ID),
			Params:  dailyQuery{App: ref, Metric: metric, At: midnight},
		})
	}

	rc := NewRetryCoordinator("daily", func(ctx context.Context, q dailyQuery) error {
		return dailyMetric(ctx, env, q)
	}, 0, env.Clock, env.Log)
	rc.Run(ctx, units)
	env.flush(ctx)
	return nil
}

func dailyMetric(ctx context.Context, env Env, q dailyQuery) error {
	resp, err := env.Service.ErrorMonitoringGraph(ctx, model.QueryParams{
		AppID:    q.App.ID,
		Graph:    q.Metric,
		Duration: dailyDuration,
	})
	if err != nil {
		return err
	}
	if len(resp.Data.Series) == 0 || len(resp.Data.Series[0].Points) == 0 {
		env.Log.Errorf("No data for metric: %s app: %s", q.Metric, q.App.Name)
		return nil
	}
	env.submit(ctx, []string{env.MetricRoot, q.App.Name, "daily", q.Metric}, resp.Data.Series[0].Points[0], q.At)
	return nil
}

// DailyHour is the local hour at which the counters of an app with the
// given GMT offset have rolled over.
func DailyHour(gmtOffset int) int {
	return ((-gmtOffset)%24 + 24) % 24
}

// Blocklist reports blacklisted app ids.
type Blocklist interface {
	Contains(id string) bool
}

// CatalogRefresher replaces the cached app catalog.
type CatalogRefresher interface {
	NewApps(ctx context.Context, attributes []string) (model.Apps, error)
}

// DailySchedule builds the events of the daily importer: one per app of
// timezones at DailyHour(offset):05, a token renewal at 01:00 and a
// catalog refresh at 06:00. Blacklisted apps get no event.
func DailySchedule(env Env, timezones map[string]model.AppTimezone, blacklist Blocklist, auth common.AuthClient, catalog CatalogRefresher) ([]schedule.Event, error) {
	ids := make([]string, 0, len(timezones))
	for id := range timezones {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var events []schedule.Event
	for _, id := range ids {
		if blacklist != nil && blacklist.Contains(id) {
			continue
		}
		tz := timezones[id]
		env.Log.Debugf("App %s with appid %s, countrycode: %s, has GMT offset: %d", tz.AppName, id, tz.Country, tz.GMTOffset)
		appID := id
		e, err := schedule.NewEvent("daily "+tz.AppName, DailyHour(tz.GMTOffset), 5, func(ctx context.Context) error {
			return DailyStats(ctx, env, appID)
		})
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	token, err := schedule.NewEvent("new token", 1, 0, func(ctx context.Context) error {
		_, err := auth.NewToken(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	apps, err := schedule.NewEvent("new apps", 6, 0, func(ctx context.Context) error {
		_, err := catalog.NewApps(ctx, apteligent.DefaultAppAttributes)
		return err
	})
	if err != nil {
		return nil, err
	}
	return append(events, token, apps), nil
}
