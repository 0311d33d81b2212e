package apteligent

import (
	"context"
	"fmt"
	"net/url"

	"github.com/guarzo/apteligent-importer/common/model"
)

const (
	errorMonitoringGraphPath  = "/v1.0/errorMonitoring/graph"
	errorMonitoringPiePath    = "/v1.0/errorMonitoring/pie"
	performanceManagementPath = "/v1.0/performanceManagement/pie"
	liveStatsPeriodicPath     = "/v1.0/liveStats/periodic/"

	// defaultErrorMonitoringDuration is one day, in minutes.
	defaultErrorMonitoringDuration = 1440
	// defaultPerformanceDuration is a quarter of an hour, in minutes.
	defaultPerformanceDuration = 15
)

// ApteligentService is a higher-level interface over the query endpoints.
type ApteligentService interface {
	// ErrorMonitoringGraph defaults to the crashes graph.
	ErrorMonitoringGraph(ctx context.Context, q model.QueryParams) (*model.GraphResponse, error)
	// ErrorMonitoringPie defaults to appLoads grouped by appId.
	ErrorMonitoringPie(ctx context.Context, q model.QueryParams) (*model.PieResponse, error)
	// PerformanceManagementPie defaults to volume over 15 minutes.
	PerformanceManagementPie(ctx context.Context, q model.QueryParams) (*model.PieResponse, error)
	// LiveStatsPeriodic returns 10 second buckets for one app. With
	// initialize the last 5 minutes are returned, otherwise one bucket.
	LiveStatsPeriodic(ctx context.Context, appID, appVersion string, initialize bool) (*model.LiveStatsPeriodic, error)
}

// AppLister supplies the app ids used when a query names none.
type AppLister interface {
	AppIDs(ctx context.Context) ([]string, error)
}

type apteligentService struct {
	client ApteligentClient
	apps   AppLister
}

// NewApteligentService constructs an ApteligentService.
func NewApteligentService(client ApteligentClient, apps AppLister) ApteligentService {
	return &apteligentService{client: client, apps: apps}
}

func (s *apteligentService) ErrorMonitoringGraph(ctx context.Context, q model.QueryParams) (*model.GraphResponse, error) {
	if q.Graph == "" {
		q.Graph = "crashes"
	}
	if q.Duration == 0 {
		q.Duration = defaultErrorMonitoringDuration
	}
	var out model.GraphResponse
	if err := s.query(ctx, errorMonitoringGraphPath, q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *apteligentService) ErrorMonitoringPie(ctx context.Context, q model.QueryParams) (*model.PieResponse, error) {
	if q.Graph == "" {
		q.Graph = "appLoads"
	}
	if q.GroupBy == "" {
		q.GroupBy = "appId"
	}
	if q.Duration == 0 {
		q.Duration = defaultErrorMonitoringDuration
	}
	var out model.PieResponse
	if err := s.query(ctx, errorMonitoringPiePath, q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *apteligentService) PerformanceManagementPie(ctx context.Context, q model.QueryParams) (*model.PieResponse, error) {
	if q.Graph == "" {
		q.Graph = "volume"
	}
	if q.Duration == 0 {
		q.Duration = defaultPerformanceDuration
	}
	if q.AppID != "" && len(q.AppIDs) == 0 {
		q.AppIDs, q.AppID = []string{q.AppID}, ""
	}
	var out model.PieResponse
	if err := s.query(ctx, performanceManagementPath, q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// query posts {"params": q}, filling in every tracked app when q names none.
func (s *apteligentService) query(ctx context.Context, path string, q model.QueryParams, out interface{}) error {
	if q.AppID == "" && len(q.AppIDs) == 0 {
		ids, err := s.apps.AppIDs(ctx)
		if err != nil {
			return fmt.Errorf("list apps for %s: %w", path, err)
		}
		q.AppIDs = ids
	}
	return s.client.PostJSON(ctx, path, nil, model.QueryRequest{Params: q}, out)
}

func (s *apteligentService) LiveStatsPeriodic(ctx context.Context, appID, appVersion string, initialize bool) (*model.LiveStatsPeriodic, error) {
	if appVersion == "" {
		appVersion = "total"
	}
	params := map[string]string{"app_version": appVersion}
	if initialize {
		params["initialize"] = "1"
	}
	var out model.LiveStatsPeriodic
	if err := s.client.PostJSON(ctx, liveStatsPeriodicPath+url.PathEscape(appID), params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
