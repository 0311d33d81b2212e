package apteligent_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guarzo/apteligent-importer/common/model"
	"github.com/guarzo/apteligent-importer/modules/apteligent"
)

type mockLister struct {
	ids []string
	err error
}

func (m *mockLister) AppIDs(context.Context) ([]string, error) { return m.ids, m.err }

// capture records the last PostJSON call and answers with raw.
type capture struct {
	endpoint string
	params   map[string]string
	body     interface{}
}

func capturingClient(c *capture, raw string) *mockClient {
	return &mockClient{
		postJSONFunc: func(_ context.Context, endpoint string, params map[string]string, body interface{}, entity interface{}) error {
			c.endpoint, c.params, c.body = endpoint, params, body
			return respond(raw, entity)
		},
	}
}

func TestErrorMonitoringGraph_Defaults(t *testing.T) {
	var c capture
	svc := apteligent.NewApteligentService(
		capturingClient(&c, `{"data":{"start":"2024-01-01T00:00:00","end":"2024-01-03T00:00:00","series":[{"name":"total","points":[4,5]}]}}`),
		&mockLister{ids: []string{"a", "b"}},
	)

	resp, err := svc.ErrorMonitoringGraph(context.Background(), model.QueryParams{})
	require.NoError(t, err)
	assert.Equal(t, "/v1.0/errorMonitoring/graph", c.endpoint)
	assert.Equal(t, model.QueryRequest{Params: model.QueryParams{
		Graph: "crashes", Duration: 1440, AppIDs: []string{"a", "b"},
	}}, c.body)
	require.Len(t, resp.Data.Series, 1)
	assert.Equal(t, []float64{4, 5}, resp.Data.Series[0].Points)
}

func TestErrorMonitoringGraph_SingleAppKeepsParams(t *testing.T) {
	var c capture
	lister := &mockLister{err: errors.New("must not be called")}
	svc := apteligent.NewApteligentService(capturingClient(&c, `{"data":{"series":[]}}`), lister)

	_, err := svc.ErrorMonitoringGraph(context.Background(), model.QueryParams{Graph: "mau", Duration: 2880, AppID: "app1"})
	require.NoError(t, err)
	assert.Equal(t, model.QueryRequest{Params: model.QueryParams{Graph: "mau", Duration: 2880, AppID: "app1"}}, c.body)
}

func TestErrorMonitoringPie_Defaults(t *testing.T) {
	var c capture
	svc := apteligent.NewApteligentService(
		capturingClient(&c, `{"data":{"slices":[{"label":"1.0","value":12},{"label":"1.1","value":3.5}]}}`),
		&mockLister{ids: []string{"a"}},
	)

	resp, err := svc.ErrorMonitoringPie(context.Background(), model.QueryParams{AppID: "a", GroupBy: "appVersion"})
	require.NoError(t, err)
	assert.Equal(t, "/v1.0/errorMonitoring/pie", c.endpoint)
	assert.Equal(t, model.QueryRequest{Params: model.QueryParams{
		Graph: "appLoads", Duration: 1440, AppID: "a", GroupBy: "appVersion",
	}}, c.body)
	assert.Equal(t, []model.Slice{{Label: "1.0", Value: 12}, {Label: "1.1", Value: 3.5}}, resp.Data.Slices)
}

func TestErrorMonitoringPie_GroupsByApp(t *testing.T) {
	var c capture
	svc := apteligent.NewApteligentService(capturingClient(&c, `{}`), &mockLister{ids: []string{"a", "b"}})

	_, err := svc.ErrorMonitoringPie(context.Background(), model.QueryParams{})
	require.NoError(t, err)
	body := c.body.(model.QueryRequest)
	assert.Equal(t, "appId", body.Params.GroupBy)
	assert.Equal(t, []string{"a", "b"}, body.Params.AppIDs)
}

func TestPerformanceManagementPie_Defaults(t *testing.T) {
	var c capture
	svc := apteligent.NewApteligentService(
		capturingClient(&c, `{"data":{"end":"2024-01-01T10:15:00","slices":[{"label":"api.example.com","value":42}]}}`),
		&mockLister{},
	)

	resp, err := svc.PerformanceManagementPie(context.Background(), model.QueryParams{AppID: "a", GroupBy: "service"})
	require.NoError(t, err)
	assert.Equal(t, "/v1.0/performanceManagement/pie", c.endpoint)
	assert.Equal(t, model.QueryRequest{Params: model.QueryParams{
		Graph: "volume", Duration: 15, AppIDs: []string{"a"}, GroupBy: "service",
	}}, c.body)
	assert.Equal(t, "2024-01-01T10:15:00", resp.Data.End)
}

func TestQuery_AppListFailure(t *testing.T) {
	boom := errors.New("no catalog")
	svc := apteligent.NewApteligentService(&mockClient{}, &mockLister{err: boom})
	_, err := svc.ErrorMonitoringGraph(context.Background(), model.QueryParams{})
	require.ErrorIs(t, err, boom)
}

func TestLiveStatsPeriodic(t *testing.T) {
	var c capture
	svc := apteligent.NewApteligentService(
		capturingClient(&c, `{"success":1,"periodic_data":[{"time":1700000000000,"app_loads":5,"app_errors":1,"app_exceptions":0}]}`),
		&mockLister{},
	)

	resp, err := svc.LiveStatsPeriodic(context.Background(), "app1", "", true)
	require.NoError(t, err)
	assert.Equal(t, "/v1.0/liveStats/periodic/app1", c.endpoint)
	assert.Equal(t, map[string]string{"app_version": "total", "initialize": "1"}, c.params)
	assert.Nil(t, c.body)
	assert.Equal(t, 1, resp.Success)
	assert.Equal(t, []model.PeriodicBin{{Time: 1700000000000, AppLoads: 5, AppErrors: 1}}, resp.PeriodicData)

	_, err = svc.LiveStatsPeriodic(context.Background(), "app1", "2.0", false)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"app_version": "2.0"}, c.params)
}
