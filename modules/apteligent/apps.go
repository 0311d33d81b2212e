package apteligent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/guarzo/apteligent-importer/common"
	"github.com/guarzo/apteligent-importer/common/model"
)

const appsPath = "/v1.0/apps"

// DefaultAppAttributes is the projection cached for every tracked app.
var DefaultAppAttributes = []string{
	"appName",
	"linkToAppStore",
	"appVersions",
	"latestVersionString",
	"iconURL",
}

var ErrUnknownApp = errors.New("apteligent: unknown app id")

// Blacklist is the membership test applied to every catalog fetch.
type Blacklist interface {
	Refresh() (bool, error)
	Contains(id string) bool
}

// AppRegistry caches the catalog of tracked apps. Blacklisted apps are
// removed when the catalog is fetched, so they never reach the cache.
type AppRegistry struct {
	client    ApteligentClient
	cache     common.CacheRepository[model.Apps]
	blacklist Blacklist
	log       common.Logger
	group     singleflight.Group
}

func NewAppRegistry(client ApteligentClient, cache common.CacheRepository[model.Apps], blacklist Blacklist, log common.Logger) *AppRegistry {
	return &AppRegistry{
		client:    client,
		cache:     cache,
		blacklist: blacklist,
		log:       log,
	}
}

// Apps returns the cached catalog, reloading the cache file if it changed,
// or fetches the catalog when nothing is cached yet.
func (r *AppRegistry) Apps(ctx context.Context) (model.Apps, error) {
	if !r.cache.Exists() {
		return r.NewApps(ctx, DefaultAppAttributes)
	}
	if _, err := r.cache.Refresh(); err != nil {
		return nil, err
	}
	return r.cache.Data()
}

// NewApps fetches the catalog with the given attributes, drops blacklisted
// apps, strips the links section and stores the result. Concurrent
// callers share one fetch.
func (r *AppRegistry) NewApps(ctx context.Context, attributes []string) (model.Apps, error) {
	key := strings.Join(attributes, ",")
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.fetch(ctx, attributes)
	})
	if err != nil {
		return nil, err
	}
	return v.(model.Apps), nil
}

func (r *AppRegistry) fetch(ctx context.Context, attributes []string) (model.Apps, error) {
	attr := strings.Join(attributes, ",")
	r.log.Infof("Retrieving the current list of apps from apteligent, with tracked attributes %s", attr)

	var apps model.Apps
	if err := r.client.GetJSON(ctx, appsPath, map[string]string{"attributes": attr}, &apps); err != nil {
		return nil, fmt.Errorf("fetch apps: %w", err)
	}
	r.log.Infof("Number of apps: %d", len(apps))

	filtered, err := r.filter(apps)
	if err != nil {
		return nil, err
	}

	r.cache.Set(filtered)
	stored, err := r.cache.Store()
	if err != nil {
		return nil, err
	}
	if !stored {
		r.log.Warnf("App list not persisted, another writer holds the lock")
	}
	r.log.Infof("List of apps has been updated. Tracking %d apps.", len(filtered))
	return filtered, nil
}

func (r *AppRegistry) filter(apps model.Apps) (model.Apps, error) {
	if _, err := r.blacklist.Refresh(); err != nil {
		return nil, fmt.Errorf("refresh app blacklist: %w", err)
	}
	out := make(model.Apps, len(apps))
	for id, app := range apps {
		if r.blacklist.Contains(id) {
			continue
		}
		app.Links = nil
		out[id] = app
	}
	return out, nil
}

// AppName returns the display name of an app.
func (r *AppRegistry) AppName(ctx context.Context, appID string) (string, error) {
	apps, err := r.Apps(ctx)
	if err != nil {
		return "", err
	}
	app, ok := apps[appID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownApp, appID)
	}
	return app.AppName, nil
}

// AppIDs returns the ids of all tracked apps, sorted.
func (r *AppRegistry) AppIDs(ctx context.Context) ([]string, error) {
	apps, err := r.Apps(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(apps))
	for id := range apps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
