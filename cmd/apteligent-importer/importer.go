package main

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/guarzo/apteligent-importer/common"
	"github.com/guarzo/apteligent-importer/common/clock"
	"github.com/guarzo/apteligent-importer/common/config"
	"github.com/guarzo/apteligent-importer/common/model"
	"github.com/guarzo/apteligent-importer/common/schedule"
	"github.com/guarzo/apteligent-importer/common/store"
	"github.com/guarzo/apteligent-importer/modules/apteligent"
	"github.com/guarzo/apteligent-importer/modules/carbon"
	"github.com/guarzo/apteligent-importer/modules/jobs"
)

// File names inside paths.config_dir and paths.cache_dir.
const (
	appBlacklistName      = "app"
	servicesWhitelistName = "services"
	carrierMapName        = "carrier"
	tokenCacheName        = "token"
	appsCacheName         = "apps"
)

// servicesInterval is the services polling interval in minutes.
const servicesInterval = 15

// importer owns the shared pieces every command runs on.
type importer struct {
	cfg       *config.Config
	log       *zap.SugaredLogger
	clock     clock.Clock
	storeOpts store.Options

	blacklist *store.Blacklist
	tokens    *apteligent.TokenStore
	apps      *apteligent.AppRegistry
	sink      *carbon.Sink
	env       jobs.Env
}

func newImporter(cfg *config.Config, log *zap.SugaredLogger, reg prometheus.Registerer) (*importer, error) {
	clk := clock.Real()
	storeOpts := store.Options{Clock: clk, Logger: log}

	blacklist, err := store.OpenBlacklist(cfg.Paths.ConfigDir, appBlacklistName, storeOpts)
	if err != nil {
		return nil, fmt.Errorf("app blacklist: %w", err)
	}
	tokenCache, err := store.OpenJSON[model.Token](cfg.Paths.CacheDir, tokenCacheName, storeOpts)
	if err != nil {
		return nil, fmt.Errorf("token cache: %w", err)
	}
	appsCache, err := store.OpenJSON[model.Apps](cfg.Paths.CacheDir, appsCacheName, storeOpts)
	if err != nil {
		return nil, fmt.Errorf("apps cache: %w", err)
	}

	a := cfg.Apteligent
	httpClient := common.NewHttpClient(&http.Client{}, common.HttpClientOptions{
		UserAgent:         a.UserAgent,
		Timeout:           a.Timeout,
		RequestsPerSecond: a.RequestsPerSecond,
	})
	baseURL := a.BaseURL()
	tokens := apteligent.NewTokenStore(baseURL, apteligent.Credentials{
		ClientID: a.ClientID,
		Username: a.Username,
		Password: a.Password,
	}, tokenCache, httpClient.StdClient(), clk, log)
	client := apteligent.NewApteligentClient(baseURL, httpClient, tokens, log, reg)
	apps := apteligent.NewAppRegistry(client, appsCache, blacklist, log)

	protocol, err := carbon.ParseProtocol(cfg.Graphite.Protocol)
	if err != nil {
		return nil, err
	}
	var spiller carbon.Spiller
	if cfg.Paths.SpillDir != "" {
		spiller = carbon.NewDirSpiller(cfg.Paths.SpillDir, storeOpts)
	}
	sink, err := carbon.NewSink(carbon.SinkOptions{
		Host:        cfg.Graphite.Host,
		Port:        cfg.Graphite.Port,
		Protocol:    protocol,
		MaxBuffer:   cfg.Graphite.MaxBuffer,
		DialTimeout: cfg.Graphite.DialTimeout,
		Spiller:     spiller,
		Logger:      log,
		Registerer:  reg,
	})
	if err != nil {
		return nil, err
	}

	return &importer{
		cfg:       cfg,
		log:       log,
		clock:     clk,
		storeOpts: storeOpts,
		blacklist: blacklist,
		tokens:    tokens,
		apps:      apps,
		sink:      sink,
		env: jobs.Env{
			MetricRoot: a.MetricRoot,
			Service:    apteligent.NewApteligentService(client, apps),
			Apps:       apps,
			Sink:       sink,
			Log:        log,
			Clock:      clk,
		},
	}, nil
}

// run executes command until ctx ends, or one time when once is set.
func (i *importer) run(ctx context.Context, command string, once bool) error {
	switch command {
	case "daily":
		return i.daily(ctx, once)
	case "livestats":
		return i.livestats(ctx, once)
	case "services":
		return i.services(ctx, once)
	case "groupedby":
		return i.groupedBy(ctx, once)
	}
	return fmt.Errorf("unknown command %q", command)
}

func (i *importer) daily(ctx context.Context, once bool) error {
	if once {
		ids := make([]string, 0, len(i.cfg.AppTimezones))
		for id := range i.cfg.AppTimezones {
			if !i.blacklist.Contains(id) {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		for _, id := range ids {
			if err := jobs.DailyStats(ctx, i.env, id); err != nil {
				return err
			}
		}
		return nil
	}

	i.log.Infof("Scheduling jobs")
	events, err := jobs.DailySchedule(i.env, i.cfg.AppTimezones, i.blacklist, i.tokens, i.apps)
	if err != nil {
		return err
	}
	return i.schedule(ctx, events)
}

func (i *importer) livestats(ctx context.Context, once bool) error {
	live := jobs.NewLiveStats(i.env)
	if once {
		return live.Run(ctx)
	}
	every, err := schedule.EveryXMinutes(i.cfg.Jobs.LiveStatsInterval, i.clock, i.log)
	if err != nil {
		return err
	}
	return jobs.Loop(ctx, every, i.log, live.Run)
}

func (i *importer) services(ctx context.Context, once bool) error {
	whitelist, err := store.OpenWhitelist(i.cfg.Paths.ConfigDir, servicesWhitelistName, i.storeOpts)
	if err != nil {
		return fmt.Errorf("services whitelist: %w", err)
	}
	stats := jobs.NewServiceStats(i.env, whitelist, i.cfg.Jobs.ServicesRetryDelay)
	if once {
		return stats.Run(ctx)
	}
	every, err := schedule.EveryXMinutes(servicesInterval, i.clock, i.log)
	if err != nil {
		return err
	}
	return jobs.Loop(ctx, every, i.log, stats.Run)
}

func (i *importer) groupedBy(ctx context.Context, once bool) error {
	carriers, err := store.OpenGroupmap(i.cfg.Paths.ConfigDir, carrierMapName, i.storeOpts)
	if err != nil {
		return fmt.Errorf("carrier map: %w", err)
	}
	grouped := jobs.NewGroupedBy(i.env, i.cfg.AppTimezones, carriers)
	if once {
		if err := grouped.AppVersion(ctx); err != nil {
			return err
		}
		return grouped.Carrier(ctx)
	}
	events, err := grouped.Schedule()
	if err != nil {
		return err
	}
	return i.schedule(ctx, events)
}

func (i *importer) schedule(ctx context.Context, events []schedule.Event) error {
	sched := schedule.NewClockBasedScheduler(i.clock, i.log, schedule.DefaultWorkers)
	for _, e := range events {
		i.log.Debugf("Adding event %s", e)
		sched.AddEvent(e)
	}
	return sched.Run(ctx)
}
