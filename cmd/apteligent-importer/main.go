// apteligent-importer polls the Apteligent REST API and forwards the
// statistics to a graphite carbon daemon.
//
// One process runs one importer:
//
//	daily      yesterday's totals per app, scheduled by app timezone
//	livestats  10 second live buckets every 1 to 5 minutes
//	services   web service performance every 15 minutes
//	groupedby  statistics per app version and per carrier group
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/guarzo/apteligent-importer/common"
	"github.com/guarzo/apteligent-importer/common/config"
)

const usage = `Usage:
  apteligent-importer [global flags] <command> [command flags]

Commands:
  daily      import yesterday's daily statistics per app
  livestats  import live statistics every --interval minutes
  services   import web service statistics every 15 minutes
  groupedby  import statistics grouped by app version and carrier

Global flags:
`

var commands = []string{"daily", "livestats", "services", "groupedby"}

type options struct {
	configPath  string
	quiet       bool
	metricsAddr string
	command     string
	// interval overrides jobs.livestats_interval when non-zero.
	interval int
	once     bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	log, err := common.NewLogger(!opts.quiet)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.interval != 0 {
		cfg.Jobs.LiveStatsInterval = opts.interval
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.ListenAddr = opts.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for _, warning := range cfg.Warnings() {
		log.Warn(warning)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if cfg.Metrics.ListenAddr != "" {
		shutdown := serveMetrics(cfg.Metrics.ListenAddr, reg, log)
		defer shutdown()
	}

	imp, err := newImporter(cfg, log, reg)
	if err != nil {
		return err
	}
	log.Infof("Starting %s importer", opts.command)

	err = imp.run(ctx, opts.command, opts.once)
	if errors.Is(err, context.Canceled) {
		log.Infof("Shutting down")
		err = nil
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if flushErr := imp.sink.Flush(flushCtx); flushErr != nil {
		log.Errorf("Final flush: %v", flushErr)
	}
	return err
}

// parseArgs reads the global flags, the command and its flags.
func parseArgs(args []string) (*options, error) {
	opts := &options{}

	global := pflag.NewFlagSet("apteligent-importer", pflag.ContinueOnError)
	global.SetInterspersed(false)
	global.StringVar(&opts.configPath, "config", "", "configuration file (default $"+config.EnvVar+")")
	global.BoolVarP(&opts.quiet, "quiet", "q", false, "suppress debug level log messages")
	global.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	global.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		global.PrintDefaults()
	}
	if err := global.Parse(args); err != nil {
		return nil, err
	}

	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return nil, errors.New("missing command")
	}
	opts.command = rest[0]
	known := false
	for _, c := range commands {
		known = known || c == opts.command
	}
	if !known {
		return nil, fmt.Errorf("unknown command %q, want one of %v", opts.command, commands)
	}

	sub := pflag.NewFlagSet(opts.command, pflag.ContinueOnError)
	sub.BoolVar(&opts.once, "once", false, "run the import one time and exit")
	if opts.command == "livestats" {
		sub.IntVarP(&opts.interval, "interval", "i", 0, "polling interval in minutes from 1 upto 5")
	}
	if err := sub.Parse(rest[1:]); err != nil {
		return nil, err
	}
	if sub.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", sub.Arg(0))
	}
	if sub.Changed("interval") && (opts.interval < 1 || opts.interval > 5) {
		return nil, fmt.Errorf("interval %d not in valid range 1..5", opts.interval)
	}
	return opts, nil
}

// serveMetrics exposes reg on addr and returns a function that stops the
// server.
func serveMetrics(addr string, reg *prometheus.Registry, log common.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Infof("Serving metrics on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server: %v", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
