// Package config loads the importer configuration.
//
// Configuration comes from a single YAML file given by the --config flag or
// the APTELIGENT_IMPORTER_CONFIG environment variable. There is no
// directory discovery: every path the importer touches is named here.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/guarzo/apteligent-importer/common/model"
)

// EnvVar names the environment variable consulted when no path is given.
const EnvVar = "APTELIGENT_IMPORTER_CONFIG"

// MaxBufferWarning is the buffer size above which flushes get expensive.
const MaxBufferWarning = 500

// Config is the whole configuration file.
type Config struct {
	Apteligent ApteligentConfig `yaml:"apteligent"`
	Graphite   GraphiteConfig   `yaml:"graphite"`
	Paths      PathsConfig      `yaml:"paths"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Jobs       JobsConfig       `yaml:"jobs"`

	// AppTimezones maps an app id to [name, gmtOffsetHours, countryCode].
	// The offset decides when daily counters are complete; the country
	// selects the carrier group map section.
	AppTimezones map[string]model.AppTimezone `yaml:"app_timezones"`
}

// ApteligentConfig configures the REST client.
type ApteligentConfig struct {
	// Hostname of the API, e.g. developers.crittercism.com. A value with a
	// scheme is used as the base URL as is.
	Hostname string `yaml:"hostname"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`

	// MetricRoot is the first element of every metric path.
	MetricRoot string `yaml:"metric_root"`

	UserAgent         string        `yaml:"user_agent"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Timeout           time.Duration `yaml:"timeout"`
}

// BaseURL returns the API root.
func (a ApteligentConfig) BaseURL() string {
	if strings.Contains(a.Hostname, "://") {
		return strings.TrimRight(a.Hostname, "/")
	}
	return "https://" + a.Hostname
}

// GraphiteConfig configures the carbon sink.
type GraphiteConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Protocol is plain, pickle or dummy.
	Protocol    string        `yaml:"protocol"`
	MaxBuffer   int           `yaml:"max_buffer"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// PathsConfig names the directories the importer reads and writes.
type PathsConfig struct {
	// ConfigDir holds the .blacklist, .whitelist and .map files.
	ConfigDir string `yaml:"config_dir"`
	// CacheDir holds the token and app catalog caches.
	CacheDir string `yaml:"cache_dir"`
	// SpillDir receives metric batches that could not be delivered.
	SpillDir string `yaml:"spill_dir"`
}

// MetricsConfig configures the Prometheus endpoint. An empty ListenAddr
// disables it.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// JobsConfig tunes the polling jobs.
type JobsConfig struct {
	// LiveStatsInterval is the livestats polling interval in minutes.
	LiveStatsInterval int `yaml:"livestats_interval"`
	// ServicesRetryDelay is the pause before failed service stats
	// requests are re-issued.
	ServicesRetryDelay time.Duration `yaml:"services_retry_delay"`
}

// Default returns the values used for keys the file leaves out.
func Default() *Config {
	return &Config{
		Apteligent: ApteligentConfig{
			Hostname:  "developers.crittercism.com",
			UserAgent: "apteligent-importer",
			Timeout:   30 * time.Second,
		},
		Graphite: GraphiteConfig{
			Protocol:    "plain",
			MaxBuffer:   500,
			DialTimeout: 10 * time.Second,
		},
		Paths: PathsConfig{
			ConfigDir: "${HOME}/.config/apteligent-importer",
			CacheDir:  "${HOME}/.cache/apteligent-importer",
			SpillDir:  "${HOME}/.cache/apteligent-importer/spill",
		},
		Jobs: JobsConfig{
			LiveStatsInterval:  2,
			ServicesRetryDelay: 2 * time.Minute,
		},
	}
}

// Load reads the file at path, or the file named by APTELIGENT_IMPORTER_CONFIG
// when path is empty.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return nil, fmt.Errorf("no configuration file: pass --config or set %s", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile reads and decodes the file at path over the defaults. Unknown
// keys are rejected.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg := Default()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) expandVariables() {
	c.Paths.ConfigDir = expandVars(c.Paths.ConfigDir)
	c.Paths.CacheDir = expandVars(c.Paths.CacheDir)
	c.Paths.SpillDir = expandVars(c.Paths.SpillDir)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} from the environment.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

var protocols = []string{"plain", "pickle", "dummy"}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	a := c.Apteligent
	if a.Hostname == "" {
		errs = append(errs, errors.New("apteligent.hostname is required"))
	}
	if a.Username == "" {
		errs = append(errs, errors.New("apteligent.username is required"))
	}
	if a.Password == "" {
		errs = append(errs, errors.New("apteligent.password is required"))
	}
	if a.ClientID == "" {
		errs = append(errs, errors.New("apteligent.client_id is required"))
	}
	if a.MetricRoot == "" {
		errs = append(errs, errors.New("apteligent.metric_root is required"))
	}
	if a.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("apteligent.requests_per_second must not be negative"))
	}

	g := c.Graphite
	if !contains(protocols, g.Protocol) {
		errs = append(errs, fmt.Errorf("graphite.protocol must be one of: %v", protocols))
	}
	if g.Protocol != "dummy" {
		if g.Host == "" {
			errs = append(errs, errors.New("graphite.host is required"))
		}
		if g.Port <= 0 || g.Port > 65535 {
			errs = append(errs, fmt.Errorf("graphite.port %d out of range", g.Port))
		}
	}
	if g.MaxBuffer <= 0 {
		errs = append(errs, errors.New("graphite.max_buffer must be positive"))
	}

	if c.Paths.ConfigDir == "" {
		errs = append(errs, errors.New("paths.config_dir is required"))
	}
	if c.Paths.CacheDir == "" {
		errs = append(errs, errors.New("paths.cache_dir is required"))
	}

	if n := c.Jobs.LiveStatsInterval; n < 1 || n > 5 {
		errs = append(errs, fmt.Errorf("jobs.livestats_interval %d not in 1..5", n))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Warnings lists settings that are valid but unwise.
func (c *Config) Warnings() []string {
	var out []string
	if c.Graphite.MaxBuffer > MaxBufferWarning {
		out = append(out, fmt.Sprintf("graphite.max_buffer %d higher than %d could hurt performance",
			c.Graphite.MaxBuffer, MaxBufferWarning))
	}
	return out
}

// EnsurePaths creates the cache and spill directories.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.CacheDir, c.Paths.SpillDir} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
