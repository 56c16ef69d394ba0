// Package config loads and validates docharvest configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/docharvest/internal/captcha"
	"github.com/JakeFAU/docharvest/internal/crawler"
	"github.com/JakeFAU/docharvest/internal/worker"
)

// EnvPrefix prefixes every environment override, e.g. DOCHARVEST_SOLVER_API_KEY.
const EnvPrefix = "DOCHARVEST"

// Discovery modes.
const (
	DiscoverFile    = "file"
	DiscoverLinks   = "links"
	DiscoverListing = "listing"
)

// Config captures all knobs loaded via Viper. It is read-only after Load.
type Config struct {
	Portal   PortalConfig         `mapstructure:"portal"`
	Captcha  captcha.Config       `mapstructure:"captcha"`
	Solver   captcha.RemoteConfig `mapstructure:"solver"`
	Download DownloadConfig       `mapstructure:"download"`
	Retry    crawler.RetryConfig  `mapstructure:"retry"`
	Worker   worker.Config        `mapstructure:"worker"`
	State    StateConfig          `mapstructure:"state"`
	Audit    AuditConfig          `mapstructure:"audit"`
	Publish  PublishConfig        `mapstructure:"publish"`
	Mirror   MirrorConfig         `mapstructure:"mirror"`
	Browser  BrowserConfig        `mapstructure:"browser"`
	Discover DiscoverConfig       `mapstructure:"discover"`
	Server   ServerConfig         `mapstructure:"server"`
	Logging  LoggingConfig        `mapstructure:"logging"`
}

// PortalConfig describes the portal being harvested.
type PortalConfig struct {
	StartURL string `mapstructure:"start_url"`
	// ChallengeURL is opened before solving; defaults to StartURL.
	ChallengeURL      string   `mapstructure:"challenge_url"`
	ChallengeKeywords []string `mapstructure:"challenge_keywords"`
	LinkSelector      string   `mapstructure:"link_selector"`
	NextSelector      string   `mapstructure:"next_selector"`
	MaxPages          int      `mapstructure:"max_pages"`
}

// DownloadConfig governs document fetching and validation.
type DownloadConfig struct {
	OutputDir            string        `mapstructure:"output_dir"`
	Timeout              time.Duration `mapstructure:"timeout"`
	Signature            string        `mapstructure:"signature"`
	Extension            string        `mapstructure:"extension"`
	MaxBytes             int64         `mapstructure:"max_bytes"`
	StructuralValidation bool          `mapstructure:"structural_validation"`
	RateLimitRPS         float64       `mapstructure:"rate_limit_rps"`
	Burst                int           `mapstructure:"burst"`
	UserAgent            string        `mapstructure:"user_agent"`
	// UserAgents are rotated per request; UserAgent is used when empty.
	UserAgents []string `mapstructure:"user_agents"`
	// Proxies are used round-robin by downloads and link discovery. The
	// browser keeps the first one for its whole session.
	Proxies     []string `mapstructure:"proxies"`
	ContentType string   `mapstructure:"content_type"`
}

// StateConfig locates the resume state file.
type StateConfig struct {
	Path string `mapstructure:"path"`
}

// AuditConfig selects audit sinks. CSV files are always written; Postgres is
// added when a DSN is set.
type AuditConfig struct {
	Dir string `mapstructure:"dir"`
	// ErrorLog is a file name under Dir for typed failure rows; empty disables it.
	ErrorLog         string        `mapstructure:"error_log"`
	PostgresDSN      string        `mapstructure:"postgres_dsn"`
	PostgresTable    string        `mapstructure:"postgres_table"`
	PostgresMaxConns int32         `mapstructure:"postgres_max_conns"`
	PostgresLifetime time.Duration `mapstructure:"postgres_conn_lifetime"`
}

// PublishConfig enables Pub/Sub outcome events when both fields are set.
type PublishConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Enabled reports whether outcome events should be published.
func (p PublishConfig) Enabled() bool {
	return p.ProjectID != "" && p.Topic != ""
}

// MirrorConfig selects at most one artifact mirror.
type MirrorConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// BrowserConfig controls the rendered session used for challenges and listings.
type BrowserConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Headless   bool          `mapstructure:"headless"`
	UserAgent  string        `mapstructure:"user_agent"`
	NavTimeout time.Duration `mapstructure:"nav_timeout"`
	ExecPath   string        `mapstructure:"exec_path"`
}

// DiscoverConfig selects where crawl targets come from.
type DiscoverConfig struct {
	Mode          string        `mapstructure:"mode"`
	TargetsFile   string        `mapstructure:"targets_file"`
	Seeds         []string      `mapstructure:"seeds"`
	LinkPattern   string        `mapstructure:"link_pattern"`
	MaxDepth      int           `mapstructure:"max_depth"`
	Delay         time.Duration `mapstructure:"delay"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Buffer        int           `mapstructure:"buffer"`
}

// ServerConfig controls the operator HTTP server.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, crawler.NewError(crawler.KindConfiguration, "read config", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, crawler.NewError(crawler.KindConfiguration, "unmarshal config", err)
	}
	if cfg.Portal.ChallengeURL == "" {
		cfg.Portal.ChallengeURL = cfg.Portal.StartURL
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("portal.start_url", "")
	v.SetDefault("portal.challenge_url", "")
	v.SetDefault("portal.challenge_keywords", []string{"captcha"})
	v.SetDefault("portal.link_selector", "a[href$='.pdf']")
	v.SetDefault("portal.next_selector", "")
	v.SetDefault("portal.max_pages", 1)

	v.SetDefault("captcha.image_selector", "#captcha")
	v.SetDefault("captcha.input_selector", "#captcha_input")
	v.SetDefault("captcha.submit_selector", `//input[@type="submit"]`)
	v.SetDefault("captcha.failure_marker", "Invalid CAPTCHA")
	v.SetDefault("captcha.settle_delay", 2*time.Second)
	v.SetDefault("captcha.element_timeout", 10*time.Second)
	v.SetDefault("captcha.max_attempts", 3)
	v.SetDefault("captcha.image_path", "data/captcha.png")

	v.SetDefault("solver.endpoint", "")
	v.SetDefault("solver.api_key", "")
	v.SetDefault("solver.timeout", 30*time.Second)

	v.SetDefault("download.output_dir", "data/pdfs")
	v.SetDefault("download.timeout", 60*time.Second)
	v.SetDefault("download.signature", "%PDF")
	v.SetDefault("download.extension", ".pdf")
	v.SetDefault("download.max_bytes", int64(200<<20))
	v.SetDefault("download.structural_validation", false)
	v.SetDefault("download.rate_limit_rps", 1.0)
	v.SetDefault("download.burst", 1)
	v.SetDefault("download.user_agent", "docharvest/0.1")
	v.SetDefault("download.user_agents", []string{})
	v.SetDefault("download.proxies", []string{})
	v.SetDefault("download.content_type", "application/pdf")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 5*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 500*time.Millisecond)

	v.SetDefault("worker.concurrency", worker.DefaultConcurrency)
	v.SetDefault("worker.checkpoint_interval", 30*time.Second)

	v.SetDefault("state.path", "data/resume_state.json")

	v.SetDefault("audit.dir", "data/csv")
	v.SetDefault("audit.error_log", "error_log.csv")
	v.SetDefault("audit.postgres_dsn", "")
	v.SetDefault("audit.postgres_table", "audit_records")
	v.SetDefault("audit.postgres_max_conns", int32(4))
	v.SetDefault("audit.postgres_conn_lifetime", time.Hour)

	v.SetDefault("publish.project_id", "")
	v.SetDefault("publish.topic", "")

	v.SetDefault("mirror.gcs_bucket", "")
	v.SetDefault("mirror.local_dir", "")
	v.SetDefault("mirror.prefix", "documents")

	v.SetDefault("browser.enabled", false)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.nav_timeout", 30*time.Second)
	v.SetDefault("browser.exec_path", "")

	v.SetDefault("discover.mode", DiscoverFile)
	v.SetDefault("discover.targets_file", "")
	v.SetDefault("discover.seeds", []string{})
	v.SetDefault("discover.link_pattern", `(?i)\.pdf(\?.*)?$`)
	v.SetDefault("discover.max_depth", 2)
	v.SetDefault("discover.delay", time.Second)
	v.SetDefault("discover.respect_robots", true)
	v.SetDefault("discover.buffer", 64)

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}
	check(strings.TrimSpace(c.Download.OutputDir) != "", "download.output_dir is required")
	check(c.Download.Timeout > 0, "download.timeout must be > 0")
	check(c.Download.Signature != "", "download.signature is required")
	check(c.Download.MaxBytes > 0, "download.max_bytes must be > 0")
	check(c.Download.RateLimitRPS >= 0, "download.rate_limit_rps must be >= 0")
	check(c.Retry.MaxAttempts > 0, "retry.max_attempts must be > 0")
	check(c.Retry.BaseDelay >= 0, "retry.base_delay must be >= 0")
	check(c.Worker.Concurrency > 0, "worker.concurrency must be > 0")
	check(c.Captcha.MaxAttempts > 0, "captcha.max_attempts must be > 0")
	check(strings.TrimSpace(c.State.Path) != "", "state.path is required")
	check(strings.TrimSpace(c.Audit.Dir) != "", "audit.dir is required")
	check(c.Mirror.GCSBucket == "" || c.Mirror.LocalDir == "", "mirror.gcs_bucket and mirror.local_dir are mutually exclusive")
	check((c.Publish.ProjectID == "") == (c.Publish.Topic == ""), "publish.project_id and publish.topic must be set together")
	check(!c.Server.Enabled || c.Server.Port > 0, "server.port must be > 0 when the server is enabled")

	check(!c.Browser.Enabled || strings.TrimSpace(c.Portal.ChallengeURL) != "",
		"browser.enabled requires portal.start_url or portal.challenge_url")

	switch c.Discover.Mode {
	case DiscoverFile, DiscoverLinks:
	case DiscoverListing:
		check(c.Browser.Enabled, "discover.mode listing requires browser.enabled")
	default:
		errs = append(errs, fmt.Errorf("discover.mode %q is not one of file, links, listing", c.Discover.Mode))
	}

	if len(errs) > 0 {
		return crawler.NewError(crawler.KindConfiguration, "validate config", errors.Join(errs...))
	}
	return nil
}

// GateEnabled reports whether challenges can be cleared in this configuration.
func (c Config) GateEnabled() bool {
	return c.Browser.Enabled && c.Portal.ChallengeURL != ""
}
