package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/docharvest/internal/crawler"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Download.Signature != "%PDF" || cfg.Download.Extension != ".pdf" {
		t.Fatalf("unexpected download defaults: %+v", cfg.Download)
	}
	if cfg.Worker.Concurrency != 3 {
		t.Fatalf("expected default concurrency 3, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.BaseDelay != 5*time.Second {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if len(cfg.Portal.ChallengeKeywords) != 1 || cfg.Portal.ChallengeKeywords[0] != "captcha" {
		t.Fatalf("unexpected challenge keywords: %v", cfg.Portal.ChallengeKeywords)
	}
	if cfg.Discover.Mode != DiscoverFile {
		t.Fatalf("expected file discovery, got %q", cfg.Discover.Mode)
	}
	if cfg.Publish.Enabled() {
		t.Fatal("publishing should be off by default")
	}
	if cfg.Audit.ErrorLog != "error_log.csv" {
		t.Fatalf("expected default error log name, got %q", cfg.Audit.ErrorLog)
	}
	if cfg.Browser.Enabled || cfg.GateEnabled() {
		t.Fatal("the browser should be off until a portal is configured")
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
portal:
  start_url: https://portal.example/search
  challenge_keywords: ["captcha", "verify you are human"]
  max_pages: 12
captcha:
  image_selector: "#captcha_img"
  max_attempts: 5
  settle_delay: 750ms
solver:
  endpoint: https://solver.example/solve
  timeout: 12s
download:
  output_dir: /srv/pdfs
  max_bytes: 1048576
  rate_limit_rps: 0.5
  user_agents: ["agent-a", "agent-b"]
  proxies: ["http://proxy-a.example:3128"]
retry:
  max_attempts: 4
  base_delay: 250ms
  multiplier: 1.5
worker:
  concurrency: 6
  checkpoint_interval: 10s
browser:
  enabled: true
discover:
  mode: links
  seeds: ["https://portal.example/list"]
  max_depth: 3
server:
  enabled: true
  port: 9090
logging:
  development: false
  level: debug
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Portal.ChallengeURL != "https://portal.example/search" {
		t.Fatalf("expected challenge url to default to start url, got %q", cfg.Portal.ChallengeURL)
	}
	if len(cfg.Portal.ChallengeKeywords) != 2 || cfg.Portal.MaxPages != 12 {
		t.Fatalf("expected portal overrides: %+v", cfg.Portal)
	}
	if cfg.Captcha.ImageSelector != "#captcha_img" || cfg.Captcha.MaxAttempts != 5 || cfg.Captcha.SettleDelay != 750*time.Millisecond {
		t.Fatalf("expected captcha overrides: %+v", cfg.Captcha)
	}
	if cfg.Captcha.InputSelector != "#captcha_input" {
		t.Fatalf("expected untouched captcha keys to keep defaults: %+v", cfg.Captcha)
	}
	if cfg.Solver.Endpoint != "https://solver.example/solve" || cfg.Solver.Timeout != 12*time.Second {
		t.Fatalf("expected solver overrides: %+v", cfg.Solver)
	}
	if cfg.Download.OutputDir != "/srv/pdfs" || cfg.Download.MaxBytes != 1<<20 || cfg.Download.RateLimitRPS != 0.5 {
		t.Fatalf("expected download overrides: %+v", cfg.Download)
	}
	if len(cfg.Download.UserAgents) != 2 || len(cfg.Download.Proxies) != 1 {
		t.Fatalf("expected rotation overrides: %+v", cfg.Download)
	}
	if cfg.Retry.MaxAttempts != 4 || cfg.Retry.Multiplier != 1.5 {
		t.Fatalf("expected retry overrides: %+v", cfg.Retry)
	}
	if cfg.Worker.Concurrency != 6 || cfg.Worker.CheckpointInterval != 10*time.Second {
		t.Fatalf("expected worker overrides: %+v", cfg.Worker)
	}
	if cfg.Discover.Mode != DiscoverLinks || len(cfg.Discover.Seeds) != 1 || cfg.Discover.MaxDepth != 3 {
		t.Fatalf("expected discover overrides: %+v", cfg.Discover)
	}
	if !cfg.Server.Enabled || cfg.Server.Port != 9090 {
		t.Fatalf("expected server overrides: %+v", cfg.Server)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides: %+v", cfg.Logging)
	}
	if !cfg.GateEnabled() {
		t.Fatal("expected gate to be enabled with a browser and a challenge url")
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("DOCHARVEST_SOLVER_API_KEY", "from-env")
	t.Setenv("DOCHARVEST_WORKER_CONCURRENCY", "9")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Solver.APIKey != "from-env" {
		t.Fatalf("expected api key from env, got %q", cfg.Solver.APIKey)
	}
	if cfg.Worker.Concurrency != 9 {
		t.Fatalf("expected concurrency from env, got %d", cfg.Worker.Concurrency)
	}
}

func TestLoadRejectsBrowserWithoutPortal(t *testing.T) {
	t.Setenv("DOCHARVEST_BROWSER_ENABLED", "true")

	_, err := Load("")
	if crawler.KindOf(err) != crawler.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if !strings.Contains(err.Error(), "portal.start_url") {
		t.Fatalf("expected the missing portal url to be named, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if crawler.KindOf(err) != crawler.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "output dir", mutate: func(c *Config) { c.Download.OutputDir = " " }, want: "download.output_dir"},
		{name: "max bytes", mutate: func(c *Config) { c.Download.MaxBytes = 0 }, want: "download.max_bytes"},
		{name: "retry attempts", mutate: func(c *Config) { c.Retry.MaxAttempts = 0 }, want: "retry.max_attempts"},
		{name: "concurrency", mutate: func(c *Config) { c.Worker.Concurrency = 0 }, want: "worker.concurrency"},
		{name: "captcha attempts", mutate: func(c *Config) { c.Captcha.MaxAttempts = 0 }, want: "captcha.max_attempts"},
		{name: "state path", mutate: func(c *Config) { c.State.Path = "" }, want: "state.path"},
		{
			name: "two mirrors",
			mutate: func(c *Config) {
				c.Mirror.GCSBucket = "bucket"
				c.Mirror.LocalDir = "/tmp/mirror"
			},
			want: "mutually exclusive",
		},
		{name: "half publish", mutate: func(c *Config) { c.Publish.Topic = "outcomes" }, want: "publish.project_id"},
		{name: "server port", mutate: func(c *Config) { c.Server.Enabled, c.Server.Port = true, 0 }, want: "server.port"},
		{name: "unknown mode", mutate: func(c *Config) { c.Discover.Mode = "sitemap" }, want: "discover.mode"},
		{
			name: "listing without browser",
			mutate: func(c *Config) {
				c.Discover.Mode = DiscoverListing
				c.Browser.Enabled = false
			},
			want: "requires browser.enabled",
		},
		{
			name: "browser without challenge url",
			mutate: func(c *Config) {
				c.Browser.Enabled = true
				c.Portal.StartURL, c.Portal.ChallengeURL = "", ""
			},
			want: "browser.enabled requires portal.start_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
			if crawler.KindOf(err) != crawler.KindConfiguration {
				t.Fatalf("expected configuration kind, got %q", crawler.KindOf(err))
			}
		})
	}
}
