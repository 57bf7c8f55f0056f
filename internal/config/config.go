// Package config loads the harvester configuration from a YAML file,
// applies environment overrides, and maps each section onto the
// component config structs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/Rorqualx/harvester/internal/captcha"
	"github.com/Rorqualx/harvester/internal/coordinator"
	"github.com/Rorqualx/harvester/internal/flare"
	"github.com/Rorqualx/harvester/internal/httpx"
	"github.com/Rorqualx/harvester/internal/proxy"
	"github.com/Rorqualx/harvester/internal/robots"
	"github.com/Rorqualx/harvester/internal/session"
	"github.com/Rorqualx/harvester/internal/useragent"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxConcurrency       = 256
	maxAttempts          = 10
	maxBypassAttempts    = 100
	maxTimeoutSeconds    = 600
	maxSessionTTLHours   = 168 // one week
	maxResumeWindowHours = 720 // thirty days
)

// Config is the full configuration tree. Every section is optional;
// zero sections fall back to component defaults.
type Config struct {
	Logging  Logging         `yaml:"logging"`
	HTTP     HTTP            `yaml:"http"`
	Request  Request         `yaml:"request"`
	Proxy    ProxySection    `yaml:"proxy_infrastructure"`
	Captcha  CaptchaSection  `yaml:"captcha_solving"`
	UA       UASection       `yaml:"user_agent_rotation"`
	Robots   RobotsSection   `yaml:"robots_compliance"`
	Solver   SolverSection   `yaml:"flaresolverr"`
	Guard    GuardSection    `yaml:"guard_detection"`
	Antibot  AntibotSection  `yaml:"antibot_integration"`
	Sessions SessionsSection `yaml:"session_storage"`
	Export   ExportSection   `yaml:"export"`
	Metrics  MetricsSection  `yaml:"metrics"`
}

// Logging configures the zerolog global level.
type Logging struct {
	Level string `yaml:"level"`
}

// HTTP configures the per-attempt transport.
type HTTP struct {
	TimeoutSeconds        int   `yaml:"timeout_seconds"`
	ConnectTimeoutSeconds int   `yaml:"connect_timeout_seconds"`
	FollowRedirects       *bool `yaml:"follow_redirects"`
	VerifyTLS             *bool `yaml:"verify_tls"`
}

// Request configures the coordinator's attempt loop.
type Request struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// ProxySection mirrors the proxy_infrastructure config block.
type ProxySection struct {
	Enabled       *bool    `yaml:"enabled"`
	Strategy      string   `yaml:"strategy"`
	StaticProxies []string `yaml:"static_proxies"`

	Requirements struct {
		Country  string `yaml:"country"`
		Protocol string `yaml:"protocol"`
	} `yaml:"requirements"`

	ProxyHealth struct {
		ConcurrentChecks    int     `yaml:"concurrent_checks"`
		ProbeTimeoutSeconds int     `yaml:"probe_timeout_seconds"`
		MaxFailures         int     `yaml:"max_failures"`
		MinSuccessRate      float64 `yaml:"min_success_rate"`
		MinObservations     int     `yaml:"min_observations"`
	} `yaml:"proxy_health"`

	PremiumProxies struct {
		Enabled                bool    `yaml:"enabled"`
		APIURL                 string  `yaml:"api_url"`
		APIKeyEnv              string  `yaml:"api_key_env"`
		RefreshIntervalMinutes int     `yaml:"refresh_interval_minutes"`
		AutoPurchase           bool    `yaml:"auto_purchase"`
		MaxMonthlyCost         float64 `yaml:"max_monthly_cost"`
		CostPerProxy           float64 `yaml:"cost_per_proxy"`
		BatchSize              int     `yaml:"batch_size"`
		PeriodDays             int     `yaml:"period_days"`
		Country                string  `yaml:"country"`
		ProxyType              string  `yaml:"proxy_type"`
		MinBalance             float64 `yaml:"min_balance"`
	} `yaml:"premium_proxies"`

	Backoff struct {
		FailureThreshold      int `yaml:"failure_threshold"`
		CircuitTimeoutSeconds int `yaml:"circuit_timeout_seconds"`
	} `yaml:"backoff"`

	ContentValidation struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"content_validation"`

	Pool struct {
		TargetSize                 int `yaml:"target_size"`
		MinHealthy                 int `yaml:"min_healthy"`
		MinSize                    int `yaml:"min_size"`
		MaxSize                    int `yaml:"max_size"`
		HealthCheckIntervalMinutes int `yaml:"health_check_interval_minutes"`
		BurnedRetentionHours       int `yaml:"burned_retention_hours"`
	} `yaml:"pool"`
}

// CaptchaSection mirrors the captcha_solving config block.
type CaptchaSection struct {
	Enabled                bool   `yaml:"enabled"`
	APIKeyEnv              string `yaml:"api_key_env"`
	APIURL                 string `yaml:"api_url"`
	TimeoutSeconds         int    `yaml:"timeout_seconds"`
	PollingIntervalSeconds int    `yaml:"polling_interval_seconds"`

	PerformanceSettings struct {
		RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	} `yaml:"performance_settings"`

	CostTracking struct {
		MinBalance float64 `yaml:"min_balance"`
		DailyLimit float64 `yaml:"daily_limit"`
		SoftLimit  float64 `yaml:"soft_limit"`
	} `yaml:"cost_tracking"`
}

// UASection mirrors the user_agent_rotation config block.
type UASection struct {
	Strategy             string `yaml:"strategy"`
	Pool                 string `yaml:"pool"`
	RefreshIntervalHours int    `yaml:"refresh_interval_hours"`

	Filtering struct {
		MinChromeVersion int     `yaml:"min_chrome_version"`
		ExcludeMobile    *bool   `yaml:"exclude_mobile"`
		ExcludeBots      *bool   `yaml:"exclude_bots"`
		ChromeShare      float64 `yaml:"chrome_share"`
	} `yaml:"filtering"`
}

// RobotsSection mirrors the robots_compliance config block.
type RobotsSection struct {
	Enabled           *bool  `yaml:"enabled"`
	RespectCrawlDelay *bool  `yaml:"respect_crawl_delay"`
	RespectDisallow   *bool  `yaml:"respect_disallow"`
	DefaultUserAgent  string `yaml:"default_user_agent"`
	CacheTTLHours     int    `yaml:"cache_ttl_hours"`

	CrawlDelaySettings struct {
		DefaultSeconds float64 `yaml:"default_seconds"`
		MinSeconds     float64 `yaml:"min_seconds"`
		MaxSeconds     float64 `yaml:"max_seconds"`
	} `yaml:"crawl_delay_settings"`

	ComplianceOverrides struct {
		IgnoreDomains []string `yaml:"ignore_domains"`
		ForceAllow    []string `yaml:"force_allow"`
		TestingMode   bool     `yaml:"testing_mode"`
	} `yaml:"compliance_overrides"`
}

// SolverSection mirrors the flaresolverr config block.
type SolverSection struct {
	Enabled      bool   `yaml:"enabled"`
	Endpoint     string `yaml:"endpoint"`
	MaxTimeoutMS int    `yaml:"max_timeout_ms"`

	RetryPolicy struct {
		MaxRetries       int `yaml:"max_retries"`
		BaseDelaySeconds int `yaml:"base_delay_seconds"`
	} `yaml:"retry_policy"`

	SessionManagement struct {
		TTLMinutes int `yaml:"ttl_minutes"`
	} `yaml:"session_management"`

	IntegrationSettings struct {
		RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
		HealthIntervalSeconds int `yaml:"health_interval_seconds"`
	} `yaml:"integration_settings"`
}

// GuardSection mirrors the guard_detection config block.
type GuardSection struct {
	MaxBypassAttempts int                      `yaml:"max_bypass_attempts"`
	CooldownSeconds   int                      `yaml:"cooldown_seconds"`
	DomainOverrides   map[string]GuardOverride `yaml:"domain_overrides"`
}

// GuardOverride tunes guard handling for one domain.
type GuardOverride struct {
	SuppressStatusEscalation bool `yaml:"suppress_status_escalation"`
}

// AntibotSection mirrors the antibot_integration config block.
type AntibotSection struct {
	DomainOverrides map[string]AntibotOverride `yaml:"domain_overrides"`
}

// AntibotOverride tunes the challenge solver for one domain.
type AntibotOverride struct {
	WaitForSelectors    []string `yaml:"wait_for_selectors"`
	PlaywrightWaitSecs  int      `yaml:"playwright_wait_seconds"`
	NavigationRetries   int      `yaml:"navigation_retries"`
	RetryBackoffSeconds int      `yaml:"retry_backoff_seconds"`
}

// SessionsSection configures the encrypted per-domain session store.
type SessionsSection struct {
	Dir                   string `yaml:"dir"`
	TTLHours              int    `yaml:"ttl_hours"`
	AutoRefresh           *bool  `yaml:"auto_refresh"`
	RefreshThresholdHours int    `yaml:"refresh_threshold_hours"`
}

// ExportSection configures the run's export behaviour.
type ExportSection struct {
	Dir               string `yaml:"dir"`
	Name              string `yaml:"name"`
	Concurrency       int    `yaml:"concurrency"`
	Resume            *bool  `yaml:"resume"`
	ResumeWindowHours int    `yaml:"resume_window_hours"`
	SkipExisting      bool   `yaml:"skip_existing"`
	ReportsDir        string `yaml:"reports_dir"`
}

// MetricsSection configures the Prometheus endpoint.
type MetricsSection struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Default returns the configuration with every section empty, meaning
// component defaults apply everywhere.
func Default() *Config {
	return &Config{}
}

// Load reads the YAML file at path and applies environment overrides.
// An empty path or a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				log.Warn().Str("path", path).Msg("Config file not found, using defaults")
			} else {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv layers environment overrides over the file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HARVESTER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Export.Concurrency = n
		}
	}
	if v := os.Getenv("FLARESOLVERR_ENDPOINT"); v != "" {
		c.Solver.Endpoint = v
		c.Solver.Enabled = true
	}
	if v := os.Getenv("PROXY_LIST"); v != "" {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Proxy.StaticProxies = append(c.Proxy.StaticProxies, p)
			}
		}
	}
}

// Validate clamps out-of-range values and logs what it changed. Invalid
// values never abort the run.
func (c *Config) Validate() {
	level := strings.ToLower(c.Logging.Level)
	switch level {
	case "", "trace", "debug", "info", "warn", "error", "fatal":
	default:
		log.Warn().Str("level", c.Logging.Level).Msg("Invalid log level, using 'info'")
		c.Logging.Level = "info"
	}

	if c.Request.MaxAttempts < 0 {
		log.Warn().Int("attempts", c.Request.MaxAttempts).Msg("Negative max_attempts, using default")
		c.Request.MaxAttempts = 0
	} else if c.Request.MaxAttempts > maxAttempts {
		log.Warn().Int("attempts", c.Request.MaxAttempts).Int("max", maxAttempts).
			Msg("max_attempts too high, capping")
		c.Request.MaxAttempts = maxAttempts
	}

	if c.HTTP.TimeoutSeconds > maxTimeoutSeconds {
		log.Warn().Int("seconds", c.HTTP.TimeoutSeconds).Int("max", maxTimeoutSeconds).
			Msg("HTTP timeout too high, capping")
		c.HTTP.TimeoutSeconds = maxTimeoutSeconds
	}
	if c.HTTP.TimeoutSeconds < 0 {
		log.Warn().Int("seconds", c.HTTP.TimeoutSeconds).Msg("Negative HTTP timeout, using default")
		c.HTTP.TimeoutSeconds = 0
	}

	if c.Export.Concurrency > maxConcurrency {
		log.Warn().Int("concurrency", c.Export.Concurrency).Int("max", maxConcurrency).
			Msg("Concurrency too high, capping")
		c.Export.Concurrency = maxConcurrency
	}
	if c.Export.Concurrency < 0 {
		log.Warn().Int("concurrency", c.Export.Concurrency).Msg("Negative concurrency, using default")
		c.Export.Concurrency = 0
	}
	if c.Export.ResumeWindowHours > maxResumeWindowHours {
		log.Warn().Int("hours", c.Export.ResumeWindowHours).Int("max", maxResumeWindowHours).
			Msg("Resume window too long, capping")
		c.Export.ResumeWindowHours = maxResumeWindowHours
	}

	if c.Guard.MaxBypassAttempts > maxBypassAttempts {
		log.Warn().Int("attempts", c.Guard.MaxBypassAttempts).Int("max", maxBypassAttempts).
			Msg("Bypass budget too high, capping")
		c.Guard.MaxBypassAttempts = maxBypassAttempts
	}
	if c.Guard.MaxBypassAttempts < 0 {
		log.Warn().Int("attempts", c.Guard.MaxBypassAttempts).Msg("Negative bypass budget, using default")
		c.Guard.MaxBypassAttempts = 0
	}

	if c.Sessions.TTLHours > maxSessionTTLHours {
		log.Warn().Int("hours", c.Sessions.TTLHours).Int("max", maxSessionTTLHours).
			Msg("Session TTL too long, capping")
		c.Sessions.TTLHours = maxSessionTTLHours
	}

	if c.Captcha.Enabled && c.Captcha.APIKeyEnv == "" {
		c.Captcha.APIKeyEnv = "TWOCAPTCHA_API_KEY"
	}
	if c.Captcha.Enabled && os.Getenv(c.captchaKeyEnv()) == "" {
		log.Warn().Str("env", c.captchaKeyEnv()).
			Msg("CAPTCHA solving enabled but API key env is empty, disabling")
		c.Captcha.Enabled = false
	}

	if c.Proxy.PremiumProxies.Enabled && os.Getenv(c.premiumKeyEnv()) == "" {
		log.Warn().Str("env", c.premiumKeyEnv()).
			Msg("Premium proxies enabled but API key env is empty, disabling")
		c.Proxy.PremiumProxies.Enabled = false
	}

	if c.Solver.Enabled && c.Solver.Endpoint == "" {
		log.Warn().Msg("Solver enabled without endpoint, using default localhost:8191")
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9641"
	}
}

func (c *Config) captchaKeyEnv() string {
	if c.Captcha.APIKeyEnv != "" {
		return c.Captcha.APIKeyEnv
	}
	return "TWOCAPTCHA_API_KEY"
}

func (c *Config) premiumKeyEnv() string {
	if c.Proxy.PremiumProxies.APIKeyEnv != "" {
		return c.Proxy.PremiumProxies.APIKeyEnv
	}
	return "PROXY_API_KEY"
}

// HTTPConfig maps the http section onto the transport config.
func (c *Config) HTTPConfig() httpx.Config {
	out := httpx.DefaultConfig()
	if c.HTTP.TimeoutSeconds > 0 {
		out.Timeout = time.Duration(c.HTTP.TimeoutSeconds) * time.Second
	}
	if c.HTTP.ConnectTimeoutSeconds > 0 {
		out.ConnectTimeout = time.Duration(c.HTTP.ConnectTimeoutSeconds) * time.Second
	}
	if c.HTTP.FollowRedirects != nil {
		out.FollowRedirects = *c.HTTP.FollowRedirects
	}
	if c.HTTP.VerifyTLS != nil {
		out.VerifyTLS = *c.HTTP.VerifyTLS
	}
	return out
}

// RotatorConfig maps the proxy pool settings.
func (c *Config) RotatorConfig() proxy.RotatorConfig {
	out := proxy.DefaultRotatorConfig()
	if c.Proxy.Strategy != "" {
		out.Strategy = c.Proxy.Strategy
	}
	p := c.Proxy.Pool
	if p.TargetSize > 0 {
		out.TargetPoolSize = p.TargetSize
	}
	if p.MinHealthy > 0 {
		out.MinHealthy = p.MinHealthy
	}
	if p.MinSize > 0 {
		out.MinPoolSize = p.MinSize
	}
	if p.MaxSize > 0 {
		out.MaxPoolSize = p.MaxSize
	}
	if p.HealthCheckIntervalMinutes > 0 {
		out.HealthCheckInterval = time.Duration(p.HealthCheckIntervalMinutes) * time.Minute
	}
	if p.BurnedRetentionHours > 0 {
		out.BurnedRetention = time.Duration(p.BurnedRetentionHours) * time.Hour
	}
	if c.Export.Concurrency > 0 {
		out.Concurrency = c.Export.Concurrency
	}
	return out
}

// HealthConfig maps the proxy_health settings.
func (c *Config) HealthConfig() proxy.HealthConfig {
	out := proxy.DefaultHealthConfig()
	h := c.Proxy.ProxyHealth
	if h.ConcurrentChecks > 0 {
		out.ConcurrentChecks = h.ConcurrentChecks
	}
	if h.ProbeTimeoutSeconds > 0 {
		out.ProbeTimeout = time.Duration(h.ProbeTimeoutSeconds) * time.Second
	}
	if h.MaxFailures > 0 {
		out.MaxFailuresBeforeReplacement = h.MaxFailures
	}
	if h.MinSuccessRate > 0 {
		out.MinSuccessRate = h.MinSuccessRate
	}
	if h.MinObservations > 0 {
		out.MinObservations = h.MinObservations
	}
	return out
}

// PremiumConfig maps the premium_proxies settings. The API key comes
// from the named environment variable, never the file.
func (c *Config) PremiumConfig() proxy.PremiumConfig {
	out := proxy.DefaultPremiumConfig()
	p := c.Proxy.PremiumProxies
	out.Enabled = p.Enabled
	out.APIKey = os.Getenv(c.premiumKeyEnv())
	if p.APIURL != "" {
		out.APIBase = p.APIURL
	}
	if p.RefreshIntervalMinutes > 0 {
		out.RefreshInterval = time.Duration(p.RefreshIntervalMinutes) * time.Minute
	}
	out.AutoPurchase = p.AutoPurchase
	if p.MaxMonthlyCost > 0 {
		out.MaxMonthlyCost = p.MaxMonthlyCost
	}
	if p.CostPerProxy > 0 {
		out.CostPerProxy = p.CostPerProxy
	}
	if p.BatchSize > 0 {
		out.BatchSize = p.BatchSize
	}
	if p.PeriodDays > 0 {
		out.PeriodDays = p.PeriodDays
	}
	if p.Country != "" {
		out.Country = p.Country
	}
	if p.ProxyType != "" {
		out.ProxyType = p.ProxyType
	}
	if p.MinBalance > 0 {
		out.MinBalance = p.MinBalance
	}
	return out
}

// Requirements maps the per-request proxy requirements.
func (c *Config) Requirements() proxy.Requirements {
	return proxy.Requirements{
		Country:  c.Proxy.Requirements.Country,
		Protocol: c.Proxy.Requirements.Protocol,
	}
}

// CaptchaConfig maps the captcha_solving settings. The API key comes
// from the named environment variable.
func (c *Config) CaptchaConfig() captcha.Config {
	out := captcha.DefaultConfig()
	out.Enabled = c.Captcha.Enabled
	out.APIKey = os.Getenv(c.captchaKeyEnv())
	if c.Captcha.APIURL != "" {
		out.APIBase = c.Captcha.APIURL
	}
	if c.Captcha.TimeoutSeconds > 0 {
		out.MaxSolveTime = time.Duration(c.Captcha.TimeoutSeconds) * time.Second
	}
	if c.Captcha.PollingIntervalSeconds > 0 {
		out.PollingInterval = time.Duration(c.Captcha.PollingIntervalSeconds) * time.Second
	}
	if c.Captcha.PerformanceSettings.RequestTimeoutSeconds > 0 {
		out.RequestTimeout = time.Duration(c.Captcha.PerformanceSettings.RequestTimeoutSeconds) * time.Second
	}
	if c.Captcha.CostTracking.MinBalance > 0 {
		out.MinBalance = c.Captcha.CostTracking.MinBalance
	}
	if c.Captcha.CostTracking.DailyLimit > 0 {
		out.DailyLimit = c.Captcha.CostTracking.DailyLimit
	}
	if c.Captcha.CostTracking.SoftLimit > 0 {
		out.SoftCostLimit = c.Captcha.CostTracking.SoftLimit
	}
	return out
}

// UAConfig maps the user_agent_rotation settings.
func (c *Config) UAConfig() useragent.Config {
	out := useragent.DefaultConfig()
	if c.UA.Strategy != "" {
		out.Strategy = c.UA.Strategy
	}
	if c.UA.Pool != "" {
		out.Pool = useragent.PoolKind(c.UA.Pool)
	}
	if c.UA.RefreshIntervalHours > 0 {
		out.RefreshInterval = time.Duration(c.UA.RefreshIntervalHours) * time.Hour
	}
	f := c.UA.Filtering
	if f.MinChromeVersion > 0 {
		out.Filter.MinChromeVersion = f.MinChromeVersion
	}
	if f.ExcludeMobile != nil {
		out.Filter.ExcludeMobile = *f.ExcludeMobile
	}
	if f.ExcludeBots != nil {
		out.Filter.ExcludeBots = *f.ExcludeBots
	}
	if f.ChromeShare > 0 {
		out.Filter.ChromeShare = f.ChromeShare
	}
	return out
}

// RobotsConfig maps the robots_compliance settings.
func (c *Config) RobotsConfig() robots.Config {
	out := robots.DefaultConfig()
	if c.Robots.Enabled != nil {
		out.Enabled = *c.Robots.Enabled
	}
	if c.Robots.RespectCrawlDelay != nil {
		out.RespectCrawlDelay = *c.Robots.RespectCrawlDelay
	}
	if c.Robots.RespectDisallow != nil {
		out.RespectDisallow = *c.Robots.RespectDisallow
	}
	if c.Robots.DefaultUserAgent != "" {
		out.DefaultUserAgent = c.Robots.DefaultUserAgent
	}
	if c.Robots.CacheTTLHours > 0 {
		out.CacheTTL = time.Duration(c.Robots.CacheTTLHours) * time.Hour
	}
	d := c.Robots.CrawlDelaySettings
	if d.DefaultSeconds > 0 {
		out.DefaultDelay = time.Duration(d.DefaultSeconds * float64(time.Second))
	}
	if d.MinSeconds > 0 {
		out.MinDelay = time.Duration(d.MinSeconds * float64(time.Second))
	}
	if d.MaxSeconds > 0 {
		out.MaxDelay = time.Duration(d.MaxSeconds * float64(time.Second))
	}
	o := c.Robots.ComplianceOverrides
	out.IgnoreDomains = o.IgnoreDomains
	out.ForceAllow = o.ForceAllow
	out.TestingMode = o.TestingMode
	return out
}

// SolverConfig maps the flaresolverr settings, including per-domain
// tuning derived from the antibot_integration overrides.
func (c *Config) SolverConfig() flare.Config {
	out := flare.DefaultConfig()
	out.Enabled = c.Solver.Enabled
	if c.Solver.Endpoint != "" {
		out.Endpoint = c.Solver.Endpoint
	}
	if c.Solver.MaxTimeoutMS > 0 {
		out.MaxTimeout = time.Duration(c.Solver.MaxTimeoutMS) * time.Millisecond
	}
	if c.Solver.RetryPolicy.MaxRetries > 0 {
		out.MaxRetries = c.Solver.RetryPolicy.MaxRetries
	}
	if c.Solver.RetryPolicy.BaseDelaySeconds > 0 {
		out.RetryBaseDelay = time.Duration(c.Solver.RetryPolicy.BaseDelaySeconds) * time.Second
	}
	if c.Solver.SessionManagement.TTLMinutes > 0 {
		out.SessionTTL = time.Duration(c.Solver.SessionManagement.TTLMinutes) * time.Minute
	}
	if c.Solver.IntegrationSettings.RequestTimeoutSeconds > 0 {
		out.RequestTimeout = time.Duration(c.Solver.IntegrationSettings.RequestTimeoutSeconds) * time.Second
	}
	if c.Solver.IntegrationSettings.HealthIntervalSeconds > 0 {
		out.HealthInterval = time.Duration(c.Solver.IntegrationSettings.HealthIntervalSeconds) * time.Second
	}
	for domain, ab := range c.Antibot.DomainOverrides {
		if out.Domains == nil {
			out.Domains = make(map[string]flare.DomainTuning)
		}
		out.Domains[domain] = flare.DomainTuning{
			ExtraWait:      time.Duration(ab.PlaywrightWaitSecs) * time.Second,
			MaxRetries:     ab.NavigationRetries,
			RetryBaseDelay: time.Duration(ab.RetryBackoffSeconds) * time.Second,
		}
	}
	return out
}

// BudgetConfig maps the guard_detection bypass limits.
func (c *Config) BudgetConfig() flare.BudgetConfig {
	out := flare.DefaultBudgetConfig()
	if c.Guard.MaxBypassAttempts > 0 {
		out.MaxAttempts = c.Guard.MaxBypassAttempts
	}
	if c.Guard.CooldownSeconds > 0 {
		out.Cooldown = time.Duration(c.Guard.CooldownSeconds) * time.Second
	}
	return out
}

// SessionConfig maps the session_storage settings.
func (c *Config) SessionConfig() session.Config {
	out := session.DefaultConfig()
	if c.Sessions.Dir != "" {
		out.Dir = c.Sessions.Dir
	}
	if c.Sessions.TTLHours > 0 {
		out.TTL = time.Duration(c.Sessions.TTLHours) * time.Hour
	}
	if c.Sessions.AutoRefresh != nil {
		out.AutoRefresh = *c.Sessions.AutoRefresh
	}
	if c.Sessions.RefreshThresholdHours > 0 {
		out.RefreshThreshold = time.Duration(c.Sessions.RefreshThresholdHours) * time.Hour
	}
	return out
}

// CoordinatorConfig assembles the coordinator's config from the http,
// request, guard and antibot sections.
func (c *Config) CoordinatorConfig() coordinator.Config {
	out := coordinator.DefaultConfig()
	if c.Request.MaxAttempts > 0 {
		out.MaxAttempts = c.Request.MaxAttempts
	}
	out.HTTP = c.HTTPConfig()
	out.ProxyRequirements = c.Requirements()

	overrides := make(map[string]coordinator.DomainOverride)
	for domain, g := range c.Guard.DomainOverrides {
		o := overrides[domain]
		o.SuppressStatusEscalation = g.SuppressStatusEscalation
		overrides[domain] = o
	}
	for domain, ab := range c.Antibot.DomainOverrides {
		o := overrides[domain]
		o.RequiredSelectors = ab.WaitForSelectors
		overrides[domain] = o
	}
	if len(overrides) > 0 {
		out.DomainOverrides = overrides
	}
	return out
}

// ProxyEnabled reports whether the proxy pool should run. Defaults on.
func (c *Config) ProxyEnabled() bool {
	return c.Proxy.Enabled == nil || *c.Proxy.Enabled
}

// ContentValidationEnabled reports whether proxy probes validate bodies.
func (c *Config) ContentValidationEnabled() bool {
	return c.Proxy.ContentValidation.Enabled == nil || *c.Proxy.ContentValidation.Enabled
}
