package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harvester.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	for _, env := range []string{"LOG_LEVEL", "HARVESTER_CONCURRENCY", "FLARESOLVERR_ENDPOINT", "PROXY_LIST"} {
		os.Unsetenv(env)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}

	if got := cfg.HTTPConfig(); got.Timeout == 0 || !got.FollowRedirects || !got.VerifyTLS {
		t.Errorf("unexpected HTTP defaults: %+v", got)
	}
	if got := cfg.CoordinatorConfig(); got.MaxAttempts != 5 {
		t.Errorf("default max attempts = %d, want 5", got.MaxAttempts)
	}
	if got := cfg.RobotsConfig(); !got.Enabled || !got.RespectDisallow || got.CacheTTL != 24*time.Hour {
		t.Errorf("unexpected robots defaults: %+v", got)
	}
	if got := cfg.SolverConfig(); got.Enabled {
		t.Error("solver should be disabled by default")
	}
	if got := cfg.BudgetConfig(); got.MaxAttempts != 10 || got.Cooldown != 30*time.Minute {
		t.Errorf("unexpected budget defaults: %+v", got)
	}
	if !cfg.ProxyEnabled() {
		t.Error("proxy pool should be enabled by default")
	}
	if !cfg.ContentValidationEnabled() {
		t.Error("content validation should be enabled by default")
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.CoordinatorConfig().MaxAttempts != 5 {
		t.Error("defaults not applied for missing file")
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeConfig(t, "proxy_infrastructure: [not a map")
	if _, err := Load(path); err == nil {
		t.Fatal("malformed YAML should error")
	}
}

func TestLoadFullFile(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
http:
  timeout_seconds: 45
  follow_redirects: false
request:
  max_attempts: 3
proxy_infrastructure:
  enabled: true
  strategy: weighted
  static_proxies:
    - http://10.0.0.1:8080
  requirements:
    country: NL
  proxy_health:
    probe_timeout_seconds: 5
    max_failures: 3
  backoff:
    failure_threshold: 7
  pool:
    target_size: 8
    min_healthy: 4
captcha_solving:
  enabled: true
  api_key_env: TEST_CAPTCHA_KEY
  api_url: https://solver.test
  timeout_seconds: 90
  polling_interval_seconds: 3
  cost_tracking:
    daily_limit: 12.5
user_agent_rotation:
  strategy: random
  refresh_interval_hours: 6
  filtering:
    min_chrome_version: 120
    exclude_mobile: false
robots_compliance:
  respect_crawl_delay: false
  cache_ttl_hours: 48
  crawl_delay_settings:
    default_seconds: 2.5
  compliance_overrides:
    ignore_domains: [internal.test]
flaresolverr:
  enabled: true
  endpoint: http://solver:8191
  max_timeout_ms: 90000
  retry_policy:
    max_retries: 4
    base_delay_seconds: 5
  session_management:
    ttl_minutes: 20
guard_detection:
  max_bypass_attempts: 6
  cooldown_seconds: 600
  domain_overrides:
    shop.test:
      suppress_status_escalation: true
antibot_integration:
  domain_overrides:
    shop.test:
      wait_for_selectors: [".product-title", "#price"]
      playwright_wait_seconds: 8
      navigation_retries: 3
      retry_backoff_seconds: 4
session_storage:
  ttl_hours: 12
export:
  concurrency: 16
  resume: true
  resume_window_hours: 48
`)
	t.Setenv("TEST_CAPTCHA_KEY", "secret-key")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Validate()

	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
	if got := cfg.HTTPConfig(); got.Timeout != 45*time.Second || got.FollowRedirects {
		t.Errorf("http = %+v", got)
	}

	coord := cfg.CoordinatorConfig()
	if coord.MaxAttempts != 3 {
		t.Errorf("max attempts = %d", coord.MaxAttempts)
	}
	if coord.ProxyRequirements.Country != "NL" {
		t.Errorf("requirements = %+v", coord.ProxyRequirements)
	}
	ov := coord.DomainOverrides["shop.test"]
	if !ov.SuppressStatusEscalation {
		t.Error("suppress_status_escalation not mapped")
	}
	if len(ov.RequiredSelectors) != 2 || ov.RequiredSelectors[0] != ".product-title" {
		t.Errorf("selectors = %v", ov.RequiredSelectors)
	}

	if got := cfg.RotatorConfig(); got.Strategy != "weighted" || got.TargetPoolSize != 8 || got.MinHealthy != 4 {
		t.Errorf("rotator = %+v", got)
	}
	if got := cfg.HealthConfig(); got.ProbeTimeout != 5*time.Second || got.MaxFailuresBeforeReplacement != 3 {
		t.Errorf("health = %+v", got)
	}

	cs := cfg.CaptchaConfig()
	if !cs.Enabled || cs.APIKey != "secret-key" || cs.APIBase != "https://solver.test" {
		t.Errorf("captcha = %+v", cs)
	}
	if cs.MaxSolveTime != 90*time.Second || cs.PollingInterval != 3*time.Second || cs.DailyLimit != 12.5 {
		t.Errorf("captcha timing = %+v", cs)
	}

	ua := cfg.UAConfig()
	if ua.Strategy != "random" || ua.RefreshInterval != 6*time.Hour {
		t.Errorf("ua = %+v", ua)
	}
	if ua.Filter.MinChromeVersion != 120 || ua.Filter.ExcludeMobile {
		t.Errorf("ua filter = %+v", ua.Filter)
	}

	rb := cfg.RobotsConfig()
	if rb.RespectCrawlDelay || rb.CacheTTL != 48*time.Hour || rb.DefaultDelay != 2500*time.Millisecond {
		t.Errorf("robots = %+v", rb)
	}
	if len(rb.IgnoreDomains) != 1 || rb.IgnoreDomains[0] != "internal.test" {
		t.Errorf("ignore domains = %v", rb.IgnoreDomains)
	}

	sol := cfg.SolverConfig()
	if !sol.Enabled || sol.Endpoint != "http://solver:8191" || sol.MaxTimeout != 90*time.Second {
		t.Errorf("solver = %+v", sol)
	}
	if sol.MaxRetries != 4 || sol.RetryBaseDelay != 5*time.Second || sol.SessionTTL != 20*time.Minute {
		t.Errorf("solver retry = %+v", sol)
	}
	tuning := sol.Domains["shop.test"]
	if tuning.ExtraWait != 8*time.Second || tuning.MaxRetries != 3 || tuning.RetryBaseDelay != 4*time.Second {
		t.Errorf("tuning = %+v", tuning)
	}

	if got := cfg.BudgetConfig(); got.MaxAttempts != 6 || got.Cooldown != 10*time.Minute {
		t.Errorf("budget = %+v", got)
	}
	if got := cfg.SessionConfig(); got.TTL != 12*time.Hour {
		t.Errorf("sessions = %+v", got)
	}
	if cfg.Export.Concurrency != 16 || cfg.Export.Resume == nil || !*cfg.Export.Resume {
		t.Errorf("export = %+v", cfg.Export)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("HARVESTER_CONCURRENCY", "12")
	t.Setenv("FLARESOLVERR_ENDPOINT", "http://env-solver:8191")
	t.Setenv("PROXY_LIST", "http://10.0.0.1:3128, socks5://10.0.0.2:1080")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Logging.Level != "warn" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
	if cfg.Export.Concurrency != 12 {
		t.Errorf("concurrency = %d", cfg.Export.Concurrency)
	}
	sol := cfg.SolverConfig()
	if !sol.Enabled || sol.Endpoint != "http://env-solver:8191" {
		t.Errorf("solver = %+v", sol)
	}
	if len(cfg.Proxy.StaticProxies) != 2 || cfg.Proxy.StaticProxies[1] != "socks5://10.0.0.2:1080" {
		t.Errorf("proxies = %v", cfg.Proxy.StaticProxies)
	}
}

func TestValidateClampsOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "verbose"
	cfg.Request.MaxAttempts = 50
	cfg.Export.Concurrency = 10_000
	cfg.Guard.MaxBypassAttempts = -1
	cfg.HTTP.TimeoutSeconds = 9999

	cfg.Validate()

	if cfg.Logging.Level != "info" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
	if cfg.Request.MaxAttempts != maxAttempts {
		t.Errorf("max attempts = %d", cfg.Request.MaxAttempts)
	}
	if cfg.Export.Concurrency != maxConcurrency {
		t.Errorf("concurrency = %d", cfg.Export.Concurrency)
	}
	if cfg.Guard.MaxBypassAttempts != 0 {
		t.Errorf("bypass attempts = %d", cfg.Guard.MaxBypassAttempts)
	}
	if cfg.HTTP.TimeoutSeconds != maxTimeoutSeconds {
		t.Errorf("timeout = %d", cfg.HTTP.TimeoutSeconds)
	}
}

func TestValidateDisablesSolversWithoutKeys(t *testing.T) {
	os.Unsetenv("TWOCAPTCHA_API_KEY")
	os.Unsetenv("PROXY_API_KEY")

	cfg := Default()
	cfg.Captcha.Enabled = true
	cfg.Proxy.PremiumProxies.Enabled = true

	cfg.Validate()

	if cfg.Captcha.Enabled {
		t.Error("captcha should be disabled without an API key")
	}
	if cfg.Proxy.PremiumProxies.Enabled {
		t.Error("premium proxies should be disabled without an API key")
	}
}
