package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Rorqualx/harvester/internal/httpx"
)

// defaultEchoEndpoints return the caller's IP in the body, which lets the
// probe confirm traffic actually egressed through the proxy.
var defaultEchoEndpoints = []string{
	"https://api.ipify.org",
	"https://icanhazip.com",
	"https://ifconfig.me/ip",
}

// HealthConfig tunes probing and burn decisions.
type HealthConfig struct {
	ConcurrentChecks             int
	ProbeTimeout                 time.Duration
	EchoEndpoints                []string
	MaxFailuresBeforeReplacement int
	MinSuccessRate               float64 // burn below this with enough observations
	MinObservations              int
	HistoryRetention             time.Duration
}

// DefaultHealthConfig returns the standard health-check settings.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		ConcurrentChecks:             10,
		ProbeTimeout:                 10 * time.Second,
		EchoEndpoints:                defaultEchoEndpoints,
		MaxFailuresBeforeReplacement: 5,
		MinSuccessRate:               0.2,
		MinObservations:              10,
		HistoryRetention:             6 * time.Hour,
	}
}

// ProbeResult is the outcome of probing one proxy against one endpoint.
type ProbeResult struct {
	Endpoint     string
	Status       int
	ResponseTime time.Duration
	Success      bool
	ContentValid bool
}

// HealthChecker probes proxies against IP-echo endpoints and decides
// whether a proxy should be burned. It never mutates the pool itself; the
// rotator applies its verdicts.
type HealthChecker struct {
	cfg       HealthConfig
	clientCfg httpx.Config
}

// NewHealthChecker builds a checker.
func NewHealthChecker(cfg HealthConfig) *HealthChecker {
	if cfg.ConcurrentChecks <= 0 {
		cfg.ConcurrentChecks = 10
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if len(cfg.EchoEndpoints) == 0 {
		cfg.EchoEndpoints = defaultEchoEndpoints
	}
	clientCfg := httpx.DefaultConfig()
	clientCfg.Timeout = cfg.ProbeTimeout
	return &HealthChecker{cfg: cfg, clientCfg: clientCfg}
}

// CheckAll probes every given proxy with bounded fan-out and returns the
// per-proxy probe results keyed by proxy URL.
func (h *HealthChecker) CheckAll(ctx context.Context, proxies []*Descriptor) map[string][]ProbeResult {
	results := make([]([]ProbeResult), len(proxies))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.cfg.ConcurrentChecks)
	for i, d := range proxies {
		i, d := i, d
		g.Go(func() error {
			results[i] = h.CheckOne(gctx, d)
			return nil
		})
	}
	g.Wait()

	out := make(map[string][]ProbeResult, len(proxies))
	for i, d := range proxies {
		out[d.URL] = results[i]
	}
	return out
}

// CheckOne probes a single proxy against all echo endpoints.
func (h *HealthChecker) CheckOne(ctx context.Context, d *Descriptor) []ProbeResult {
	client, err := httpx.NewClient(h.clientCfg, d.URL)
	if err != nil {
		log.Warn().Err(err).Str("proxy", httpx.Redact(d.URL)).Msg("Cannot build probe client")
		return nil
	}

	results := make([]ProbeResult, 0, len(h.cfg.EchoEndpoints))
	for _, endpoint := range h.cfg.EchoEndpoints {
		results = append(results, h.probe(ctx, client, endpoint))
		if ctx.Err() != nil {
			break
		}
	}
	return results
}

func (h *HealthChecker) probe(ctx context.Context, client *http.Client, endpoint string) ProbeResult {
	res := ProbeResult{Endpoint: endpoint}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return res
	}

	start := time.Now()
	resp, err := client.Do(req)
	res.ResponseTime = time.Since(start)
	if err != nil {
		return res
	}
	defer resp.Body.Close()

	res.Status = resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	res.ContentValid = looksLikeIP(strings.TrimSpace(string(body)))
	res.Success = resp.StatusCode == http.StatusOK && res.ContentValid
	return res
}

// ShouldBurn applies the burn conditions to a proxy's stats.
func (h *HealthChecker) ShouldBurn(s *Stats) (bool, string) {
	if s.ConsecutiveFailures >= h.cfg.MaxFailuresBeforeReplacement {
		return true, "consecutive_failures"
	}
	if s.TotalRequests >= int64(h.cfg.MinObservations) && s.SuccessRate() < h.cfg.MinSuccessRate {
		return true, "low_success_rate"
	}
	if s.ProbeCount >= 5 && s.SuccessfulProbe == 0 {
		return true, "failed_all_probes"
	}
	return false, ""
}

func looksLikeIP(body string) bool {
	// Echo endpoints return a bare IP; anything longer is an error or
	// intercept page.
	if len(body) == 0 || len(body) > 64 {
		return false
	}
	return net.ParseIP(strings.TrimSpace(body)) != nil
}
