package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", w.Code)
	}
	return w.Body.String()
}

func TestHandler(t *testing.T) {
	RecordRequest("success", 1, time.Second)
	UpdatePoolMetrics(5, 3)

	body := scrape(t)
	for _, metric := range []string{
		"harvester_proxy_pool_size",
		"harvester_proxy_pool_healthy",
		"harvester_export_progress_ratio",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("metric %q missing from scrape", metric)
		}
	}
}

func TestRecordRequest(t *testing.T) {
	RecordRequest("success", 2, time.Second)
	RecordRequest("failed", 0, 500*time.Millisecond)
	RecordRequest("robots_skip", 0, 0)

	body := scrape(t)
	if !strings.Contains(body, "harvester_requests_total") {
		t.Error("requests_total missing")
	}
	if !strings.Contains(body, `outcome="robots_skip"`) {
		t.Error("outcome label missing")
	}
	if !strings.Contains(body, "harvester_request_attempts") {
		t.Error("attempts histogram missing")
	}
}

func TestUpdatePoolMetrics(t *testing.T) {
	UpdatePoolMetrics(7, 4)

	body := scrape(t)
	if !strings.Contains(body, "harvester_proxy_pool_size 7") {
		t.Error("pool size gauge not 7")
	}
	if !strings.Contains(body, "harvester_proxy_pool_healthy 4") {
		t.Error("healthy gauge not 4")
	}
}

func TestLabeledCounters(t *testing.T) {
	ProxiesBurned.WithLabelValues("consecutive_failures").Inc()
	BlocksDetected.WithLabelValues("rate_limit").Inc()
	CaptchasSolved.WithLabelValues("recaptcha_v2").Inc()
	SolverEscalations.WithLabelValues("solved").Inc()
	BreakerState.WithLabelValues("shop.example.com").Set(1)

	body := scrape(t)
	for _, want := range []string{
		`harvester_proxies_burned_total{reason="consecutive_failures"}`,
		`harvester_blocks_detected_total{type="rate_limit"}`,
		`harvester_captchas_solved_total{type="recaptcha_v2"}`,
		`harvester_solver_escalations_total{result="solved"}`,
		`harvester_domain_breaker_state{domain="shop.example.com"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing series %q", want)
		}
	}
}

func TestSetBuildInfo(t *testing.T) {
	SetBuildInfo("1.0.0", "go1.24")

	body := scrape(t)
	if !strings.Contains(body, "harvester_build_info") {
		t.Error("build_info missing")
	}
	if !strings.Contains(body, `version="1.0.0"`) {
		t.Error("version label missing")
	}
}

func TestStartRuntimeCollector(t *testing.T) {
	stopCh := make(chan struct{})
	go StartRuntimeCollector(50*time.Millisecond, stopCh)
	time.Sleep(150 * time.Millisecond)
	close(stopCh)

	body := scrape(t)
	if !strings.Contains(body, "harvester_memory_usage_bytes") {
		t.Error("memory gauge missing")
	}
	if !strings.Contains(body, "harvester_goroutines") {
		t.Error("goroutine gauge missing")
	}
}
