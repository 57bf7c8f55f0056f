package captcha

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Rorqualx/harvester/internal/types"
)

func TestDetectOrdering(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantType Type
		wantKey  string
	}{
		{
			name:     "recaptcha v3",
			body:     `<script src="https://www.google.com/recaptcha/api.js?render=6LcAbcdEfghIjklMnopQrstuVwxyz1234567890a"></script><div data-action="login"></div>`,
			wantType: TypeRecaptchaV3,
			wantKey:  "6LcAbcdEfghIjklMnopQrstuVwxyz1234567890a",
		},
		{
			name:     "recaptcha v2",
			body:     `<div class="g-recaptcha" data-sitekey="6LdKeyV2"></div>`,
			wantType: TypeRecaptchaV2,
			wantKey:  "6LdKeyV2",
		},
		{
			name:     "hcaptcha",
			body:     `<div class="h-captcha" data-sitekey="hc-key-1"></div><script src="https://hcaptcha.com/1/api.js"></script>`,
			wantType: TypeHCaptcha,
			wantKey:  "hc-key-1",
		},
		{
			name:     "image captcha",
			body:     `<form><img src="/captcha/generate.png" alt=""><input name="code"></form>`,
			wantType: TypeImage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det := Detect(tt.body, "https://example.com/login")
			if det == nil {
				t.Fatal("nothing detected")
			}
			if det.Type != tt.wantType {
				t.Errorf("type = %s, want %s", det.Type, tt.wantType)
			}
			if tt.wantKey != "" && det.SiteKey != tt.wantKey {
				t.Errorf("site key = %q, want %q", det.SiteKey, tt.wantKey)
			}
		})
	}
}

func TestDetectV3WinsOverV2(t *testing.T) {
	// A page loading v3 while also carrying a v2-style widget must be
	// classified as v3.
	body := `<script src="/recaptcha/api.js?render=6LcV3KeyV3KeyV3KeyV3Key"></script>
<div class="g-recaptcha" data-sitekey="6LdV2Key"></div>`
	det := Detect(body, "https://example.com")
	if det == nil || det.Type != TypeRecaptchaV3 {
		t.Fatalf("detection = %+v, want recaptcha_v3", det)
	}
}

func TestDetectImageURLAbsolutized(t *testing.T) {
	det := Detect(`<img src="/captcha/img.php?id=7">`, "https://shop.example.com/products/1")
	if det == nil || det.Type != TypeImage {
		t.Fatalf("detection = %+v", det)
	}
	if det.ImageURL != "https://shop.example.com/captcha/img.php?id=7" {
		t.Errorf("image url = %q", det.ImageURL)
	}
}

func TestDetectNothing(t *testing.T) {
	if det := Detect("<html><body><h1>Products</h1></body></html>", "https://example.com"); det != nil {
		t.Errorf("unexpected detection: %+v", det)
	}
}

// solverServer fakes the 2captcha HTTP API: submit, N not-ready polls,
// then a solution.
func solverServer(t *testing.T, notReadyPolls int) (*httptest.Server, *int64) {
	t.Helper()
	var polls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/in.php":
			if r.Method != http.MethodPost {
				t.Errorf("submit method = %s", r.Method)
			}
			r.ParseForm()
			if r.Form.Get("key") != "api-key" || r.Form.Get("json") != "1" {
				t.Errorf("submit form = %v", r.Form)
			}
			fmt.Fprint(w, `{"status":1,"request":"task-42"}`)
		case "/res.php":
			q := r.URL.Query()
			if q.Get("action") == "getbalance" {
				fmt.Fprint(w, `{"status":1,"request":"9.99"}`)
				return
			}
			if q.Get("id") != "task-42" {
				t.Errorf("poll id = %q", q.Get("id"))
			}
			if atomic.AddInt64(&polls, 1) <= int64(notReadyPolls) {
				fmt.Fprint(w, `{"status":0,"request":"CAPCHA_NOT_READY"}`)
				return
			}
			fmt.Fprint(w, `{"status":1,"request":"solved-token"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &polls
}

func newTestSolver(srvURL string) *Solver {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.APIKey = "api-key"
	cfg.APIBase = srvURL
	cfg.PollingInterval = 10 * time.Millisecond
	cfg.MaxSolveTime = 2 * time.Second
	return NewSolver(cfg, nil)
}

func TestSolveRecaptchaV2(t *testing.T) {
	srv, polls := solverServer(t, 2)
	s := newTestSolver(srv.URL)

	det := &Detection{Type: TypeRecaptchaV2, SiteKey: "6LdKey"}
	token, err := s.Solve(context.Background(), det, "https://example.com/login", "http://u:p@1.2.3.4:8080", "test-ua")
	if err != nil {
		t.Fatal(err)
	}
	if token != "solved-token" {
		t.Errorf("token = %q", token)
	}
	if atomic.LoadInt64(polls) != 3 {
		t.Errorf("polls = %d, want 3", atomic.LoadInt64(polls))
	}
	if s.DailySpend() != typeCosts[TypeRecaptchaV2] {
		t.Errorf("daily spend = %v", s.DailySpend())
	}
}

func TestSolveTimeout(t *testing.T) {
	srv, _ := solverServer(t, 1_000_000)
	s := newTestSolver(srv.URL)
	s.cfg.MaxSolveTime = 100 * time.Millisecond

	det := &Detection{Type: TypeHCaptcha, SiteKey: "hc"}
	_, err := s.Solve(context.Background(), det, "https://example.com", "", "")
	if !errors.Is(err, types.ErrCaptchaTimeout) {
		t.Errorf("err = %v, want captcha timeout", err)
	}
	// Failed solves must not be billed.
	if s.DailySpend() != 0 {
		t.Errorf("daily spend = %v after timeout, want 0", s.DailySpend())
	}
}

func TestSolveRejectedTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/in.php":
			fmt.Fprint(w, `{"status":0,"request":"ERROR_ZERO_BALANCE"}`)
		case "/res.php":
			fmt.Fprint(w, `{"status":1,"request":"9.99"}`)
		}
	}))
	defer srv.Close()
	s := newTestSolver(srv.URL)

	_, err := s.Solve(context.Background(), &Detection{Type: TypeRecaptchaV2, SiteKey: "k"}, "https://example.com", "", "")
	if !errors.Is(err, types.ErrCaptchaRejected) {
		t.Errorf("err = %v, want captcha rejected", err)
	}
	var ce *types.CaptchaError
	if !errors.As(err, &ce) || ce.Code != "ERROR_ZERO_BALANCE" {
		t.Errorf("error detail = %+v", ce)
	}
}

func TestSolveRefusesBelowMinBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") == "getbalance" {
			fmt.Fprint(w, `{"status":1,"request":"0.10"}`)
			return
		}
		t.Error("submit must not be reached with low balance")
	}))
	defer srv.Close()
	s := newTestSolver(srv.URL)
	s.cfg.MinBalance = 0.5

	_, err := s.Solve(context.Background(), &Detection{Type: TypeRecaptchaV2, SiteKey: "k"}, "https://example.com", "", "")
	if !errors.Is(err, types.ErrCaptchaBalance) {
		t.Errorf("err = %v, want balance error", err)
	}
}

func TestDailyBudgetRefusal(t *testing.T) {
	srv, _ := solverServer(t, 0)
	s := newTestSolver(srv.URL)
	s.costs.dailyLimit = typeCosts[TypeRecaptchaV2] // room for exactly one solve

	det := &Detection{Type: TypeRecaptchaV2, SiteKey: "k"}
	if _, err := s.Solve(context.Background(), det, "https://example.com", "", ""); err != nil {
		t.Fatal(err)
	}
	_, err := s.Solve(context.Background(), det, "https://example.com", "", "")
	if !errors.Is(err, types.ErrDailyBudget) {
		t.Errorf("err = %v, want daily budget error", err)
	}
}

func TestDailyBudgetResetsByDate(t *testing.T) {
	c := newCostTracker(0.002, 0)
	day := time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return day }

	c.record(TypeRecaptchaV2)
	if err := c.admit(TypeRecaptchaV2); !errors.Is(err, types.ErrDailyBudget) {
		t.Error("second solve should exceed the daily limit")
	}

	day = day.Add(2 * time.Hour) // crosses UTC midnight
	if err := c.admit(TypeRecaptchaV2); err != nil {
		t.Errorf("admit after date rollover = %v, want nil", err)
	}
	if c.DailyTotal() != 0 {
		t.Errorf("daily total = %v after rollover", c.DailyTotal())
	}
}

func TestDetectAndSolveNoCaptcha(t *testing.T) {
	srv, _ := solverServer(t, 0)
	s := newTestSolver(srv.URL)

	_, _, err := s.DetectAndSolve(context.Background(), "<html><body>plain page</body></html>", "https://example.com", "", "")
	if !errors.Is(err, types.ErrCaptchaNotDetected) {
		t.Errorf("err = %v, want not-detected", err)
	}
}
