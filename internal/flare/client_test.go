package flare

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Rorqualx/harvester/internal/types"
)

// fakeSolver emulates the challenge-solving service: GET / answers health
// probes, POST /v1 dispatches on cmd.
type fakeSolver struct {
	t *testing.T

	mu         sync.Mutex
	sessions   map[string]bool
	solveCalls int
	failSolves int // number of leading request.get calls to fail
	lastReq    request
}

func newFakeSolver(t *testing.T) (*fakeSolver, *httptest.Server) {
	t.Helper()
	f := &fakeSolver{t: t, sessions: make(map[string]bool)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `{"msg":"FlareSolverr is ready!"}`)
			return
		}
		if r.URL.Path != "/v1" {
			http.NotFound(w, r)
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			f.t.Errorf("bad request body: %v", err)
			return
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		f.lastReq = req

		switch req.Cmd {
		case "sessions.create":
			f.sessions[req.Session] = true
			json.NewEncoder(w).Encode(response{Status: "ok", Session: req.Session})
		case "sessions.destroy":
			delete(f.sessions, req.Session)
			json.NewEncoder(w).Encode(response{Status: "ok"})
		case "request.get", "request.post":
			f.solveCalls++
			if f.solveCalls <= f.failSolves {
				json.NewEncoder(w).Encode(response{Status: "error", Message: "challenge not solved"})
				return
			}
			json.NewEncoder(w).Encode(response{
				Status: "ok",
				Solution: &solution{
					URL:       req.URL,
					Status:    200,
					Response:  "<html><body>solved</body></html>",
					UserAgent: "solver-ua/1.0",
					Cookies: []cookie{
						{Name: "cf_clearance", Value: "cleared"},
						{Name: "session_id", Value: "abc"},
					},
				},
			})
		default:
			f.t.Errorf("unexpected cmd %q", req.Cmd)
		}
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func newTestClient(srvURL string) *Client {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = srvURL
	cfg.MaxRetries = 2
	c := NewClient(cfg, nil)
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c
}

func TestSolveReturnsSolution(t *testing.T) {
	fake, srv := newFakeSolver(t)
	c := newTestClient(srv.URL)

	solved, err := c.Solve(context.Background(), http.MethodGet, "https://guarded.example.com/p/1",
		nil, "", map[string]string{"old": "cookie"}, "", "guarded.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if solved.Status != 200 || solved.HTML == "" {
		t.Errorf("solved = %+v", solved)
	}
	if solved.UserAgent != "solver-ua/1.0" {
		t.Errorf("user agent = %q", solved.UserAgent)
	}
	if solved.Cookies["cf_clearance"] != "cleared" {
		t.Errorf("cookies = %v", solved.Cookies)
	}
	if solved.FinalURL != "https://guarded.example.com/p/1" {
		t.Errorf("final url = %q", solved.FinalURL)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.lastReq.Session == "" {
		t.Error("solve did not ride a named session")
	}
	if len(fake.lastReq.Cookies) != 1 || fake.lastReq.Cookies[0].Name != "old" {
		t.Errorf("forwarded cookies = %v", fake.lastReq.Cookies)
	}
	if fake.lastReq.MaxTimeout != 60_000 {
		t.Errorf("maxTimeout = %d, want 60000 ms", fake.lastReq.MaxTimeout)
	}
}

func TestSolvePostForwardsData(t *testing.T) {
	fake, srv := newFakeSolver(t)
	c := newTestClient(srv.URL)

	_, err := c.Solve(context.Background(), http.MethodPost, "https://guarded.example.com/login",
		nil, "user=a&pass=b", nil, "", "")
	if err != nil {
		t.Fatal(err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.lastReq.Cmd != "request.post" || fake.lastReq.PostData != "user=a&pass=b" {
		t.Errorf("request = %+v", fake.lastReq)
	}
}

func TestSolveRetriesThenSucceeds(t *testing.T) {
	fake, srv := newFakeSolver(t)
	fake.failSolves = 2
	c := newTestClient(srv.URL)

	var delays []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	if _, err := c.Solve(context.Background(), http.MethodGet, "https://x.example.com", nil, "", nil, "", ""); err != nil {
		t.Fatal(err)
	}
	fake.mu.Lock()
	calls := fake.solveCalls
	fake.mu.Unlock()
	if calls != 3 {
		t.Errorf("solve calls = %d, want 3", calls)
	}
	// Backoff doubles from the base delay.
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(delays) != 2 || delays[0] != want[0] || delays[1] != want[1] {
		t.Errorf("retry delays = %v, want %v", delays, want)
	}
}

func TestSolveExhaustsRetries(t *testing.T) {
	fake, srv := newFakeSolver(t)
	fake.failSolves = 100
	c := newTestClient(srv.URL)

	_, err := c.Solve(context.Background(), http.MethodGet, "https://x.example.com", nil, "", nil, "", "")
	if !errors.Is(err, types.ErrSolverFailed) {
		t.Errorf("err = %v, want solver failed", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.solveCalls != 3 { // initial + MaxRetries
		t.Errorf("solve calls = %d, want 3", fake.solveCalls)
	}
}

func TestSolveDisabled(t *testing.T) {
	c := NewClient(Config{Enabled: false}, nil)
	_, err := c.Solve(context.Background(), http.MethodGet, "https://x.example.com", nil, "", nil, "", "")
	if !errors.Is(err, types.ErrSolverUnavailable) {
		t.Errorf("err = %v, want solver unavailable", err)
	}
}

func TestSolveUnhealthyService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()
	c := newTestClient(srv.URL)

	_, err := c.Solve(context.Background(), http.MethodGet, "https://x.example.com", nil, "", nil, "", "")
	if !errors.Is(err, types.ErrSolverUnavailable) {
		t.Errorf("err = %v, want solver unavailable", err)
	}
}

func TestHealthProbeCached(t *testing.T) {
	var probes int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			probes++
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()
	c := newTestClient(srv.URL)

	for i := 0; i < 5; i++ {
		if !c.Healthy(context.Background()) {
			t.Fatal("service should be healthy")
		}
	}
	if probes != 1 {
		t.Errorf("probes = %d, want 1 within the cache interval", probes)
	}
}

func TestSessionReuseAndExpiry(t *testing.T) {
	fake, srv := newFakeSolver(t)
	c := newTestClient(srv.URL)

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := c.Solve(context.Background(), http.MethodGet, "https://shop.example.com/p", nil, "", nil, "", "shop.example.com"); err != nil {
			t.Fatal(err)
		}
	}
	fake.mu.Lock()
	if len(fake.sessions) != 1 {
		t.Errorf("sessions on service = %d, want 1 reused", len(fake.sessions))
	}
	fake.mu.Unlock()

	now = now.Add(c.cfg.SessionTTL + time.Minute)
	c.DestroyExpiredSessions(context.Background())
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.sessions) != 0 {
		t.Errorf("sessions after expiry sweep = %d, want 0", len(fake.sessions))
	}
}

func TestCloseDestroysSessions(t *testing.T) {
	fake, srv := newFakeSolver(t)
	c := newTestClient(srv.URL)

	for _, domain := range []string{"a.example.com", "b.example.com"} {
		if _, err := c.Solve(context.Background(), http.MethodGet, "https://"+domain, nil, "", nil, "", domain); err != nil {
			t.Fatal(err)
		}
	}
	c.Close(context.Background())

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.sessions) != 0 {
		t.Errorf("sessions after close = %d, want 0", len(fake.sessions))
	}
}

func TestBudgetExhaustionAndCooldown(t *testing.T) {
	b := NewBudget(BudgetConfig{MaxAttempts: 2, Cooldown: 10 * time.Minute})
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if err := b.Acquire("shop.example.com"); err != nil {
			t.Fatalf("acquire %d = %v", i, err)
		}
	}
	if err := b.Acquire("shop.example.com"); !errors.Is(err, types.ErrBypassBudget) {
		t.Errorf("err = %v, want bypass budget", err)
	}
	// Other domains keep their own budget.
	if err := b.Acquire("other.example.com"); err != nil {
		t.Errorf("independent domain refused: %v", err)
	}

	now = now.Add(11 * time.Minute)
	if err := b.Acquire("shop.example.com"); err != nil {
		t.Errorf("acquire after cooldown = %v", err)
	}
	if got := b.Remaining("shop.example.com"); got != 1 {
		t.Errorf("remaining = %d, want 1", got)
	}
}

func TestBudgetReset(t *testing.T) {
	b := NewBudget(BudgetConfig{MaxAttempts: 1, Cooldown: time.Hour})
	if err := b.Acquire("x.example.com"); err != nil {
		t.Fatal(err)
	}
	if err := b.Acquire("x.example.com"); !errors.Is(err, types.ErrBypassBudget) {
		t.Fatal("budget should be spent")
	}
	b.Reset("x.example.com")
	if err := b.Acquire("x.example.com"); err != nil {
		t.Errorf("acquire after reset = %v", err)
	}
}
