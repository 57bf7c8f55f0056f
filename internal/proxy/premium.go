package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/harvester/internal/types"
)

// PremiumConfig configures the provider client.
type PremiumConfig struct {
	Enabled          bool
	APIBase          string // e.g. https://provider.example/api
	APIKey           string
	RefreshInterval  time.Duration // proxy list cache TTL
	FetchTimeout     time.Duration
	AutoPurchase     bool
	MaxMonthlyCost   float64 // currency units; 0 disables the cap
	CostPerProxy     float64 // estimated unit cost for budget math
	BatchSize        int
	PurchaseCooldown time.Duration
	PeriodDays       int
	Country          string
	ProxyType        string // provider-side type parameter (http/socks)
	MinBalance       float64
}

// DefaultPremiumConfig returns the standard provider settings.
func DefaultPremiumConfig() PremiumConfig {
	return PremiumConfig{
		RefreshInterval:  30 * time.Minute,
		FetchTimeout:     15 * time.Second,
		BatchSize:        5,
		PurchaseCooldown: 10 * time.Minute,
		PeriodDays:       30,
		ProxyType:        "http",
	}
}

// providerResponse is the provider's JSON envelope. The proxy list is
// keyed by provider-side ID.
type providerResponse struct {
	Status   string                  `json:"status"`
	Error    string                  `json:"error"`
	Balance  string                  `json:"balance"`
	Currency string                  `json:"currency"`
	Count    json.Number             `json:"count"`
	List     map[string]providerItem `json:"list"`
}

type providerItem struct {
	Host    string `json:"host"`
	Port    string `json:"port"`
	User    string `json:"user"`
	Pass    string `json:"pass"`
	Type    string `json:"type"`
	Country string `json:"country"`
	DateEnd string `json:"date_end"`
	Active  string `json:"active"`
}

// PremiumManager fetches proxies from the external provider, caches the
// list, and purchases replacements under a monthly budget.
type PremiumManager struct {
	cfg    PremiumConfig
	client *http.Client

	mu           sync.Mutex
	cached       []*Descriptor
	fetchedAt    time.Time
	lastPurchase time.Time
	monthlyCost  float64
	costMonth    time.Month
	costYear     int

	now func() time.Time
}

// NewPremiumManager builds the provider client.
func NewPremiumManager(cfg PremiumConfig, client *http.Client) *PremiumManager {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.FetchTimeout}
	}
	return &PremiumManager{cfg: cfg, client: client, now: time.Now}
}

// ActiveProxies returns the provider's active proxies, served from cache
// within the refresh interval.
func (m *PremiumManager) ActiveProxies(ctx context.Context) ([]*Descriptor, error) {
	m.mu.Lock()
	if m.cached != nil && m.now().Sub(m.fetchedAt) < m.cfg.RefreshInterval {
		out := append([]*Descriptor(nil), m.cached...)
		m.mu.Unlock()
		return out, nil
	}
	m.mu.Unlock()
	return m.Refresh(ctx)
}

// Refresh fetches the active proxy list from the provider unconditionally.
func (m *PremiumManager) Refresh(ctx context.Context) ([]*Descriptor, error) {
	resp, err := m.call(ctx, "getproxy", url.Values{"state": {"active"}})
	if err != nil {
		return nil, err
	}

	descriptors := make([]*Descriptor, 0, len(resp.List))
	now := m.now()
	for id, item := range resp.List {
		d, err := m.parseItem(item)
		if err != nil {
			log.Warn().Err(err).Str("provider_id", id).Msg("Skipping unparseable provider proxy")
			continue
		}
		if d.Expired(now) {
			continue
		}
		descriptors = append(descriptors, d)
	}

	m.mu.Lock()
	m.cached = descriptors
	m.fetchedAt = now
	m.mu.Unlock()

	log.Info().Int("count", len(descriptors)).Msg("Refreshed premium proxy list")
	return append([]*Descriptor(nil), descriptors...), nil
}

// Balance queries the provider account balance.
func (m *PremiumManager) Balance(ctx context.Context) (float64, error) {
	resp, err := m.call(ctx, "getbalance", nil)
	if err != nil {
		return 0, err
	}
	balance, err := strconv.ParseFloat(resp.Balance, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable balance %q: %w", resp.Balance, err)
	}
	return balance, nil
}

// EnsureMinProxyPool purchases enough proxies to bring activeCount up to
// target, bounded by batch size and the monthly budget. Returns how many
// were bought.
func (m *PremiumManager) EnsureMinProxyPool(ctx context.Context, target, activeCount int) (int, error) {
	if !m.cfg.AutoPurchase {
		return 0, nil
	}
	deficit := target - activeCount
	if deficit <= 0 {
		return 0, nil
	}

	m.mu.Lock()
	if !m.lastPurchase.IsZero() && m.now().Sub(m.lastPurchase) < m.cfg.PurchaseCooldown {
		m.mu.Unlock()
		log.Debug().Msg("Proxy purchase skipped, cooldown active")
		return 0, nil
	}
	m.rollCostMonthLocked()
	spent := m.monthlyCost
	m.mu.Unlock()

	count := deficit
	if count > m.cfg.BatchSize {
		count = m.cfg.BatchSize
	}
	count = m.clampToBudget(count, spent)
	if count <= 0 {
		return 0, types.ErrBudgetExceeded
	}

	if m.cfg.MinBalance > 0 {
		balance, err := m.Balance(ctx)
		if err != nil {
			return 0, err
		}
		if balance < m.cfg.MinBalance {
			log.Warn().Float64("balance", balance).Float64("min", m.cfg.MinBalance).Msg("Provider balance below minimum, refusing purchase")
			return 0, types.ErrBudgetExceeded
		}
	}

	params := url.Values{
		"count":  {strconv.Itoa(count)},
		"period": {strconv.Itoa(m.cfg.PeriodDays)},
		"type":   {m.cfg.ProxyType},
	}
	if m.cfg.Country != "" {
		params.Set("country", m.cfg.Country)
	}
	if _, err := m.call(ctx, "buy", params); err != nil {
		return 0, fmt.Errorf("proxy purchase failed: %w", err)
	}

	cost := float64(count) * m.cfg.CostPerProxy
	m.mu.Lock()
	m.lastPurchase = m.now()
	m.monthlyCost += cost
	total := m.monthlyCost
	m.cached = nil // force list refresh on next access
	m.mu.Unlock()

	log.Info().Int("count", count).Float64("cost", cost).Float64("monthly_total", total).Msg("Purchased premium proxies")
	if m.cfg.MaxMonthlyCost > 0 && total >= 0.8*m.cfg.MaxMonthlyCost {
		log.Warn().Float64("monthly_total", total).Float64("budget", m.cfg.MaxMonthlyCost).Msg("Proxy spend at 80% of monthly budget")
	}
	return count, nil
}

// AutoscaleRecommendation computes the pool size needed to sustain the
// given concurrency: ceil(concurrency * safetyFactor / targetSuccessRate),
// clamped to [minCount, maxCount].
func AutoscaleRecommendation(concurrency int, safetyFactor, targetSuccessRate float64, minCount, maxCount int) int {
	if targetSuccessRate <= 0 {
		targetSuccessRate = 1
	}
	if safetyFactor <= 0 {
		safetyFactor = 1
	}
	optimal := int(math.Ceil(float64(concurrency) * safetyFactor / targetSuccessRate))
	if optimal < minCount {
		return minCount
	}
	if maxCount > 0 && optimal > maxCount {
		return maxCount
	}
	return optimal
}

// MonthlyCost reports the spend recorded for the current calendar month.
func (m *PremiumManager) MonthlyCost() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollCostMonthLocked()
	return m.monthlyCost
}

// clampToBudget trims count so the estimated cost fits under the cap.
func (m *PremiumManager) clampToBudget(count int, spent float64) int {
	if m.cfg.MaxMonthlyCost <= 0 || m.cfg.CostPerProxy <= 0 {
		return count
	}
	for count > 0 {
		if spent+float64(count)*m.cfg.CostPerProxy <= m.cfg.MaxMonthlyCost {
			return count
		}
		count--
	}
	return 0
}

func (m *PremiumManager) rollCostMonthLocked() {
	now := m.now()
	if now.Year() != m.costYear || now.Month() != m.costMonth {
		m.costYear, m.costMonth = now.Year(), now.Month()
		m.monthlyCost = 0
	}
}

func (m *PremiumManager) parseItem(item providerItem) (*Descriptor, error) {
	if item.Host == "" || item.Port == "" {
		return nil, fmt.Errorf("provider record missing host/port")
	}
	scheme := ProtocolHTTP
	switch item.Type {
	case "socks", "socks5":
		scheme = ProtocolSOCKS5
	case "https":
		scheme = ProtocolHTTPS
	}

	u := &url.URL{Scheme: scheme, Host: item.Host + ":" + item.Port}
	if item.User != "" {
		u.User = url.UserPassword(item.User, item.Pass)
	}

	d := &Descriptor{
		URL:       u.String(),
		Protocol:  scheme,
		Country:   item.Country,
		CreatedAt: m.now(),
	}
	if item.DateEnd != "" {
		// Provider timestamps are local-format date strings.
		if t, err := time.Parse("2006-01-02 15:04:05", item.DateEnd); err == nil {
			d.ExpiresAt = t
		}
	}
	return d, nil
}

// call performs one provider API request: GET <base>/<key>/<method>?params.
func (m *PremiumManager) call(ctx context.Context, method string, params url.Values) (*providerResponse, error) {
	if !m.cfg.Enabled {
		return nil, types.ErrProviderAuth
	}
	if m.cfg.APIKey == "" || m.cfg.APIBase == "" {
		return nil, types.ErrProviderAuth
	}

	endpoint := fmt.Sprintf("%s/%s/%s", m.cfg.APIBase, m.cfg.APIKey, method)
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, &types.ProviderError{Endpoint: method, Message: "provider request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, &types.ProviderError{Endpoint: method, Message: "provider response read failed", Err: err}
	}

	var parsed providerResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &types.ProviderError{Endpoint: method, Message: "provider returned malformed JSON", Err: err}
	}
	if parsed.Status == "error" {
		return nil, &types.ProviderError{Endpoint: method, Code: parsed.Error, Message: "provider error: " + parsed.Error}
	}
	return &parsed, nil
}
