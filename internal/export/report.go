package export

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Summary is the aggregate run report written under reports/.
type Summary struct {
	Site            string    `json:"site"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	TotalURLs       int       `json:"total_urls"`
	Success         int       `json:"success"`
	Failed          int       `json:"failed"`
	Skipped         int       `json:"skipped"`
	SuccessRate     float64   `json:"success_rate"`
	CaptchaSolves   int       `json:"captcha_solves,omitempty"`
	CaptchaSpend    float64   `json:"captcha_spend,omitempty"`
	SolverEscalated int       `json:"solver_escalated,omitempty"`
	ProxiesBurned   int       `json:"proxies_burned,omitempty"`
}

// WriteSummary persists the run summary to <dir>/<site>_summary.json.
func WriteSummary(dir string, s Summary) error {
	if dir == "" {
		dir = "reports"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if total := s.Success + s.Failed; total > 0 {
		s.SuccessRate = float64(s.Success) / float64(total)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, s.Site+"_summary.json"), data, 0o644)
}
