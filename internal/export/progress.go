package export

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Rorqualx/harvester/internal/metrics"
)

// progressEnv enables per-URL progress events on stdout.
const progressEnv = "HARVESTER_PROGRESS"

// progressEvent is the JSON line emitted per completed URL.
type progressEvent struct {
	Event           string  `json:"event"`
	Site            string  `json:"site"`
	Script          string  `json:"script"`
	Processed       int     `json:"processed"`
	Success         int     `json:"success"`
	Failed          int     `json:"failed"`
	Total           int     `json:"total"`
	ProgressPercent float64 `json:"progressPercent"`
	Timestamp       string  `json:"timestamp"`
}

// Progress counts per-URL outcomes and, when enabled via environment
// flag, emits a machine-readable event line per completion.
type Progress struct {
	site    string
	script  string
	total   int
	enabled bool
	out     io.Writer

	mu      sync.Mutex
	success int
	failed  int

	now func() time.Time
}

// NewProgress builds a progress reporter for a run over total URLs.
func NewProgress(site, script string, total int) *Progress {
	return &Progress{
		site:    site,
		script:  script,
		total:   total,
		enabled: os.Getenv(progressEnv) != "",
		out:     os.Stdout,
		now:     time.Now,
	}
}

// Record books one completed URL and emits a progress event when enabled.
func (p *Progress) Record(success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if success {
		p.success++
	} else {
		p.failed++
	}
	processed := p.success + p.failed
	if p.total > 0 {
		metrics.ExportProgress.Set(float64(processed) / float64(p.total))
	}
	if !p.enabled {
		return
	}

	percent := 0.0
	if p.total > 0 {
		percent = float64(processed) / float64(p.total) * 100
	}
	event := progressEvent{
		Event:           "progress",
		Site:            p.site,
		Script:          p.script,
		Processed:       processed,
		Success:         p.success,
		Failed:          p.failed,
		Total:           p.total,
		ProgressPercent: percent,
		Timestamp:       p.now().UTC().Format(time.RFC3339),
	}
	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	p.out.Write(append(line, '\n'))
}

// Counts returns the success and failure totals so far.
func (p *Progress) Counts() (success, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.success, p.failed
}
