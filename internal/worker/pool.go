// Package worker fans a URL stream out over a bounded pool, running the
// full acquisition protocol per URL and appending results to the export
// writer.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/Rorqualx/harvester/internal/coordinator"
	"github.com/Rorqualx/harvester/internal/export"
	"github.com/Rorqualx/harvester/internal/metrics"
	"github.com/Rorqualx/harvester/internal/types"
)

// Fetcher runs the acquisition protocol for one URL.
type Fetcher interface {
	MakeRequest(ctx context.Context, method, rawURL string) (*types.Result, error)
}

// Config tunes the pool.
type Config struct {
	Concurrency  int    // parallel URLs in flight
	Method       string // HTTP method, defaults to GET
	SkipExisting bool   // skip URLs already present in the partial
}

// DefaultConfig returns the standard pool settings.
func DefaultConfig() Config {
	return Config{
		Concurrency: 32,
		Method:      "GET",
	}
}

// Counts summarizes a finished run.
type Counts struct {
	Success int64
	Failed  int64
	Skipped int64
}

// Pool is the bounded URL worker pool. Parse may be nil, in which case
// raw bodies produce minimal product records.
type Pool struct {
	cfg      Config
	fetch    Fetcher
	parse    types.Parser
	writer   *export.Writer
	progress *export.Progress
}

// NewPool builds a pool over the given collaborators.
func NewPool(cfg Config, fetch Fetcher, parse types.Parser, writer *export.Writer, progress *export.Progress) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 32
	}
	if cfg.Method == "" {
		cfg.Method = "GET"
	}
	return &Pool{cfg: cfg, fetch: fetch, parse: parse, writer: writer, progress: progress}
}

// Run processes urls until done or ctx is canceled, returning the final
// counts. Cancellation stops admission; URLs already in flight finish.
func (p *Pool) Run(ctx context.Context, urls []string) Counts {
	sem := semaphore.NewWeighted(int64(p.cfg.Concurrency))
	var wg sync.WaitGroup
	var counts Counts

	for _, rawURL := range urls {
		if p.cfg.SkipExisting && p.writer != nil && p.writer.IsProcessed(rawURL) {
			atomic.AddInt64(&counts.Skipped, 1)
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			atomic.AddInt64(&counts.Skipped, 1)
			continue
		}
		wg.Add(1)
		go func(rawURL string) {
			defer wg.Done()
			defer sem.Release(1)
			p.processOne(ctx, rawURL, &counts)
		}(rawURL)
	}
	wg.Wait()

	log.Info().Int64("success", counts.Success).Int64("failed", counts.Failed).
		Int64("skipped", counts.Skipped).Msg("Worker pool finished")
	return counts
}

func (p *Pool) processOne(ctx context.Context, rawURL string, counts *Counts) {
	res, err := p.fetch.MakeRequest(ctx, p.cfg.Method, rawURL)
	switch {
	case err != nil:
		atomic.AddInt64(&counts.Failed, 1)
		var fe *types.FetchError
		if errors.Is(err, types.ErrNotFound) {
			// Terminal miss: write a stub so merges keep coverage.
			status := 404
			if errors.As(err, &fe) && fe.StatusCode != 0 {
				status = fe.StatusCode
			}
			p.append(types.NewErrorProduct(rawURL, "not found", status))
		} else if !errors.Is(err, coordinator.ErrDomainCircuitOpen) && ctx.Err() == nil {
			log.Warn().Err(err).Str("url", rawURL).Msg("URL failed")
		}
		metrics.RecordRequest("failed", 0, 0)
		p.record(false)
	case res.RobotsSkip:
		atomic.AddInt64(&counts.Skipped, 1)
		metrics.RecordRequest("robots_skip", 0, 0)
	default:
		product := p.buildProduct(rawURL, res)
		if product == nil {
			atomic.AddInt64(&counts.Failed, 1)
			metrics.RecordRequest("failed", res.Attempts, res.Duration)
			p.record(false)
			return
		}
		p.append(product)
		atomic.AddInt64(&counts.Success, 1)
		metrics.RecordRequest("success", res.Attempts, res.Duration)
		p.record(true)
	}
}

// buildProduct runs the injected parser, falling back to a minimal record
// without one. A parser error yields nil and counts as a failure.
func (p *Pool) buildProduct(rawURL string, res *types.Result) *types.Product {
	if p.parse == nil {
		return &types.Product{
			URL:        rawURL,
			ScrapedAt:  res.ScrapedAt.UTC().Format(time.RFC3339),
			Variations: []types.Variation{},
		}
	}
	product, err := p.parse(rawURL, res.Body)
	if err != nil {
		log.Warn().Err(err).Str("url", rawURL).Msg("Parser rejected body")
		return nil
	}
	if product.ScrapedAt == "" {
		product.ScrapedAt = res.ScrapedAt.UTC().Format(time.RFC3339)
	}
	if product.Variations == nil {
		product.Variations = []types.Variation{}
	}
	return product
}

func (p *Pool) append(product *types.Product) {
	if p.writer == nil {
		return
	}
	if err := p.writer.Append(product); err != nil {
		log.Error().Err(err).Str("url", product.URL).Msg("Export append failed")
	}
}

func (p *Pool) record(success bool) {
	if p.progress != nil {
		p.progress.Record(success)
	}
}
