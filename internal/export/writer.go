// Package export writes acquisition results as resumable JSONL partials
// and assembles the final per-site JSON artifacts.
package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/harvester/internal/types"
)

// WriterConfig tunes the partial writer.
type WriterConfig struct {
	SiteDir      string        // e.g. data/sites/shop.example.com
	Name         string        // artifact base name, e.g. products
	Resume       bool          // keep and continue an existing partial
	ResumeWindow time.Duration // partials older than this are stale; 0 = no limit
}

// Writer appends products to an append-only JSONL partial, one flushed
// line per record, so a crash loses at most the line in flight.
type Writer struct {
	cfg         WriterConfig
	partialPath string

	mu        sync.Mutex
	file      *os.File
	buf       *bufio.Writer
	processed map[string]struct{}
	appended  int
	closed    bool

	now func() time.Time
}

// NewWriter opens (or resumes) the site's partial file. With resume on,
// previously written URLs are recovered from complete lines so callers
// can skip them.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.Name == "" {
		cfg.Name = "products"
	}
	tempDir := filepath.Join(cfg.SiteDir, "temp")
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("export temp dir: %w", err)
	}

	w := &Writer{
		cfg:         cfg,
		partialPath: filepath.Join(tempDir, cfg.Name+".jsonl"),
		processed:   make(map[string]struct{}),
		now:         time.Now,
	}

	if err := w.prepare(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(w.partialPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("export partial: %w", err)
	}
	w.file = file
	w.buf = bufio.NewWriter(file)
	return w, nil
}

// prepare applies the resume policy to any existing partial.
func (w *Writer) prepare() error {
	info, err := os.Stat(w.partialPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if !w.cfg.Resume {
		log.Info().Str("path", w.partialPath).Msg("Resume disabled, discarding existing partial")
		return os.Remove(w.partialPath)
	}
	if w.cfg.ResumeWindow > 0 && w.now().Sub(info.ModTime()) > w.cfg.ResumeWindow {
		log.Warn().Str("path", w.partialPath).Time("modified", info.ModTime()).Msg("Partial older than resume window, discarding as stale")
		return os.Remove(w.partialPath)
	}

	products, err := scanPartial(w.partialPath)
	if err != nil {
		return err
	}
	for _, p := range products {
		w.markProcessed(p)
	}
	log.Info().Int("records", len(products)).Int("urls", len(w.processed)).Str("path", w.partialPath).Msg("Resuming from existing partial")
	return nil
}

// Append writes one product as a JSON line and flushes it to the OS.
func (w *Writer) Append(p *types.Product) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return types.ErrWriterClosed
	}

	line, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("export encode %s: %w", p.URL, err)
	}
	if _, err := w.buf.Write(line); err != nil {
		return err
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}

	w.markProcessed(p)
	w.appended++
	return nil
}

// IsProcessed reports whether url was already written, in this run or a
// resumed partial.
func (w *Writer) IsProcessed(url string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.processed[url]
	return ok
}

// ProcessedCount returns the number of distinct URLs written so far.
func (w *Writer) ProcessedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.processed)
}

// PartialPath returns the JSONL file location.
func (w *Writer) PartialPath() string {
	return w.partialPath
}

// Close flushes and closes the partial without finalizing it; the file
// stays on disk for a future resume.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *Writer) closeLocked() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

func (w *Writer) markProcessed(p *types.Product) {
	if p.URL != "" {
		w.processed[p.URL] = struct{}{}
	}
	if p.OriginalURL != "" {
		w.processed[p.OriginalURL] = struct{}{}
	}
}

// scanPartial reads every complete JSON line from a partial. A torn
// final line from a crash is skipped with a warning.
func scanPartial(path string) ([]*types.Product, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var products []*types.Product
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var p types.Product
		if err := json.Unmarshal(line, &p); err != nil {
			log.Warn().Int("line", lineNo).Str("path", path).Msg("Skipping incomplete partial line")
			continue
		}
		products = append(products, &p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("export scan %s: %w", path, err)
	}
	return products, nil
}
