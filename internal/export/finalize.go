package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/harvester/internal/types"
)

// FinalizeOptions controls final artifact assembly.
type FinalizeOptions struct {
	// MergeExisting folds the previous full export in, keeping its
	// records for URLs this run did not touch.
	MergeExisting bool
}

// Finalize closes the partial, deduplicates its records, optionally
// merges the previous export, writes `<name>.json` atomically with a
// `latest.json` mirror, and removes the partial. Returns the final
// product list in write order.
func (w *Writer) Finalize(opts FinalizeOptions) ([]*types.Product, error) {
	w.mu.Lock()
	if err := w.closeLocked(); err != nil {
		w.mu.Unlock()
		return nil, err
	}
	w.mu.Unlock()

	products, err := scanPartial(w.partialPath)
	if err != nil {
		return nil, err
	}
	products = dedupe(products)

	exportsDir := filepath.Join(w.cfg.SiteDir, "exports")
	if err := os.MkdirAll(exportsDir, 0o755); err != nil {
		return nil, fmt.Errorf("exports dir: %w", err)
	}
	finalPath := filepath.Join(exportsDir, w.cfg.Name+".json")

	if opts.MergeExisting {
		products = mergeWithExisting(finalPath, products)
	}

	if err := writeAtomic(finalPath, products); err != nil {
		return nil, err
	}
	if err := writeAtomic(filepath.Join(exportsDir, "latest.json"), products); err != nil {
		return nil, err
	}

	if err := os.Remove(w.partialPath); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", w.partialPath).Msg("Could not remove finalized partial")
	}

	log.Info().Int("products", len(products)).Str("path", finalPath).Msg("Export finalized")
	return products, nil
}

// dedupe keeps one record per URL, the last one written, preserving the
// order of first appearance.
func dedupe(products []*types.Product) []*types.Product {
	latest := make(map[string]*types.Product, len(products))
	var order []string
	for _, p := range products {
		if _, seen := latest[p.URL]; !seen {
			order = append(order, p.URL)
		}
		latest[p.URL] = p
	}
	out := make([]*types.Product, 0, len(order))
	for _, url := range order {
		out = append(out, latest[url])
	}
	return out
}

// mergeWithExisting folds the previous export in: records from this run
// win; untouched URLs keep their old record, appended after the new ones.
func mergeWithExisting(finalPath string, fresh []*types.Product) []*types.Product {
	data, err := os.ReadFile(finalPath)
	if err != nil {
		return fresh
	}
	var previous []*types.Product
	if err := json.Unmarshal(data, &previous); err != nil {
		log.Warn().Err(err).Str("path", finalPath).Msg("Existing export unreadable, skipping merge")
		return fresh
	}

	seen := make(map[string]struct{}, len(fresh))
	for _, p := range fresh {
		seen[p.URL] = struct{}{}
	}
	merged := fresh
	for _, p := range previous {
		if _, ok := seen[p.URL]; !ok {
			merged = append(merged, p)
		}
	}
	return merged
}

// writeAtomic writes the product list via a temp file and rename, so
// readers never observe a half-written artifact.
func writeAtomic(path string, products []*types.Product) error {
	data, err := json.MarshalIndent(products, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
