package validator

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// overrideFile is the on-disk shape of the pattern override file.
type overrideFile struct {
	Guard   []overrideEntry `yaml:"guard"`
	Blocked []overrideEntry `yaml:"blocked"`
}

type overrideEntry struct {
	Pattern    string  `yaml:"pattern"`
	Indicator  string  `yaml:"indicator"`
	Type       string  `yaml:"type"`
	Confidence float64 `yaml:"confidence"`
}

// overrideSet is the compiled, immutable snapshot swapped on reload.
type overrideSet struct {
	guard   []blockPattern
	blocked []blockPattern
}

// Overrides serves site-specific detection patterns from a YAML file and
// hot-reloads it on change. Lookups are lock-free via atomic snapshot swap.
type Overrides struct {
	path    string
	current atomic.Value // *overrideSet

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// LoadOverrides reads path and starts watching it for changes. A missing
// file is not an error: the validator runs on built-in patterns until the
// file appears.
func LoadOverrides(path string) (*Overrides, error) {
	o := &Overrides{
		path:   path,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	o.current.Store(&overrideSet{})

	if err := o.reload(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		log.Debug().Str("path", path).Msg("No pattern override file, using built-in patterns")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	o.watcher = watcher

	// Watch the directory, not the file: editors replace files on save and
	// the inode-level watch would be lost.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go o.watchLoop()
	return o, nil
}

// Close stops the reload watcher.
func (o *Overrides) Close() error {
	close(o.stopCh)
	err := o.watcher.Close()
	<-o.doneCh
	return err
}

// GuardPatterns returns the current extra guard-page patterns.
func (o *Overrides) GuardPatterns() []blockPattern {
	return o.current.Load().(*overrideSet).guard
}

// BlockedPatterns returns the current extra block patterns.
func (o *Overrides) BlockedPatterns() []blockPattern {
	return o.current.Load().(*overrideSet).blocked
}

func (o *Overrides) watchLoop() {
	defer close(o.doneCh)

	// Debounce: editors emit several events per save.
	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-o.stopCh:
			return
		case ev, ok := <-o.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != o.path {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(200 * time.Millisecond)
				timerCh = timer.C
			} else {
				timer.Reset(200 * time.Millisecond)
			}
		case err, ok := <-o.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Pattern override watcher error")
		case <-timerCh:
			if err := o.reload(); err != nil {
				// Keep serving the previous snapshot on a bad reload.
				log.Error().Err(err).Str("path", o.path).Msg("Pattern override reload failed, keeping previous set")
			} else {
				set := o.current.Load().(*overrideSet)
				log.Info().Int("guard", len(set.guard)).Int("blocked", len(set.blocked)).Msg("Reloaded pattern overrides")
			}
		}
	}
}

func (o *Overrides) reload() error {
	data, err := os.ReadFile(o.path)
	if err != nil {
		return err
	}

	var file overrideFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse %s: %w", o.path, err)
	}

	set := &overrideSet{}
	set.guard, err = compileEntries(file.Guard, BlockBotDetection)
	if err != nil {
		return err
	}
	set.blocked, err = compileEntries(file.Blocked, BlockBotDetection)
	if err != nil {
		return err
	}

	o.current.Store(set)
	return nil
}

func compileEntries(entries []overrideEntry, defaultType BlockType) ([]blockPattern, error) {
	out := make([]blockPattern, 0, len(entries))
	for _, e := range entries {
		if e.Pattern == "" {
			continue
		}
		re, err := regexp.Compile(e.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid override pattern %q: %w", e.Pattern, err)
		}
		bt := defaultType
		switch BlockType(e.Type) {
		case BlockCaptcha, BlockRateLimit, BlockBotDetection, BlockHTTPError, BlockSilent:
			bt = BlockType(e.Type)
		}
		conf := e.Confidence
		if conf <= 0 || conf > 1 {
			conf = 0.9
		}
		indicator := e.Indicator
		if indicator == "" {
			indicator = "override:" + e.Pattern
		}
		out = append(out, blockPattern{
			pattern:    re,
			indicator:  indicator,
			blockType:  bt,
			confidence: conf,
		})
	}
	return out, nil
}
