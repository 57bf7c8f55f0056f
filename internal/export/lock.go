package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/harvester/internal/types"
)

// Lock is the per-site advisory lock that keeps two exporters off the
// same site. The holder's PID is written into the lock file.
type Lock struct {
	fl   *flock.Flock
	path string
}

// NewLock builds a lock for site under dir. An empty dir means the
// system temp directory.
func NewLock(dir, site string) *Lock {
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, fmt.Sprintf("export_%s.lock", site))
	return &Lock{fl: flock.New(path), path: path}
}

// Acquire takes the lock without blocking, or fails with ErrLockHeld
// when another exporter owns the site.
func (l *Lock) Acquire() error {
	ok, err := l.fl.TryLock()
	if err != nil {
		return fmt.Errorf("export lock %s: %w", l.path, err)
	}
	if !ok {
		holder := "unknown"
		if data, err := os.ReadFile(l.path); err == nil && len(data) > 0 {
			holder = string(data)
		}
		log.Warn().Str("path", l.path).Str("holder_pid", holder).Msg("Export lock held by another process")
		return types.ErrLockHeld
	}
	if err := os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		log.Warn().Err(err).Str("path", l.path).Msg("Could not record PID in export lock")
	}
	return nil
}

// Release drops the lock and removes its file.
func (l *Lock) Release() {
	if err := l.fl.Unlock(); err != nil {
		log.Warn().Err(err).Str("path", l.path).Msg("Export lock release failed")
		return
	}
	os.Remove(l.path)
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}
