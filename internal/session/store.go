// Package session persists per-domain browsing state (cookies, headers,
// auth tokens) across runs, encrypted at rest.
package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/pbkdf2"

	"github.com/Rorqualx/harvester/internal/types"
)

const (
	// secretEnv names the process-level secret the at-rest key derives from.
	secretEnv = "HARVESTER_SESSION_SECRET"

	pbkdf2Iterations = 100_000
	keyLen           = 32
	saltLen          = 16

	filePerm = 0o600
	dirPerm  = 0o700
)

// Record is one domain's saved browsing state.
type Record struct {
	Domain          string            `json:"domain"`
	Cookies         map[string]string `json:"cookies,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	AuthTokens      map[string]string `json:"auth_tokens,omitempty"`
	UserAgent       string            `json:"user_agent,omitempty"`
	CSRFToken       string            `json:"csrf_token,omitempty"`
	IsAuthenticated bool              `json:"is_authenticated"`
	CreatedAt       time.Time         `json:"created_at"`
	LastAccessed    time.Time         `json:"last_accessed"`
	ExpiresAt       time.Time         `json:"expires_at"`
}

// Update is a partial change applied to an existing record. Nil fields are
// left untouched; map entries are merged key by key.
type Update struct {
	Cookies         map[string]string
	Headers         map[string]string
	AuthTokens      map[string]string
	UserAgent       *string
	CSRFToken       *string
	IsAuthenticated *bool
}

// Config tunes the store.
type Config struct {
	Dir              string        // defaults to data/sessions
	TTL              time.Duration // record lifetime from save
	AutoRefresh      bool          // extend TTL on access near expiry
	RefreshThreshold time.Duration // remaining lifetime that triggers refresh
}

// DefaultConfig returns the standard store settings.
func DefaultConfig() Config {
	return Config{
		Dir:              filepath.Join("data", "sessions"),
		TTL:              24 * time.Hour,
		AutoRefresh:      true,
		RefreshThreshold: 2 * time.Hour,
	}
}

// Store is the encrypted per-domain session store. Safe for concurrent
// use.
type Store struct {
	cfg Config
	key []byte

	mu    sync.Mutex
	cache map[string]*Record

	now func() time.Time
}

// NewStore builds a session store rooted at cfg.Dir. The encryption key
// is derived from the process secret; without one an ephemeral key is
// generated and saved sessions will not survive a restart.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join("data", "sessions")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = 2 * time.Hour
	}
	if err := os.MkdirAll(cfg.Dir, dirPerm); err != nil {
		return nil, fmt.Errorf("session dir: %w", err)
	}

	key, err := deriveKey(cfg.Dir)
	if err != nil {
		return nil, err
	}
	return &Store{
		cfg:   cfg,
		key:   key,
		cache: make(map[string]*Record),
		now:   time.Now,
	}, nil
}

// Load returns the domain's session, or ErrSessionNotFound /
// ErrSessionExpired. Expired records are deleted on sight.
func (s *Store) Load(domain string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.cache[domain]
	if !ok {
		loaded, err := s.readFile(domain)
		if err != nil {
			return nil, err
		}
		rec = loaded
		s.cache[domain] = rec
	}

	now := s.now()
	if !rec.ExpiresAt.After(now) {
		s.removeLocked(domain)
		return nil, types.ErrSessionExpired
	}

	rec.LastAccessed = now
	if s.cfg.AutoRefresh && rec.ExpiresAt.Sub(now) < s.cfg.RefreshThreshold {
		rec.ExpiresAt = now.Add(s.cfg.TTL)
		if err := s.writeFile(rec); err != nil {
			log.Warn().Err(err).Str("domain", domain).Msg("Session refresh persist failed")
		}
	}

	out := cloneRecord(*rec)
	return &out, nil
}

// Save stores a full session record for the domain, stamping its TTL.
func (s *Store) Save(domain string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec.Domain = domain
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.LastAccessed = now
	rec.ExpiresAt = now.Add(s.cfg.TTL)

	stored := cloneRecord(rec)
	s.cache[domain] = &stored
	return s.writeFile(&stored)
}

// Update applies a partial change to the domain's session, creating the
// record when absent.
func (s *Store) Update(domain string, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, ok := s.cache[domain]
	if !ok {
		if loaded, err := s.readFile(domain); err == nil && loaded.ExpiresAt.After(now) {
			rec = loaded
		} else {
			rec = &Record{Domain: domain, CreatedAt: now}
		}
		s.cache[domain] = rec
	}

	mergeMap(&rec.Cookies, u.Cookies)
	mergeMap(&rec.Headers, u.Headers)
	mergeMap(&rec.AuthTokens, u.AuthTokens)
	if u.UserAgent != nil {
		rec.UserAgent = *u.UserAgent
	}
	if u.CSRFToken != nil {
		rec.CSRFToken = *u.CSRFToken
	}
	if u.IsAuthenticated != nil {
		rec.IsAuthenticated = *u.IsAuthenticated
	}
	rec.LastAccessed = now
	rec.ExpiresAt = now.Add(s.cfg.TTL)

	return s.writeFile(rec)
}

// Delete removes the domain's session from cache and disk.
func (s *Store) Delete(domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(domain)
	return nil
}

// ClearExpired drops every expired record, on disk included, and returns
// the number removed.
func (s *Store) ClearExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for domain, rec := range s.cache {
		if !rec.ExpiresAt.After(now) {
			s.removeLocked(domain)
			removed++
		}
	}

	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return removed
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.cfg.Dir, entry.Name())
		rec, err := s.decryptFile(path)
		if err != nil {
			continue
		}
		if _, cached := s.cache[rec.Domain]; cached {
			continue
		}
		if !rec.ExpiresAt.After(now) {
			os.Remove(path)
			removed++
		}
	}
	return removed
}

func (s *Store) removeLocked(domain string) {
	delete(s.cache, domain)
	os.Remove(s.pathFor(domain))
}

func (s *Store) pathFor(domain string) string {
	sum := sha256.Sum256([]byte(domain))
	return filepath.Join(s.cfg.Dir, hex.EncodeToString(sum[:8])+".json")
}

func (s *Store) readFile(domain string) (*Record, error) {
	rec, err := s.decryptFile(s.pathFor(domain))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, types.ErrSessionNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *Store) decryptFile(path string) (*Record, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	plain, err := decrypt(s.key, blob)
	if err != nil {
		return nil, fmt.Errorf("session decrypt %s: %w", filepath.Base(path), err)
	}
	var rec Record
	if err := json.Unmarshal(plain, &rec); err != nil {
		return nil, fmt.Errorf("session decode %s: %w", filepath.Base(path), err)
	}
	return &rec, nil
}

func (s *Store) writeFile(rec *Record) error {
	plain, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	blob, err := encrypt(s.key, plain)
	if err != nil {
		return err
	}
	return os.WriteFile(s.pathFor(rec.Domain), blob, filePerm)
}

// deriveKey derives the at-rest key from the process secret via PBKDF2,
// persisting the salt next to the session files. Without a secret an
// ephemeral random key is used and existing files become unreadable.
func deriveKey(dir string) ([]byte, error) {
	secret := os.Getenv(secretEnv)
	if secret == "" {
		log.Warn().Str("env", secretEnv).Msg("No session secret set, using ephemeral key; sessions will not survive a restart")
		key := make([]byte, keyLen)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		return key, nil
	}

	saltPath := filepath.Join(dir, ".salt")
	salt, err := os.ReadFile(saltPath)
	if err != nil || len(salt) != saltLen {
		salt = make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
		if err := os.WriteFile(saltPath, salt, filePerm); err != nil {
			return nil, fmt.Errorf("session salt: %w", err)
		}
	}
	return pbkdf2.Key([]byte(secret), salt, pbkdf2Iterations, keyLen, sha256.New), nil
}

// encrypt seals plain with AES-GCM, prepending the nonce.
func encrypt(key, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func decrypt(key, blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	nonce, cipherText := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	return gcm.Open(nil, nonce, cipherText, nil)
}

func cloneRecord(rec Record) Record {
	rec.Cookies = cloneMap(rec.Cookies)
	rec.Headers = cloneMap(rec.Headers)
	rec.AuthTokens = cloneMap(rec.AuthTokens)
	return rec
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mergeMap(dst *map[string]string, src map[string]string) {
	if len(src) == 0 {
		return
	}
	if *dst == nil {
		*dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		(*dst)[k] = v
	}
}
