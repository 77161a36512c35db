// Package accountstore gives the account pool durable, file-backed
// membership: it loads the persisted account list at startup, mirrors
// every Add/Remove back to disk, and optionally watches the file for
// out-of-band edits so an operator (or another process instance) can add
// accounts without a restart.
package accountstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/ruwiss/antigravity-claude-proxy/internal/pool"
)

// record is the on-disk shape of one account entry.
type record struct {
	Email        string    `json:"email"`
	RefreshToken string    `json:"refreshToken"`
	ClientID     string    `json:"clientId,omitempty"`
	ClientSecret string    `json:"clientSecret,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store persists the account pool's membership to a JSON array file and
// mirrors pool mutations back to it under a write-temp-then-rename swap.
type Store struct {
	path string
	pool *pool.Pool

	writeMu sync.Mutex

	watcher   *fsnotify.Watcher
	closeOnce sync.Once
}

// New builds a Store backed by path, mirroring to p.
func New(path string, p *pool.Pool) *Store {
	return &Store{path: path, pool: p}
}

// Load reads the persisted account list into the pool. A missing file is
// not an error — it's an empty pool waiting for its first Add.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("accountstore: read %s: %w", s.path, err)
	}
	return s.addRecords(parseRecords(data))
}

func parseRecords(data []byte) []record {
	if len(data) == 0 {
		return nil
	}
	var records []record
	if err := json.Unmarshal(data, &records); err != nil {
		log.WithError(err).Warn("accountstore: malformed accounts file, ignoring")
		return nil
	}
	return records
}

func (s *Store) addRecords(records []record) error {
	for _, r := range records {
		err := s.pool.Add(&pool.Account{
			Email:        r.Email,
			RefreshToken: r.RefreshToken,
			ClientID:     r.ClientID,
			ClientSecret: r.ClientSecret,
			CreatedAt:    r.CreatedAt,
		})
		switch {
		case err == nil:
		case errors.Is(err, pool.ErrPoolFull):
			log.WithField("email", r.Email).Warn("accountstore: pool at capacity, skipping account")
		default:
			return fmt.Errorf("accountstore: add %s: %w", r.Email, err)
		}
	}
	return nil
}

// Add registers account in the pool and persists the updated list.
func (s *Store) Add(account *pool.Account) error {
	if err := s.pool.Add(account); err != nil {
		return err
	}
	return s.persist()
}

// Remove drops email from the pool and persists the updated list.
func (s *Store) Remove(email string) error {
	s.pool.Remove(email)
	return s.persist()
}

// persist serializes the pool's current account set and writes it to disk
// via a write-temp-then-rename swap, guarded by writeMu so concurrent
// Add/Remove calls don't interleave partial writes.
func (s *Store) persist() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	accounts := s.pool.Accounts()
	records := make([]record, 0, len(accounts))
	for _, a := range accounts {
		records = append(records, record{
			Email:        a.Email,
			RefreshToken: a.RefreshToken,
			ClientID:     a.ClientID,
			ClientSecret: a.ClientSecret,
			CreatedAt:    a.CreatedAt,
		})
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("accountstore: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("accountstore: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".accounts-*.tmp")
	if err != nil {
		return fmt.Errorf("accountstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("accountstore: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("accountstore: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("accountstore: rename temp file: %w", err)
	}
	return nil
}

// Watch starts an fsnotify watch on the accounts file and adds any record
// not already in the pool (by email) whenever the file changes out of
// band. It runs until ctx is canceled or Close is called.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("accountstore: new watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("accountstore: watch %s: %w", dir, err)
	}
	s.watcher = watcher

	go s.watchLoop(ctx, watcher)
	return nil
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			s.closeWatcher()
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.reloadAdditions()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("accountstore: watcher error")
		}
	}
}

// reloadAdditions re-reads the accounts file and adds any record whose
// email isn't already in the pool. It never rewrites the file itself,
// avoiding a write-triggers-reload feedback loop.
func (s *Store) reloadAdditions() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Warn("accountstore: reload read failed")
		}
		return
	}

	existing := make(map[string]bool)
	for _, a := range s.pool.Accounts() {
		existing[a.Email] = true
	}

	for _, r := range parseRecords(data) {
		if existing[r.Email] {
			continue
		}
		if err := s.pool.Add(&pool.Account{
			Email:        r.Email,
			RefreshToken: r.RefreshToken,
			ClientID:     r.ClientID,
			ClientSecret: r.ClientSecret,
			CreatedAt:    r.CreatedAt,
		}); err != nil {
			log.WithField("email", r.Email).WithError(err).Warn("accountstore: could not add account from reload")
			continue
		}
		log.WithField("email", r.Email).Info("accountstore: picked up new account from out-of-band edit")
	}
}

// Close stops the fsnotify watch, if one is running. Safe to call more
// than once.
func (s *Store) Close() error {
	s.closeWatcher()
	return nil
}

func (s *Store) closeWatcher() {
	s.closeOnce.Do(func() {
		if s.watcher != nil {
			_ = s.watcher.Close()
		}
	})
}
