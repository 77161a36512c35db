// Package pool implements the in-memory registry of upstream accounts the
// dispatch engine draws from: sticky-preferring selection per model, with
// round-robin fallback and per-model rate-limit bookkeeping.
package pool

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrPoolFull is returned by Add when the pool is already at its configured cap.
var ErrPoolFull = errors.New("pool: at capacity")

// RateLimitState tracks whether an account is free or cooling down for a
// specific model. A zero LimitedUntil means free.
type RateLimitState struct {
	LimitedUntil time.Time
}

func (s *RateLimitState) isFree(now time.Time) bool {
	return s == nil || s.LimitedUntil.IsZero() || !s.LimitedUntil.After(now)
}

// Account is one upstream credential entry. Credential fields are opaque to
// the pool; only Email and the per-model rate-limit map are consulted for
// selection.
type Account struct {
	Email        string
	RefreshToken string
	ClientID     string
	ClientSecret string
	CreatedAt    time.Time

	mu          sync.Mutex
	modelStates map[string]*RateLimitState
}

func (a *Account) stateFor(model string) *RateLimitState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.modelStates == nil {
		return nil
	}
	return a.modelStates[model]
}

func (a *Account) setLimited(model string, until time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.modelStates == nil {
		a.modelStates = make(map[string]*RateLimitState)
	}
	a.modelStates[model] = &RateLimitState{LimitedUntil: until}
}

// Pool is the thread-safe account registry. Zero value is not usable; build
// one with New.
type Pool struct {
	mu          sync.Mutex
	accounts    []*Account
	byEmail     map[string]*Account
	stickyEmail map[string]string // model -> email
	cursor      map[string]int    // model -> round-robin index
	maxAccounts int
}

// New builds an empty pool capped at maxAccounts. maxAccounts <= 0 means
// unbounded.
func New(maxAccounts int) *Pool {
	return &Pool{
		byEmail:     make(map[string]*Account),
		stickyEmail: make(map[string]string),
		cursor:      make(map[string]int),
		maxAccounts: maxAccounts,
	}
}

// Add registers an account, keyed by its Email. Re-adding an existing email
// is a no-op that returns nil. Returns ErrPoolFull if the pool is at
// capacity.
func (p *Pool) Add(account *Account) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byEmail[account.Email]; exists {
		return nil
	}
	if p.maxAccounts > 0 && len(p.accounts) >= p.maxAccounts {
		return ErrPoolFull
	}

	p.accounts = append(p.accounts, account)
	p.byEmail[account.Email] = account
	return nil
}

// Remove drops the account with the given email from the pool, clearing it
// from any model's sticky pointer.
func (p *Pool) Remove(email string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byEmail[email]; !exists {
		return
	}
	delete(p.byEmail, email)
	for i, a := range p.accounts {
		if a.Email == email {
			p.accounts = append(p.accounts[:i], p.accounts[i+1:]...)
			break
		}
	}
	for model, sticky := range p.stickyEmail {
		if sticky == email {
			delete(p.stickyEmail, model)
		}
	}
}

// AvailableFor returns every account whose state for model is free, in
// insertion order.
func (p *Pool) AvailableFor(model string) []*Account {
	p.mu.Lock()
	accounts := append([]*Account(nil), p.accounts...)
	p.mu.Unlock()

	now := time.Now()
	available := make([]*Account, 0, len(accounts))
	for _, a := range accounts {
		if a.stateFor(model).isFree(now) {
			available = append(available, a)
		}
	}
	return available
}

// Sticky returns the current sticky account for model, if it is still free.
// A sticky pointer to a now-limited account is cleared and nil is returned.
func (p *Pool) Sticky(model string) *Account {
	p.mu.Lock()
	email, ok := p.stickyEmail[model]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	account := p.byEmail[email]
	p.mu.Unlock()

	if account == nil {
		return nil
	}
	if !account.stateFor(model).isFree(time.Now()) {
		p.mu.Lock()
		if p.stickyEmail[model] == email {
			delete(p.stickyEmail, model)
		}
		p.mu.Unlock()
		return nil
	}
	return account
}

// PickNext advances the round-robin cursor for model and returns the next
// free account, setting it as the new sticky. Ties are broken by insertion
// (account slice) order. Returns nil if no account is free for model.
func (p *Pool) PickNext(model string) *Account {
	available := p.AvailableFor(model)
	if len(available) == 0 {
		return nil
	}

	sort.SliceStable(available, func(i, j int) bool {
		return available[i].CreatedAt.Before(available[j].CreatedAt)
	})

	p.mu.Lock()
	index := p.cursor[model] % len(available)
	p.cursor[model] = index + 1
	chosen := available[index]
	p.stickyEmail[model] = chosen.Email
	p.mu.Unlock()

	return chosen
}

// MarkLimited sets email's state for model to limited-until(now+resetMs). If
// email is the current sticky account for model, the sticky pointer is
// cleared so the next dispatch round-robins onto a different account.
func (p *Pool) MarkLimited(email string, resetMs int64, model string) {
	p.mu.Lock()
	account := p.byEmail[email]
	if p.stickyEmail[model] == email {
		delete(p.stickyEmail, model)
	}
	p.mu.Unlock()

	if account == nil {
		return
	}
	account.setLimited(model, time.Now().Add(time.Duration(resetMs)*time.Millisecond))
}

// ClearExpired deletes every per-model rate-limit state whose cooldown has
// already passed. Reads already treat an expired state as free (see isFree),
// so the sweep only drops stale map entries; the dispatch attempt loops call
// it at the top of each iteration.
func (p *Pool) ClearExpired() {
	p.mu.Lock()
	accounts := append([]*Account(nil), p.accounts...)
	p.mu.Unlock()

	now := time.Now()
	for _, a := range accounts {
		a.mu.Lock()
		for model, state := range a.modelStates {
			if state != nil && !state.LimitedUntil.IsZero() && !state.LimitedUntil.After(now) {
				delete(a.modelStates, model)
			}
		}
		a.mu.Unlock()
	}
}

// AllLimited reports whether every account in the pool is currently limited
// for model. An empty pool is considered all-limited (nothing is available).
func (p *Pool) AllLimited(model string) bool {
	p.mu.Lock()
	total := len(p.accounts)
	p.mu.Unlock()
	if total == 0 {
		return true
	}
	return len(p.AvailableFor(model)) == 0
}

// MinWaitMs returns the minimum remaining wait, in milliseconds, across every
// account's state for model. Returns 0 if any account is already free.
func (p *Pool) MinWaitMs(model string) int64 {
	p.mu.Lock()
	accounts := append([]*Account(nil), p.accounts...)
	p.mu.Unlock()

	now := time.Now()
	var min int64 = -1
	for _, a := range accounts {
		state := a.stateFor(model)
		if state.isFree(now) {
			return 0
		}
		wait := state.LimitedUntil.Sub(now).Milliseconds()
		if min < 0 || wait < min {
			min = wait
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

// TotalCount returns the number of accounts currently registered.
func (p *Pool) TotalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

// Accounts returns a snapshot copy of every registered account, in insertion order.
func (p *Pool) Accounts() []*Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Account(nil), p.accounts...)
}
