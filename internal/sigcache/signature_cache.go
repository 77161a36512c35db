// Package sigcache memoizes the latest thinking signature observed per
// session and thinking-text digest. Claude-family models require a signed
// thinking block to be replayed verbatim on the next turn of a multi-turn
// conversation; upstream emits that signature once per block, so the proxy
// has to remember it between a streamed response and the client's next
// request.
package sigcache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a cached signature remains valid when the
	// caller does not override it via configuration.
	DefaultTTL = 2 * time.Hour

	// MaxEntriesPerSession limits memory usage per session.
	MaxEntriesPerSession = 100

	// textHashLen is the length of the hash key (16 hex chars = 64-bit key space).
	textHashLen = 16

	// MinValidSignatureLen is the minimum length for a signature to be
	// considered usable; anything shorter is treated as a malformed or
	// placeholder value and never cached.
	MinValidSignatureLen = 50

	// cleanupInterval controls how often stale sessions are purged.
	cleanupInterval = 10 * time.Minute
)

// entry holds a cached thinking signature with the time it was stored.
type entry struct {
	signature string
	timestamp time.Time
}

// session is the inner per-session map, keyed by thinking-text digest.
type session struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// Cache stores thinking signatures by sessionID -> textHash -> entry, with a
// configurable TTL and a background goroutine that purges sessions whose
// entries have all expired.
type Cache struct {
	ttl      time.Duration
	sessions sync.Map // sessionID -> *session

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a signature cache with the given TTL and starts its background
// cleanup goroutine. A zero ttl selects DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{ttl: ttl, stop: make(chan struct{})}
	go c.runCleanup()
	return c
}

// Close stops the background cleanup goroutine. Safe to call more than once.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) runCleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.purgeExpiredSessions()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) purgeExpiredSessions() {
	now := time.Now()
	c.sessions.Range(func(key, value any) bool {
		sc := value.(*session)
		sc.mu.Lock()
		for k, e := range sc.entries {
			if now.Sub(e.timestamp) > c.ttl {
				delete(sc.entries, k)
			}
		}
		isEmpty := len(sc.entries) == 0
		sc.mu.Unlock()
		if isEmpty {
			c.sessions.Delete(key)
		}
		return true
	})
}

func hashText(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])[:textHashLen]
}

func (c *Cache) getOrCreateSession(sessionID string) *session {
	if val, ok := c.sessions.Load(sessionID); ok {
		return val.(*session)
	}
	sc := &session{entries: make(map[string]entry)}
	actual, _ := c.sessions.LoadOrStore(sessionID, sc)
	return actual.(*session)
}

// Put stores a thinking signature for the given session and thinking text.
// Calls with an empty sessionID/text/signature, or a signature shorter than
// MinValidSignatureLen, are silently ignored.
func (c *Cache) Put(sessionID, text, signature string) {
	if sessionID == "" || text == "" || signature == "" {
		return
	}
	if !HasValidSignature(signature) {
		return
	}

	sc := c.getOrCreateSession(sessionID)
	textHash := hashText(text)

	sc.mu.Lock()
	defer sc.mu.Unlock()

	if len(sc.entries) >= MaxEntriesPerSession {
		now := time.Now()
		for key, e := range sc.entries {
			if now.Sub(e.timestamp) > c.ttl {
				delete(sc.entries, key)
			}
		}
		if len(sc.entries) >= MaxEntriesPerSession {
			type aged struct {
				key string
				ts  time.Time
			}
			oldest := make([]aged, 0, len(sc.entries))
			for key, e := range sc.entries {
				oldest = append(oldest, aged{key, e.timestamp})
			}
			sort.Slice(oldest, func(i, j int) bool { return oldest[i].ts.Before(oldest[j].ts) })

			toRemove := len(oldest) / 4
			if toRemove < 1 {
				toRemove = 1
			}
			for i := 0; i < toRemove; i++ {
				delete(sc.entries, oldest[i].key)
			}
		}
	}

	sc.entries[textHash] = entry{signature: signature, timestamp: time.Now()}
}

// Get retrieves a cached signature for the given session and thinking text.
// Returns "" if not found or expired.
func (c *Cache) Get(sessionID, text string) string {
	if sessionID == "" || text == "" {
		return ""
	}

	val, ok := c.sessions.Load(sessionID)
	if !ok {
		return ""
	}
	sc := val.(*session)
	textHash := hashText(text)

	sc.mu.RLock()
	e, exists := sc.entries[textHash]
	sc.mu.RUnlock()
	if !exists {
		return ""
	}

	if time.Since(e.timestamp) > c.ttl {
		sc.mu.Lock()
		delete(sc.entries, textHash)
		sc.mu.Unlock()
		return ""
	}

	return e.signature
}

// Clear removes a single session's entries, or every session if sessionID is "".
func (c *Cache) Clear(sessionID string) {
	if sessionID != "" {
		c.sessions.Delete(sessionID)
		return
	}
	c.sessions.Range(func(key, _ any) bool {
		c.sessions.Delete(key)
		return true
	})
}

// HasValidSignature reports whether a signature is non-empty and long enough
// to be a real upstream signature rather than a placeholder.
func HasValidSignature(signature string) bool {
	return signature != "" && len(signature) >= MinValidSignatureLen
}
