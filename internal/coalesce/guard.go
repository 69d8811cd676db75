// Package coalesce suppresses repeated low-latency generation calls from the
// same caller.
package coalesce

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stellarlinkco/leadclaw/internal/llm"
)

// ErrRejected matches every *RejectedError.
var ErrRejected = errors.New("call rejected")

// RejectedError reports how long the caller should wait before retrying.
type RejectedError struct {
	RetryAfter time.Duration
	Reason     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("call rejected (%s), retry after %s", e.Reason, e.RetryAfter)
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type guardKey struct {
	caller string
	hash   string
}

// Guard remembers the last allowed call per (caller, prompt hash).
type Guard struct {
	mu   sync.Mutex
	last map[guardKey]time.Time
	now  func() time.Time
}

func NewGuard() *Guard {
	return &Guard{last: make(map[guardKey]time.Time), now: time.Now}
}

// SetClock replaces the time source; tests only.
func (g *Guard) SetClock(now func() time.Time) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}

func (g *Guard) clock() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.now()
}

// Check allows the call and records it, or rejects it with the time left in
// the window. Rejected calls do not extend the window.
func (g *Guard) Check(callerKey, promptHash string, minInterval time.Duration) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	k := guardKey{caller: callerKey, hash: promptHash}
	now := g.now()
	if last, ok := g.last[k]; ok && minInterval > 0 {
		if wait := last.Add(minInterval).Sub(now); wait > 0 {
			return Decision{RetryAfter: wait}
		}
	}
	g.last[k] = now
	return Decision{Allowed: true}
}

// Sweep drops entries older than maxAge and returns how many were removed.
func (g *Guard) Sweep(maxAge time.Duration) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.now().Add(-maxAge)
	removed := 0
	for k, at := range g.last {
		if at.Before(cutoff) {
			delete(g.last, k)
			removed++
		}
	}
	return removed
}

func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.last)
}

// HashPrompt hashes the role and content of each message.
func HashPrompt(payload []llm.Message) string {
	h := sha256.New()
	for _, m := range payload {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashText hashes a single piece of text, such as an inbound message.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
