package coalesce

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/stellarlinkco/leadclaw/internal/llm"
	"golang.org/x/time/rate"
)

type LiveOptions struct {
	// MinInterval is the duplicate-suppression window per (caller, prompt).
	MinInterval time.Duration
	// RatePerSec and Burst configure a per-caller token bucket. Zero disables it.
	RatePerSec float64
	Burst      int
}

type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LiveGenerator gates llm.KindLive calls through a Guard and an optional
// per-caller rate limit.
type LiveGenerator struct {
	client llm.Client
	guard  *Guard
	opts   LiveOptions

	mu       sync.Mutex
	limiters map[string]*callerLimiter
}

func NewLiveGenerator(client llm.Client, guard *Guard, opts LiveOptions) *LiveGenerator {
	if guard == nil {
		guard = NewGuard()
	}
	return &LiveGenerator{
		client:   client,
		guard:    guard,
		opts:     opts,
		limiters: make(map[string]*callerLimiter),
	}
}

func (l *LiveGenerator) Guard() *Guard { return l.guard }

// Generate returns a *RejectedError without calling the model when the caller
// repeats a prompt inside the window or exceeds its rate.
func (l *LiveGenerator) Generate(ctx context.Context, callerKey string, payload []llm.Message) (string, error) {
	if l.client == nil {
		return "", fmt.Errorf("live generation: %w", llm.ErrUpstreamUnavailable)
	}
	if err := l.admit(callerKey, payload); err != nil {
		return "", err
	}
	return l.client.Generate(ctx, payload, llm.ConfigFor(llm.KindLive))
}

func (l *LiveGenerator) GenerateStream(ctx context.Context, callerKey string, payload []llm.Message, onChunk func(string) error) error {
	if l.client == nil {
		return fmt.Errorf("live generation: %w", llm.ErrUpstreamUnavailable)
	}
	if err := l.admit(callerKey, payload); err != nil {
		return err
	}
	return l.client.GenerateStream(ctx, payload, llm.ConfigFor(llm.KindLive), onChunk)
}

func (l *LiveGenerator) admit(callerKey string, payload []llm.Message) error {
	now := l.guard.clock()
	var reservation *rate.Reservation
	if lim := l.limiter(callerKey, now); lim != nil {
		reservation = lim.ReserveN(now, 1)
		if !reservation.OK() {
			return &RejectedError{RetryAfter: time.Second, Reason: "rate"}
		}
		if delay := reservation.DelayFrom(now); delay > 0 {
			reservation.CancelAt(now)
			return &RejectedError{RetryAfter: delay, Reason: "rate"}
		}
	}
	if d := l.guard.Check(callerKey, HashPrompt(payload), l.opts.MinInterval); !d.Allowed {
		if reservation != nil {
			reservation.CancelAt(now)
		}
		return &RejectedError{RetryAfter: d.RetryAfter, Reason: "duplicate"}
	}
	return nil
}

func (l *LiveGenerator) limiter(callerKey string, now time.Time) *rate.Limiter {
	if l.opts.RatePerSec <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cl, ok := l.limiters[callerKey]
	if !ok {
		burst := max(l.opts.Burst, 1)
		cl = &callerLimiter{limiter: rate.NewLimiter(rate.Limit(l.opts.RatePerSec), burst)}
		l.limiters[callerKey] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

// Sweep drops guard entries and idle limiters older than maxAge.
func (l *LiveGenerator) Sweep(maxAge time.Duration) int {
	removed := l.guard.Sweep(maxAge)
	cutoff := l.guard.clock().Add(-maxAge)
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, cl := range l.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(l.limiters, k)
			removed++
		}
	}
	return removed
}

// RetryAfterMillis rounds up for clients that speak milliseconds.
func RetryAfterMillis(d time.Duration) int64 {
	return int64(math.Ceil(float64(d) / float64(time.Millisecond)))
}
