package coalesce

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/leadclaw/internal/llm"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClockedGuard() (*Guard, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	g := NewGuard()
	g.SetClock(clock.Now)
	return g, clock
}

func TestGuard_RejectsWithinWindow(t *testing.T) {
	g, clock := newClockedGuard()

	if d := g.Check("caller", "h1", 5*time.Second); !d.Allowed {
		t.Fatal("first call must be allowed")
	}
	clock.Advance(2 * time.Second)
	d := g.Check("caller", "h1", 5*time.Second)
	if d.Allowed || d.RetryAfter != 3*time.Second {
		t.Fatalf("decision = %+v, want reject with 3s", d)
	}
	clock.Advance(3 * time.Second)
	if d := g.Check("caller", "h1", 5*time.Second); !d.Allowed {
		t.Fatalf("call after the window must be allowed: %+v", d)
	}
}

func TestGuard_RejectionDoesNotExtendWindow(t *testing.T) {
	g, clock := newClockedGuard()
	g.Check("caller", "h1", time.Second)
	clock.Advance(900 * time.Millisecond)
	g.Check("caller", "h1", time.Second)
	clock.Advance(100 * time.Millisecond)
	if d := g.Check("caller", "h1", time.Second); !d.Allowed {
		t.Fatalf("decision = %+v", d)
	}
}

func TestGuard_KeysAreIndependent(t *testing.T) {
	g, _ := newClockedGuard()
	g.Check("a", "h1", time.Minute)
	if !g.Check("a", "h2", time.Minute).Allowed {
		t.Fatal("different prompt hash must be allowed")
	}
	if !g.Check("b", "h1", time.Minute).Allowed {
		t.Fatal("different caller must be allowed")
	}
}

func TestGuard_Sweep(t *testing.T) {
	g, clock := newClockedGuard()
	g.Check("a", "old", time.Second)
	clock.Advance(10 * time.Minute)
	g.Check("a", "new", time.Second)
	if removed := g.Sweep(5 * time.Minute); removed != 1 {
		t.Fatalf("removed = %d", removed)
	}
	if g.Len() != 1 {
		t.Fatalf("len = %d", g.Len())
	}
}

func TestHashPrompt(t *testing.T) {
	a := []llm.Message{{Role: llm.RoleUser, Content: "hi"}}
	b := []llm.Message{{Role: llm.RoleModel, Content: "hi"}}
	if HashPrompt(a) == HashPrompt(b) {
		t.Fatal("role must be part of the hash")
	}
	if HashPrompt(a) != HashPrompt([]llm.Message{{Role: llm.RoleUser, Content: "hi"}}) {
		t.Fatal("hash must be stable")
	}
}

type countingClient struct {
	mu    sync.Mutex
	calls int
	kinds []llm.GenerationConfig
}

func (c *countingClient) Generate(_ context.Context, _ []llm.Message, cfg llm.GenerationConfig) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.kinds = append(c.kinds, cfg)
	return "ok", nil
}

func (c *countingClient) GenerateStream(ctx context.Context, p []llm.Message, cfg llm.GenerationConfig, onChunk func(string) error) error {
	out, _ := c.Generate(ctx, p, cfg)
	return onChunk(out)
}

func TestLiveGenerator_SuppressesDuplicates(t *testing.T) {
	g, clock := newClockedGuard()
	client := &countingClient{}
	live := NewLiveGenerator(client, g, LiveOptions{MinInterval: 5 * time.Second})
	payload := []llm.Message{{Role: llm.RoleUser, Content: "quick answer please"}}

	if _, err := live.Generate(context.Background(), "chat-1", payload); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	_, err := live.Generate(context.Background(), "chat-1", payload)
	var rejected *RejectedError
	if !errors.As(err, &rejected) || !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want RejectedError", err)
	}
	if rejected.RetryAfter <= 0 || RetryAfterMillis(rejected.RetryAfter) != 5000 {
		t.Fatalf("retry after = %s", rejected.RetryAfter)
	}
	clock.Advance(5 * time.Second)
	if _, err := live.Generate(context.Background(), "chat-1", payload); err != nil {
		t.Fatalf("after window: %v", err)
	}
	if client.calls != 2 {
		t.Fatalf("model calls = %d", client.calls)
	}
	if client.kinds[0] != llm.ConfigFor(llm.KindLive) {
		t.Fatalf("config = %+v", client.kinds[0])
	}
}

func TestLiveGenerator_RateLimitsCaller(t *testing.T) {
	g, clock := newClockedGuard()
	client := &countingClient{}
	live := NewLiveGenerator(client, g, LiveOptions{RatePerSec: 1, Burst: 2})

	for i, text := range []string{"a", "b"} {
		if _, err := live.Generate(context.Background(), "chat-1", []llm.Message{{Role: llm.RoleUser, Content: text}}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	_, err := live.Generate(context.Background(), "chat-1", []llm.Message{{Role: llm.RoleUser, Content: "c"}})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want rate rejection", err)
	}
	if _, err := live.Generate(context.Background(), "chat-2", []llm.Message{{Role: llm.RoleUser, Content: "c"}}); err != nil {
		t.Fatalf("other caller: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := live.Generate(context.Background(), "chat-1", []llm.Message{{Role: llm.RoleUser, Content: "c"}}); err != nil {
		t.Fatalf("after refill: %v", err)
	}
}

func TestLiveGenerator_SweepDropsIdleCallers(t *testing.T) {
	g, clock := newClockedGuard()
	live := NewLiveGenerator(&countingClient{}, g, LiveOptions{MinInterval: time.Second, RatePerSec: 1, Burst: 1})
	if _, err := live.Generate(context.Background(), "chat-1", []llm.Message{{Role: llm.RoleUser, Content: "x"}}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	clock.Advance(time.Hour)
	if removed := live.Sweep(time.Minute); removed != 2 {
		t.Fatalf("removed = %d, want guard entry and limiter", removed)
	}
}

func TestLiveGenerator_NoClient(t *testing.T) {
	live := NewLiveGenerator(nil, nil, LiveOptions{})
	_, err := live.Generate(context.Background(), "chat-1", []llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	if !errors.Is(err, llm.ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}
	if live.Guard().Len() != 0 {
		t.Fatal("a call without a client must not occupy the window")
	}
}
