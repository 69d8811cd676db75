package optimizer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stellarlinkco/leadclaw/internal/cache"
	"github.com/stellarlinkco/leadclaw/internal/llm"
	"github.com/stellarlinkco/leadclaw/internal/tokens"
)

type fakeSummarizer struct {
	summary string
	err     error
	calls   int
}

func (f *fakeSummarizer) Summarize(ctx context.Context, turns []llm.Message) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.summary, nil
}

func newTestOptimizer(s Summarizer) (*Optimizer, *cache.Cache[string, CachedPrompt]) {
	c := cache.New[string, CachedPrompt](30 * time.Minute)
	return New(c, tokens.Heuristic{}, s, Options{MinHistory: 4, RecentTail: 4}), c
}

func makeHistory(n, size int) []llm.Message {
	out := make([]llm.Message, n)
	for i := range out {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleModel
		}
		body := fmt.Sprintf("turn %d ", i)
		out[i] = llm.Message{Role: role, Content: body + strings.Repeat("x", size-len(body))}
	}
	return out
}

func TestOptimize_IdempotentWithCache(t *testing.T) {
	opt, _ := newTestOptimizer(&fakeSummarizer{summary: "s"})
	history := makeHistory(6, 20)

	first, err := opt.Optimize(context.Background(), history, "be helpful", "sess-1", 1000)
	if err != nil {
		t.Fatalf("Optimize error: %v", err)
	}
	if first.UsedCache {
		t.Fatal("first call should not use cache")
	}
	second, err := opt.Optimize(context.Background(), history, "be helpful", "sess-1", 1000)
	if err != nil {
		t.Fatalf("Optimize error: %v", err)
	}
	if !second.UsedCache {
		t.Fatal("second identical call should use cache")
	}
	if !reflect.DeepEqual(first.Payload, second.Payload) {
		t.Fatalf("payloads differ:\n%v\n%v", first.Payload, second.Payload)
	}
	if len(first.Payload) != 7 || first.Payload[0].Role != llm.RoleSystem {
		t.Fatalf("unexpected payload shape: %v", first.Payload)
	}
}

func TestOptimize_ExtendsCachedPrefix(t *testing.T) {
	opt, _ := newTestOptimizer(nil)
	history := makeHistory(8, 20)

	if _, err := opt.Optimize(context.Background(), history[:6], "sys", "s", 1000); err != nil {
		t.Fatalf("Optimize error: %v", err)
	}
	res, err := opt.Optimize(context.Background(), history, "sys", "s", 1000)
	if err != nil {
		t.Fatalf("Optimize error: %v", err)
	}
	if !res.UsedCache {
		t.Fatal("extended history should reuse the cached prefix")
	}
	if len(res.Payload) != 9 {
		t.Fatalf("payload len = %d, want 9", len(res.Payload))
	}
	if res.Payload[8].Content != history[7].Content {
		t.Fatalf("last turn = %q", res.Payload[8].Content)
	}
}

func TestOptimize_SystemPromptChangeReplacesCachedSystem(t *testing.T) {
	opt, _ := newTestOptimizer(nil)
	history := makeHistory(6, 20)
	if _, err := opt.Optimize(context.Background(), history, "old prompt", "s", 1000); err != nil {
		t.Fatal(err)
	}
	res, err := opt.Optimize(context.Background(), history, "new prompt", "s", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if res.Payload[0].Content != "new prompt" {
		t.Fatalf("system = %q", res.Payload[0].Content)
	}
}

func TestOptimize_SummarizesWithinBudget(t *testing.T) {
	s := &fakeSummarizer{summary: "visitor is Ana from Acme"}
	opt, _ := newTestOptimizer(s)
	history := makeHistory(20, 100)
	budget := 200

	res, err := opt.Optimize(context.Background(), history, "You are helpful.", "s", budget)
	if err != nil {
		t.Fatalf("Optimize error: %v", err)
	}
	if s.calls != 1 {
		t.Fatalf("summarizer calls = %d", s.calls)
	}
	if res.EstimatedTokens > budget {
		t.Fatalf("estimated %d exceeds budget %d", res.EstimatedTokens, budget)
	}
	if got := (tokens.Heuristic{}).EstimateMessages(res.Payload); got > budget {
		t.Fatalf("payload tokens %d exceed budget", got)
	}
	if len(res.Payload) != 6 {
		t.Fatalf("payload len = %d, want system+summary+4", len(res.Payload))
	}
	if !strings.Contains(res.Payload[1].Content, "Ana from Acme") {
		t.Fatalf("summary turn = %q", res.Payload[1].Content)
	}
	if res.Summary != "visitor is Ana from Acme" {
		t.Fatalf("summary = %q", res.Summary)
	}
	if res.Payload[5].Content != history[19].Content {
		t.Fatal("most recent turn must be kept verbatim")
	}
}

func TestOptimize_SummarizerFailureFallsBackToTail(t *testing.T) {
	opt, _ := newTestOptimizer(&fakeSummarizer{err: errors.New("upstream down")})
	history := makeHistory(20, 100)

	res, err := opt.Optimize(context.Background(), history, "You are helpful.", "s", 200)
	if err != nil {
		t.Fatalf("Optimize error: %v", err)
	}
	if len(res.Payload) != 5 {
		t.Fatalf("payload len = %d, want system+4", len(res.Payload))
	}
	if res.Summary != "" {
		t.Fatalf("summary = %q, want empty", res.Summary)
	}
	if res.EstimatedTokens > 200 {
		t.Fatalf("over budget: %d", res.EstimatedTokens)
	}
}

func TestOptimize_TrimsOversizedTurn(t *testing.T) {
	opt, _ := newTestOptimizer(nil)
	history := []llm.Message{{Role: llm.RoleUser, Content: strings.Repeat("word ", 400) + "final"}}

	res, err := opt.Optimize(context.Background(), history, "sys", "s", 50)
	if err != nil {
		t.Fatalf("Optimize error: %v", err)
	}
	if res.EstimatedTokens > 50 {
		t.Fatalf("over budget: %d", res.EstimatedTokens)
	}
	if len(res.Payload) != 2 || !strings.HasSuffix(res.Payload[1].Content, "final") {
		t.Fatalf("expected the newest words to survive, got %v", res.Payload)
	}
}

func TestOptimize_BudgetTooSmall(t *testing.T) {
	opt, _ := newTestOptimizer(nil)
	_, err := opt.Optimize(context.Background(), nil, strings.Repeat("x", 400), "s", 10)
	if !errors.Is(err, ErrBudgetTooSmall) {
		t.Fatalf("expected ErrBudgetTooSmall, got %v", err)
	}
}

func TestOptimize_ShortHistorySkipsCache(t *testing.T) {
	opt, _ := newTestOptimizer(nil)
	history := makeHistory(4, 20)
	for i := 0; i < 2; i++ {
		res, err := opt.Optimize(context.Background(), history, "sys", "s", 1000)
		if err != nil {
			t.Fatal(err)
		}
		if res.UsedCache {
			t.Fatalf("call %d used cache for a short history", i)
		}
	}
}

func TestOptimize_NoCrossSessionAliasing(t *testing.T) {
	opt, _ := newTestOptimizer(nil)
	history := makeHistory(6, 20)
	if _, err := opt.Optimize(context.Background(), history, "sys", "a", 1000); err != nil {
		t.Fatal(err)
	}
	res, err := opt.Optimize(context.Background(), history, "sys", "b", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if res.UsedCache {
		t.Fatal("session b must not see session a's cache entry")
	}
}

func TestOptimize_ExpiredEntryIsRebuilt(t *testing.T) {
	now := time.Unix(0, 0)
	opt, c := newTestOptimizer(nil)
	c.SetClock(func() time.Time { return now })
	history := makeHistory(6, 20)

	if _, err := opt.Optimize(context.Background(), history, "sys", "s", 1000); err != nil {
		t.Fatal(err)
	}
	now = now.Add(31 * time.Minute)
	if removed := opt.ClearExpired(); removed != 1 {
		t.Fatalf("ClearExpired removed %d", removed)
	}
	res, err := opt.Optimize(context.Background(), history, "sys", "s", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if res.UsedCache {
		t.Fatal("expired entry should not be reused")
	}
}

func TestFormatTranscript(t *testing.T) {
	got := FormatTranscript([]llm.Message{
		{Role: llm.RoleUser, Content: "hi"},
		{Role: "assistant", Content: "hello"},
	})
	if got != "Visitor: hi\nAssistant: hello\n" {
		t.Fatalf("transcript = %q", got)
	}
}

type countingSummarizer struct{ calls int }

func (c *countingSummarizer) Summarize(ctx context.Context, turns []llm.Message) (string, error) {
	c.calls++
	return fmt.Sprintf("summary %d", c.calls), nil
}

func TestOptimize_ShortTailConfigStaysIdempotent(t *testing.T) {
	s := &countingSummarizer{}
	opt := New(cache.New[string, CachedPrompt](time.Hour), tokens.Heuristic{}, s, Options{MinHistory: 4, RecentTail: 2})
	history := makeHistory(4, 100)

	first, err := opt.Optimize(context.Background(), history, "sys", "s", 100)
	if err != nil {
		t.Fatalf("Optimize error: %v", err)
	}
	second, err := opt.Optimize(context.Background(), history, "sys", "s", 100)
	if err != nil {
		t.Fatalf("Optimize error: %v", err)
	}
	if !reflect.DeepEqual(first.Payload, second.Payload) {
		t.Fatalf("payloads differ:\n%v\n%v", first.Payload, second.Payload)
	}
	if s.calls != 0 {
		t.Fatalf("summarizer called %d times for a history within MinHistory", s.calls)
	}
}
