// Package optimizer builds the smallest budget-compliant model payload for a
// conversation, reusing previously assembled prefixes and collapsing older
// turns into a summary when the budget is exceeded.
package optimizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"log"
	"strings"
	"time"

	"github.com/stellarlinkco/leadclaw/internal/cache"
	"github.com/stellarlinkco/leadclaw/internal/llm"
	"github.com/stellarlinkco/leadclaw/internal/tokens"
)

var ErrBudgetTooSmall = errors.New("token budget smaller than system prompt")

const summaryPreamble = "Summary of the earlier conversation:\n"

// CachedPrompt is the assembled payload for one (session, history hash).
type CachedPrompt struct {
	ContentHash     string
	Payload         []llm.Message
	EstimatedTokens int
	Summary         string
	HistoryLen      int
	ExpiresAt       time.Time
}

type Result struct {
	Payload         []llm.Message
	EstimatedTokens int
	UsedCache       bool
	Summary         string
}

type Options struct {
	// MinHistory is the history length at or below which the cache is skipped.
	MinHistory int
	// RecentTail is how many trailing turns survive summarization verbatim.
	RecentTail int
}

type Optimizer struct {
	cache      *cache.Cache[string, CachedPrompt]
	estimator  tokens.Estimator
	summarizer Summarizer
	minHistory int
	recentTail int
}

func New(c *cache.Cache[string, CachedPrompt], est tokens.Estimator, s Summarizer, opts Options) *Optimizer {
	if est == nil {
		est = tokens.Heuristic{}
	}
	if opts.MinHistory < 0 {
		opts.MinHistory = 0
	}
	if opts.RecentTail <= 0 {
		opts.RecentTail = 4
	}
	// A tail shorter than MinHistory would summarize short histories on every
	// call instead of reusing the cached payload.
	opts.RecentTail = max(opts.RecentTail, opts.MinHistory)
	return &Optimizer{
		cache:      c,
		estimator:  est,
		summarizer: s,
		minHistory: opts.MinHistory,
		recentTail: opts.RecentTail,
	}
}

// Optimize returns the payload to send for history under budget. Calling it
// twice with the same inputs before the cache entry expires yields the same
// payload, with UsedCache set on the second call.
func (o *Optimizer) Optimize(ctx context.Context, history []llm.Message, systemPrompt, sessionID string, budget int) (*Result, error) {
	system := llm.Message{Role: llm.RoleSystem, Content: systemPrompt}
	if o.estimator.EstimateMessages([]llm.Message{system}) > budget {
		return nil, ErrBudgetTooSmall
	}

	hashes := prefixHashes(history)
	normalized := normalizeTurns(history)

	if len(history) > o.minHistory {
		if res, ok := o.fromCache(system, normalized, hashes, sessionID, budget); ok {
			o.store(sessionID, hashes[len(history)], res, len(history))
			return res, nil
		}
	}

	payload := make([]llm.Message, 0, len(normalized)+1)
	payload = append(payload, system)
	payload = append(payload, normalized...)
	if est := o.estimator.EstimateMessages(payload); est <= budget {
		res := &Result{Payload: payload, EstimatedTokens: est}
		o.store(sessionID, hashes[len(history)], res, len(history))
		return res, nil
	}

	res := o.summarize(ctx, system, normalized, sessionID, budget)
	o.store(sessionID, hashes[len(history)], res, len(history))
	return res, nil
}

// ClearExpired sweeps expired cache entries.
func (o *Optimizer) ClearExpired() int {
	return o.cache.ClearExpired()
}

// fromCache finds the longest cached prefix of history for the session and
// extends it with the turns that came after.
func (o *Optimizer) fromCache(system llm.Message, history []llm.Message, hashes []string, sessionID string, budget int) (*Result, bool) {
	for i := len(history); i > 0; i-- {
		cp, ok := o.cache.Get(cacheKey(sessionID, hashes[i]))
		if !ok || cp.HistoryLen != i || len(cp.Payload) == 0 {
			continue
		}
		payload := make([]llm.Message, 0, len(cp.Payload)+len(history)-i)
		payload = append(payload, system)
		payload = append(payload, cp.Payload[1:]...)
		payload = append(payload, history[i:]...)
		est := o.estimator.EstimateMessages(payload)
		if est > budget {
			return nil, false
		}
		return &Result{Payload: payload, EstimatedTokens: est, UsedCache: true, Summary: cp.Summary}, true
	}
	return nil, false
}

func (o *Optimizer) summarize(ctx context.Context, system llm.Message, history []llm.Message, sessionID string, budget int) *Result {
	tailN := o.recentTail
	if tailN > len(history) {
		tailN = len(history)
	}
	older := history[:len(history)-tailN]
	tail := history[len(history)-tailN:]

	var summary string
	if len(older) > 0 && o.summarizer != nil {
		s, err := o.summarizer.Summarize(ctx, older)
		if err != nil {
			log.Printf("[optimizer] summarize session %s failed, sending recent turns only: %v", sessionID, err)
		} else {
			summary = strings.TrimSpace(s)
		}
	}

	payload, summary := o.fit(system, summary, tail, budget)
	return &Result{
		Payload:         payload,
		EstimatedTokens: o.estimator.EstimateMessages(payload),
		Summary:         summary,
	}
}

// fit trims the summarized payload until it fits: oldest tail turns go
// first, then the summary is shortened, then the newest turn is cut from the
// front. The system turn is never touched.
func (o *Optimizer) fit(system llm.Message, summary string, tail []llm.Message, budget int) ([]llm.Message, string) {
	tail = append([]llm.Message(nil), tail...)
	build := func() []llm.Message {
		p := make([]llm.Message, 0, len(tail)+2)
		p = append(p, system)
		if summary != "" {
			p = append(p, summaryTurn(summary))
		}
		return append(p, tail...)
	}
	fits := func() bool { return o.estimator.EstimateMessages(build()) <= budget }

	for !fits() && len(tail) > 1 {
		tail = tail[1:]
	}
	if !fits() && summary != "" {
		runes := []rune(summary)
		summary = longestFitting(runes, false, func(s string) bool {
			summary = s
			return fits()
		})
	}
	if !fits() && len(tail) == 1 {
		last := tail[0]
		runes := []rune(last.Content)
		last.Content = longestFitting(runes, true, func(s string) bool {
			tail[0].Content = s
			return fits()
		})
		tail[0] = last
		if last.Content == "" {
			tail = nil
		}
	}
	return build(), summary
}

func (o *Optimizer) store(sessionID, contentHash string, res *Result, historyLen int) {
	key := cacheKey(sessionID, contentHash)
	cp := CachedPrompt{
		ContentHash:     contentHash,
		Payload:         append([]llm.Message(nil), res.Payload...),
		EstimatedTokens: res.EstimatedTokens,
		Summary:         res.Summary,
		HistoryLen:      historyLen,
	}
	cp.ExpiresAt = o.cache.Set(key, cp)
}

// longestFitting returns the longest prefix (or suffix, when fromEnd) of
// runes accepted by fits. fits must be monotonic in length.
func longestFitting(runes []rune, fromEnd bool, fits func(string) bool) string {
	slice := func(n int) string {
		if fromEnd {
			return string(runes[len(runes)-n:])
		}
		return string(runes[:n])
	}
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if fits(strings.TrimSpace(slice(mid))) {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	out := strings.TrimSpace(slice(lo))
	fits(out)
	return out
}

func summaryTurn(summary string) llm.Message {
	return llm.Message{Role: llm.RoleUser, Content: summaryPreamble + summary}
}

// normalizeTurns maps history roles onto model/user.
func normalizeTurns(history []llm.Message) []llm.Message {
	out := make([]llm.Message, len(history))
	for i, m := range history {
		role := llm.RoleUser
		if llm.NormalizeRole(string(m.Role)) == llm.RoleModel {
			role = llm.RoleModel
		}
		out[i] = llm.Message{Role: role, Content: m.Content}
	}
	return out
}

// prefixHashes returns hashes[i] = hash of history[:i], for i in 0..len.
func prefixHashes(history []llm.Message) []string {
	out := make([]string, len(history)+1)
	var h hash.Hash = sha256.New()
	out[0] = hex.EncodeToString(h.Sum(nil))
	for i, m := range history {
		role := llm.RoleUser
		if llm.NormalizeRole(string(m.Role)) == llm.RoleModel {
			role = llm.RoleModel
		}
		h.Write([]byte(role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0x1e})
		out[i+1] = hex.EncodeToString(h.Sum(nil))
	}
	return out
}

func cacheKey(sessionID, contentHash string) string {
	return sessionID + ":" + contentHash
}
