// Package tokens approximates model token counts.
package tokens

import (
	"unicode/utf8"

	"github.com/stellarlinkco/leadclaw/internal/llm"
)

// Estimator converts text into an approximate token count. Implementations
// must be monotonic in input length.
type Estimator interface {
	Estimate(text string) int
	EstimateMessages(msgs []llm.Message) int
}

const (
	charsPerToken      = 4
	perMessageOverhead = 4
)

// Heuristic counts one token per four runes, rounded up, plus a fixed
// overhead per message for role framing. It over-counts rather than under.
type Heuristic struct{}

var _ Estimator = Heuristic{}

func (Heuristic) Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + charsPerToken - 1) / charsPerToken
}

func (h Heuristic) EstimateMessages(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += h.Estimate(m.Content) + perMessageOverhead
	}
	return total
}
