package tokens

import (
	"strings"
	"testing"

	"github.com/stellarlinkco/leadclaw/internal/llm"
)

func TestHeuristic_Estimate(t *testing.T) {
	h := Heuristic{}
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
		{"你好世界", 1},
	}
	for _, tt := range tests {
		if got := h.Estimate(tt.in); got != tt.want {
			t.Errorf("Estimate(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestHeuristic_Monotonic(t *testing.T) {
	h := Heuristic{}
	prev := 0
	var sb strings.Builder
	for i := 0; i < 200; i++ {
		sb.WriteString("w")
		got := h.Estimate(sb.String())
		if got < prev {
			t.Fatalf("estimate decreased at length %d: %d < %d", i+1, got, prev)
		}
		prev = got
	}
}

func TestHeuristic_EstimateMessages(t *testing.T) {
	h := Heuristic{}
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: "abcd"},
		{Role: llm.RoleUser, Content: "abcdefgh"},
	}
	if got := h.EstimateMessages(msgs); got != 1+2+2*perMessageOverhead {
		t.Fatalf("EstimateMessages = %d", got)
	}
	if got := h.EstimateMessages(nil); got != 0 {
		t.Fatalf("empty = %d", got)
	}
}
