package optimizer

import (
	"context"
	"fmt"
	"strings"

	"github.com/stellarlinkco/leadclaw/internal/llm"
)

// Summarizer condenses older conversation turns into a short paragraph.
type Summarizer interface {
	Summarize(ctx context.Context, turns []llm.Message) (string, error)
}

const summarizePrompt = `You condense sales conversations. Summarize the transcript below in at most
five sentences. Keep every fact the visitor shared about themselves, their
company, their role, their problems and any commitments made. Do not invent
anything. Reply with the summary only.

Transcript:
%s`

// LLMSummarizer asks the model for a summary using the analysis profile.
type LLMSummarizer struct {
	Client llm.Client
}

func NewLLMSummarizer(client llm.Client) *LLMSummarizer {
	return &LLMSummarizer{Client: client}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, turns []llm.Message) (string, error) {
	if len(turns) == 0 {
		return "", nil
	}
	prompt := fmt.Sprintf(summarizePrompt, FormatTranscript(turns))
	out, err := s.Client.Generate(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, llm.ConfigFor(llm.KindAnalysis))
	if err != nil {
		return "", fmt.Errorf("summarize turns: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// FormatTranscript renders turns as "Visitor:" / "Assistant:" lines.
func FormatTranscript(turns []llm.Message) string {
	var sb strings.Builder
	for _, m := range turns {
		switch llm.NormalizeRole(string(m.Role)) {
		case llm.RoleModel:
			sb.WriteString("Assistant: ")
		default:
			sb.WriteString("Visitor: ")
		}
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
