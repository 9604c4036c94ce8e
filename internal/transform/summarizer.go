package transform

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/TobiSchelling/IssueCrawler/internal/llm"
)

// SummaryInput is what a Summarizer sees for one record.
type SummaryInput struct {
	Metadata    Metadata
	Content     Content
	Instruction string
	Input       string
}

// Summarizer produces the output of the summarization task.
type Summarizer interface {
	Summarize(ctx context.Context, in SummaryInput) (string, error)
}

// Extractive is the default deterministic summarizer.
type Extractive struct{}

func (Extractive) Summarize(_ context.Context, in SummaryInput) (string, error) {
	return extractiveSummary(in.Metadata, in.Content), nil
}

const summaryPrompt = `%s

%s

Respond with JSON only: {"summary": "<2-3 sentence summary>"}`

// LLMSummarizer asks a language model for the summary and falls back to the
// extractive template on any failure.
type LLMSummarizer struct {
	provider  llm.Provider
	maxTokens int
	logger    *slog.Logger
}

// NewLLMSummarizer wraps provider. A nil provider always falls back.
func NewLLMSummarizer(provider llm.Provider, maxTokens int, logger *slog.Logger) *LLMSummarizer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LLMSummarizer{provider: provider, maxTokens: maxTokens, logger: logger}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, in SummaryInput) (string, error) {
	fallback := extractiveSummary(in.Metadata, in.Content)
	if s.provider == nil {
		return fallback, nil
	}

	text, err := s.provider.Generate(ctx, fmt.Sprintf(summaryPrompt, in.Instruction, in.Input), s.maxTokens)
	if err != nil {
		s.logger.Warn("llm summary failed, using extractive summary", "issue", in.Metadata.IssueKey, "error", err)
		return fallback, nil
	}
	parsed, err := llm.ParseJSONResponse(text)
	if err != nil {
		s.logger.Warn("unparsable llm summary, using extractive summary", "issue", in.Metadata.IssueKey, "error", err)
		return fallback, nil
	}
	summary, _ := parsed["summary"].(string)
	if summary = strings.TrimSpace(summary); summary == "" {
		return fallback, nil
	}
	return summary, nil
}
