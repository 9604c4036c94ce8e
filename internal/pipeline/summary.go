package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/TobiSchelling/IssueCrawler/internal/jira"
)

// State is a step of the per-source state machine.
type State string

const (
	StateInitializing  State = "initializing"
	StateFetching      State = "fetching"
	StateTransforming  State = "transforming"
	StateWriting       State = "writing"
	StateCheckpointing State = "checkpointing"
	StateCompleted     State = "completed"
	StateAborted       State = "aborted"
)

// Status is the outcome of one source in a run.
type Status string

const (
	StatusCompleted   Status = "completed"
	StatusSkipped     Status = "skipped"
	StatusInterrupted Status = "interrupted"
	StatusFailed      Status = "failed"
	StatusLimited     Status = "limited"
)

// Exit codes for the CLI.
const (
	ExitOK          = 0
	ExitFailed      = 1
	ExitInterrupted = 130
)

// SourceResult is the outcome of running one source.
type SourceResult struct {
	SourceID     string
	Status       Status
	State        State
	New          int
	Duplicates   int
	Invalid      int
	Recovered    int
	Pages        int
	NextOffset   int
	TotalRecords int
	Stats        jira.Stats
	Err          error
	Duration     time.Duration
}

// Summary covers every source of one run, in execution order.
type Summary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Sources    []SourceResult
}

func (s *Summary) count(status Status) int {
	n := 0
	for _, r := range s.Sources {
		if r.Status == status {
			n++
		}
	}
	return n
}

// NewRecords is the number of lines written across all sources.
func (s *Summary) NewRecords() int {
	n := 0
	for _, r := range s.Sources {
		n += r.New
	}
	return n
}

// Status condenses the run: interrupted beats failed beats completed.
func (s *Summary) Status() string {
	switch {
	case s.count(StatusInterrupted) > 0:
		return string(StatusInterrupted)
	case s.count(StatusFailed) > 0:
		return string(StatusFailed)
	default:
		return string(StatusCompleted)
	}
}

// ExitCode maps the run status to a process exit code.
func (s *Summary) ExitCode() int {
	switch s.Status() {
	case string(StatusInterrupted):
		return ExitInterrupted
	case string(StatusFailed):
		return ExitFailed
	default:
		return ExitOK
	}
}

// Markdown renders the run report.
func (s *Summary) Markdown() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Ingestion run %s\n\n", s.RunID)
	fmt.Fprintf(&b, "- **Status:** %s\n", s.Status())
	fmt.Fprintf(&b, "- **Started:** %s\n", s.StartedAt.UTC().Format(time.RFC3339))
	if !s.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "- **Duration:** %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintf(&b, "- **New records:** %d\n\n", s.NewRecords())

	b.WriteString("| Source | Status | New | Duplicates | Invalid | Next offset | Total | Requests | Retries | Rate limits |\n")
	b.WriteString("|---|---|---:|---:|---:|---:|---:|---:|---:|---:|\n")
	for _, r := range s.Sources {
		fmt.Fprintf(&b, "| %s | %s | %d | %d | %d | %d | %d | %d | %d | %d |\n",
			r.SourceID, r.Status, r.New, r.Duplicates, r.Invalid, r.NextOffset, r.TotalRecords,
			r.Stats.Requests, r.Stats.Retries, r.Stats.RateLimitHits)
	}

	var failures []SourceResult
	for _, r := range s.Sources {
		if r.Err != nil {
			failures = append(failures, r)
		}
	}
	if len(failures) > 0 {
		b.WriteString("\n## Errors\n\n")
		for _, r := range failures {
			fmt.Fprintf(&b, "- **%s** (%s): %s\n", r.SourceID, r.Status, r.Err)
		}
	}
	return b.String()
}
