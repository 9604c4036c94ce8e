package pipeline

import (
	"github.com/TobiSchelling/IssueCrawler/internal/checkpoint"
	"github.com/TobiSchelling/IssueCrawler/internal/jira"
)

// Observer receives progress events. Calls happen on the pipeline goroutine
// and must not block.
type Observer interface {
	SourceStarted(sourceID string, cp checkpoint.Summary)
	StateChanged(sourceID string, state State)
	PageFetched(sourceID string, page *jira.Page)
	RecordWritten(sourceID, recordID string)
	RecordSkipped(sourceID, recordID string, reason SkipReason)
	CheckpointSaved(sourceID string, cp checkpoint.Summary)
	SourceFinished(result SourceResult)
}

// SkipReason says why a fetched record produced no output line.
type SkipReason string

const (
	SkipDuplicate SkipReason = "duplicate"
	SkipInvalid   SkipReason = "invalid"
)

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) SourceStarted(string, checkpoint.Summary)   {}
func (NopObserver) StateChanged(string, State)                 {}
func (NopObserver) PageFetched(string, *jira.Page)             {}
func (NopObserver) RecordWritten(string, string)               {}
func (NopObserver) RecordSkipped(string, string, SkipReason)   {}
func (NopObserver) CheckpointSaved(string, checkpoint.Summary) {}
func (NopObserver) SourceFinished(SourceResult)                {}
