// Package checkpoint persists per-source ingestion progress so interrupted runs
// can resume without re-emitting records.
package checkpoint

import (
	"sort"
	"time"
)

// DefaultMaxErrors bounds the error log when a checkpoint is created without an explicit limit.
const DefaultMaxErrors = 100

// ErrorEntry is one entry in a checkpoint's error log.
type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// SourceCheckpoint is the progress record of one source.
//
// Mutations are in-memory only; call Store.Save to persist them.
type SourceCheckpoint struct {
	SourceID     string
	TotalRecords int
	NextOffset   int
	LastUpdated  time.Time
	Errors       []ErrorEntry
	Completed    bool
	Extra        map[string]any

	processed map[string]struct{}
	maxErrors int
}

// New returns a zero-state checkpoint for sourceID.
func New(sourceID string, maxErrors int) *SourceCheckpoint {
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrors
	}
	return &SourceCheckpoint{
		SourceID:  sourceID,
		Extra:     make(map[string]any),
		processed: make(map[string]struct{}),
		maxErrors: maxErrors,
	}
}

// IsProcessed reports whether recordID has already been written.
func (c *SourceCheckpoint) IsProcessed(recordID string) bool {
	_, ok := c.processed[recordID]
	return ok
}

// ProcessedCount returns the size of the processed set.
func (c *SourceCheckpoint) ProcessedCount() int {
	return len(c.processed)
}

// ProcessedIDs returns the processed set as a sorted slice.
func (c *SourceCheckpoint) ProcessedIDs() []string {
	ids := make([]string, 0, len(c.processed))
	for id := range c.processed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MarkProcessed adds recordID to the processed set. It is a no-op once the
// checkpoint is completed.
func (c *SourceCheckpoint) MarkProcessed(recordID string) {
	if c.Completed || recordID == "" {
		return
	}
	c.processed[recordID] = struct{}{}
}

// AdvanceOffset moves NextOffset forward. Lower values are ignored so the
// offset never goes backwards, and completed checkpoints are left untouched.
func (c *SourceCheckpoint) AdvanceOffset(offset int) {
	if c.Completed || offset <= c.NextOffset {
		return
	}
	c.NextOffset = offset
}

// SetTotal records the upstream-reported total. It is advisory only.
func (c *SourceCheckpoint) SetTotal(total int) {
	if total >= 0 {
		c.TotalRecords = total
	}
}

// RecordError appends to the bounded error log, dropping the oldest entries when full.
func (c *SourceCheckpoint) RecordError(message string) {
	c.Errors = append(c.Errors, ErrorEntry{Timestamp: time.Now().UTC(), Message: message})
	if over := len(c.Errors) - c.maxErrors; over > 0 {
		c.Errors = append([]ErrorEntry(nil), c.Errors[over:]...)
	}
}

// MarkCompleted flags the source as fully ingested.
func (c *SourceCheckpoint) MarkCompleted() {
	c.Completed = true
}

// SetExtra stores source-specific metadata.
func (c *SourceCheckpoint) SetExtra(key string, value any) {
	if c.Extra == nil {
		c.Extra = make(map[string]any)
	}
	c.Extra[key] = value
}

// Summary is a flat view of a checkpoint for status output.
type Summary struct {
	SourceID       string    `json:"source_id"`
	ProcessedCount int       `json:"processed_count"`
	TotalRecords   int       `json:"total_records"`
	NextOffset     int       `json:"next_offset"`
	Completed      bool      `json:"completed"`
	ErrorCount     int       `json:"error_count"`
	LastError      string    `json:"last_error,omitempty"`
	LastUpdated    time.Time `json:"last_updated"`
}

// Summary returns a status view of the checkpoint.
func (c *SourceCheckpoint) Summary() Summary {
	s := Summary{
		SourceID:       c.SourceID,
		ProcessedCount: len(c.processed),
		TotalRecords:   c.TotalRecords,
		NextOffset:     c.NextOffset,
		Completed:      c.Completed,
		ErrorCount:     len(c.Errors),
		LastUpdated:    c.LastUpdated,
	}
	if n := len(c.Errors); n > 0 {
		s.LastError = c.Errors[n-1].Message
	}
	return s
}
