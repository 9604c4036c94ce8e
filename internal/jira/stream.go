package jira

import (
	"context"
	"io"
)

// Stream yields consecutive pages for one source. It is finite and cannot be
// restarted; create a new stream from the checkpointed offset instead.
type Stream struct {
	fetcher  *Fetcher
	sourceID string
	offset   int
	pageSize int
	done     bool
}

// Stream starts a page stream for sourceID at startOffset.
func (f *Fetcher) Stream(sourceID string, startOffset, pageSize int) *Stream {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Stream{
		fetcher:  f,
		sourceID: sourceID,
		offset:   startOffset,
		pageSize: pageSize,
	}
}

// Next returns the next page, or io.EOF once the source is exhausted. After
// any error the stream stays terminated.
func (s *Stream) Next(ctx context.Context) (*Page, error) {
	if s.done {
		return nil, io.EOF
	}

	page, err := s.fetcher.FetchPage(ctx, s.sourceID, s.offset, s.pageSize)
	if err != nil {
		s.done = true
		return nil, err
	}
	if len(page.Records) == 0 {
		s.done = true
		return nil, io.EOF
	}

	s.offset += len(page.Records)
	if s.offset >= page.Total {
		s.done = true
	}
	return page, nil
}

// Offset is the offset the next page would start at.
func (s *Stream) Offset() int {
	return s.offset
}
