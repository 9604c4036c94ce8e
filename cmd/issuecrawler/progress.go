package main

import (
	"fmt"
	"io"
	"time"

	"github.com/TobiSchelling/IssueCrawler/internal/checkpoint"
	"github.com/TobiSchelling/IssueCrawler/internal/jira"
	"github.com/TobiSchelling/IssueCrawler/internal/pipeline"
)

// consoleObserver prints one line per page and per finished source.
type consoleObserver struct {
	pipeline.NopObserver
	out io.Writer
}

func newConsoleObserver(out io.Writer) *consoleObserver {
	return &consoleObserver{out: out}
}

func (c *consoleObserver) SourceStarted(sourceID string, cp checkpoint.Summary) {
	if cp.ProcessedCount > 0 || cp.NextOffset > 0 {
		fmt.Fprintf(c.out, "%s: resuming at offset %d (%d already written)\n", sourceID, cp.NextOffset, cp.ProcessedCount)
		return
	}
	fmt.Fprintf(c.out, "%s: starting\n", sourceID)
}

func (c *consoleObserver) PageFetched(sourceID string, page *jira.Page) {
	end := page.Offset + len(page.Records)
	fmt.Fprintf(c.out, "%s: records %d-%d of %d\n", sourceID, page.Offset+1, end, page.Total)
}

func (c *consoleObserver) SourceFinished(r pipeline.SourceResult) {
	fmt.Fprintf(c.out, "%s: %s (%d new, %d duplicates, %d invalid) in %s\n",
		r.SourceID, r.Status, r.New, r.Duplicates, r.Invalid, r.Duration.Round(time.Millisecond))
}
