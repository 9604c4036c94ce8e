// Package pipeline drives each source through fetch, transform, write and
// checkpoint, one source after another.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/IssueCrawler/internal/checkpoint"
	"github.com/TobiSchelling/IssueCrawler/internal/config"
	"github.com/TobiSchelling/IssueCrawler/internal/database"
	"github.com/TobiSchelling/IssueCrawler/internal/jira"
	"github.com/TobiSchelling/IssueCrawler/internal/output"
	"github.com/TobiSchelling/IssueCrawler/internal/transform"
)

// Ledger stores run history. *database.DB satisfies it.
type Ledger interface {
	StartRun(run database.Run) error
	RecordSourceRun(sr database.SourceRun) error
	FinishRun(run database.Run) error
}

// recordSink is the output side of a source run. *output.Writer satisfies it.
type recordSink interface {
	Append(v any) error
	Sync() error
	Close() error
}

func openOutput(dir, sourceID string) (recordSink, error) {
	w, err := output.Open(dir, sourceID)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Options carries the optional collaborators of a Pipeline.
type Options struct {
	// OutputDir overrides cfg.Output.Dir when set.
	OutputDir string
	Ledger    Ledger
	Observer  Observer
	Logger    *slog.Logger
	Now       func() time.Time
}

// Pipeline runs sources sequentially. It is not safe for concurrent use.
type Pipeline struct {
	cfg         *config.Config
	store       *checkpoint.Store
	fetcher     *jira.Fetcher
	transformer *transform.Transformer
	outputDir   string
	ledger      Ledger
	observer    Observer
	logger      *slog.Logger
	now         func() time.Time
	openOutput  func(dir, sourceID string) (recordSink, error)
}

// New creates a pipeline.
func New(cfg *config.Config, store *checkpoint.Store, fetcher *jira.Fetcher, transformer *transform.Transformer, opts Options) *Pipeline {
	p := &Pipeline{
		cfg:         cfg,
		store:       store,
		fetcher:     fetcher,
		transformer: transformer,
		outputDir:   opts.OutputDir,
		ledger:      opts.Ledger,
		observer:    opts.Observer,
		logger:      opts.Logger,
		now:         opts.Now,
		openOutput:  openOutput,
	}
	if p.outputDir == "" {
		p.outputDir = cfg.Output.Dir
	}
	if p.observer == nil {
		p.observer = NopObserver{}
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Run processes every source in order. An interrupt stops the run after the
// current source; a failed source does not stop the others.
func (p *Pipeline) Run(ctx context.Context, sources []string, reset bool) *Summary {
	s := &Summary{
		RunID:     uuid.NewString(),
		StartedAt: p.now().UTC(),
	}
	p.ledgerCall("starting run", func(l Ledger) error {
		return l.StartRun(database.Run{
			ID:        s.RunID,
			StartedAt: s.StartedAt.Format(time.RFC3339),
			Sources:   sources,
		})
	})

	for _, src := range sources {
		res := p.RunSource(ctx, src, reset)
		s.Sources = append(s.Sources, res)
		p.ledgerCall("recording source run", func(l Ledger) error {
			return l.RecordSourceRun(s.ledgerRow(res, p.now().UTC()))
		})
		if res.Status == StatusInterrupted {
			break
		}
	}

	s.FinishedAt = p.now().UTC()
	p.ledgerCall("finishing run", func(l Ledger) error {
		finished := s.FinishedAt.Format(time.RFC3339)
		return l.FinishRun(database.Run{
			ID:             s.RunID,
			FinishedAt:     &finished,
			Status:         s.Status(),
			NewRecords:     s.NewRecords(),
			ReportMarkdown: s.Markdown(),
		})
	})
	return s
}

func (p *Pipeline) ledgerCall(what string, fn func(Ledger) error) {
	if p.ledger == nil {
		return
	}
	if err := fn(p.ledger); err != nil {
		p.logger.Warn("run ledger update failed", "step", what, "error", err)
	}
}

func (s *Summary) ledgerRow(r SourceResult, finished time.Time) database.SourceRun {
	sr := database.SourceRun{
		RunID:          s.RunID,
		SourceID:       r.SourceID,
		Status:         string(r.Status),
		NewRecords:     r.New,
		Duplicates:     r.Duplicates,
		Invalid:        r.Invalid,
		Recovered:      r.Recovered,
		Pages:          r.Pages,
		NextOffset:     r.NextOffset,
		TotalRecords:   r.TotalRecords,
		Requests:       r.Stats.Requests,
		FailedRequests: r.Stats.Failed,
		Retries:        r.Stats.Retries,
		RateLimitHits:  r.Stats.RateLimitHits,
		DurationMS:     r.Duration.Milliseconds(),
		FinishedAt:     finished.Format(time.RFC3339),
	}
	if r.Err != nil {
		msg := r.Err.Error()
		sr.Error = &msg
	}
	return sr
}

// sourceRun holds the mutable state of one source while it is processed.
type sourceRun struct {
	p      *Pipeline
	cp     *checkpoint.SourceCheckpoint
	out    recordSink
	res    SourceResult
	logger *slog.Logger

	sinceSave int
	// outputBroken blocks checkpoint saves once the output file may be
	// missing lines the checkpoint would claim.
	outputBroken bool
}

// RunSource processes one source until it is exhausted, interrupted, limited
// or fails. The returned result is never dropped by Run.
func (p *Pipeline) RunSource(ctx context.Context, sourceID string, reset bool) SourceResult {
	started := p.now()
	statsBefore := p.fetcher.Stats()
	r := &sourceRun{
		p:      p,
		res:    SourceResult{SourceID: sourceID},
		logger: p.logger.With("source", sourceID),
	}

	r.run(ctx, reset)

	if r.out != nil {
		if err := r.out.Close(); err != nil && r.res.Err == nil {
			r.fail(fmt.Errorf("closing output: %w", err))
		}
	}
	if r.cp != nil {
		r.res.NextOffset = r.cp.NextOffset
		r.res.TotalRecords = r.cp.TotalRecords
	}
	r.res.Stats = p.fetcher.Stats().Sub(statsBefore)
	r.res.Duration = p.now().Sub(started)
	if r.res.State != StateCompleted {
		r.setState(StateAborted)
	}

	attrs := []any{
		"status", r.res.Status, "new", r.res.New, "duplicates", r.res.Duplicates,
		"invalid", r.res.Invalid, "next_offset", r.res.NextOffset, "requests", r.res.Stats.Requests,
	}
	if r.res.Err != nil {
		r.logger.Error("source finished", append(attrs, "error", r.res.Err)...)
	} else {
		r.logger.Info("source finished", attrs...)
	}
	p.observer.SourceFinished(r.res)
	return r.res
}

func (r *sourceRun) setState(s State) {
	if r.res.State == s {
		return
	}
	r.res.State = s
	r.p.observer.StateChanged(r.res.SourceID, s)
}

func (r *sourceRun) fail(err error) {
	r.res.Status = StatusFailed
	if r.res.Err == nil {
		r.res.Err = err
	}
}

func (r *sourceRun) interrupt() {
	r.res.Status = StatusInterrupted
	r.logger.Warn("interrupted, source left resumable")
}

func (r *sourceRun) run(ctx context.Context, reset bool) {
	p := r.p
	id := r.res.SourceID
	r.setState(StateInitializing)

	if reset {
		if err := p.store.Reset(id); err != nil {
			r.fail(fmt.Errorf("resetting checkpoint: %w", err))
			return
		}
		rotated, err := output.Rotate(p.outputDir, id, p.now())
		if err != nil {
			r.fail(fmt.Errorf("rotating output: %w", err))
			return
		}
		r.logger.Info("source reset", "rotated_output", rotated)
	}

	cp, err := p.store.Load(id)
	if err != nil {
		r.fail(fmt.Errorf("loading checkpoint: %w", err))
		return
	}
	r.cp = cp
	p.observer.SourceStarted(id, cp.Summary())

	if cp.Completed {
		r.logger.Info("source already completed, skipping", "processed", cp.ProcessedCount())
		r.res.Status = StatusSkipped
		r.setState(StateCompleted)
		return
	}
	if ctx.Err() != nil {
		r.interrupt()
		return
	}

	r.out, err = p.openOutput(p.outputDir, id)
	if err != nil {
		r.fail(fmt.Errorf("opening output: %w", err))
		return
	}
	if err := r.reconcile(); err != nil {
		r.fail(err)
		return
	}

	if project, err := p.fetcher.ProjectInfo(ctx, id); err != nil {
		if ctx.Err() != nil {
			r.interrupt()
			r.persist()
			return
		}
		r.logger.Warn("project info unavailable", "error", err)
		cp.RecordError(fmt.Sprintf("project info: %v", err))
	} else {
		cp.SetExtra("project", project)
	}

	r.fetchAll(ctx)
	r.persist()
}

// reconcile marks records that reached the output file after the last
// checkpoint save as processed, so a crash between the two cannot duplicate
// them.
func (r *sourceRun) reconcile() error {
	keys, bad, err := output.ReadKeys(r.p.outputDir, r.res.SourceID)
	if err != nil {
		return fmt.Errorf("reading existing output: %w", err)
	}
	if bad > 0 {
		r.logger.Warn("unreadable lines in existing output", "count", bad)
	}
	for _, k := range keys {
		if !r.cp.IsProcessed(k) {
			r.cp.MarkProcessed(k)
			r.res.Recovered++
		}
	}
	if r.res.Recovered > 0 {
		r.logger.Info("recovered records written after last checkpoint", "count", r.res.Recovered)
	}
	return nil
}

func (r *sourceRun) fetchAll(ctx context.Context) {
	p := r.p
	limit := p.cfg.Scraping.MaxRecordsPerSource
	stream := p.fetcher.Stream(r.res.SourceID, r.cp.NextOffset, p.cfg.Scraping.PageSize)

	for {
		if ctx.Err() != nil {
			r.interrupt()
			return
		}

		r.setState(StateFetching)
		page, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			r.cp.MarkCompleted()
			r.res.Status = StatusCompleted
			r.logger.Info("source exhausted", "processed", r.cp.ProcessedCount())
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				r.interrupt()
				return
			}
			r.cp.RecordError(fmt.Sprintf("fetch at offset %d: %v", stream.Offset(), err))
			r.fail(fmt.Errorf("fetching page at offset %d: %w", stream.Offset(), err))
			return
		}

		r.res.Pages++
		r.cp.SetTotal(page.Total)
		p.observer.PageFetched(r.res.SourceID, page)
		r.logger.Debug("page fetched", "offset", page.Offset, "records", len(page.Records), "total", page.Total)

		for i, issue := range page.Records {
			if ctx.Err() != nil {
				r.interrupt()
				return
			}
			if !r.handle(ctx, issue) {
				return
			}
			if limit > 0 && r.res.New >= limit {
				if i == len(page.Records)-1 {
					r.cp.AdvanceOffset(page.Offset + len(page.Records))
				}
				r.res.Status = StatusLimited
				r.logger.Info("record limit reached", "limit", limit)
				return
			}
		}
		r.cp.AdvanceOffset(page.Offset + len(page.Records))
	}
}

// handle processes one record and reports whether the source can continue.
func (r *sourceRun) handle(ctx context.Context, issue jira.Issue) bool {
	p := r.p
	id := r.res.SourceID

	if key := strings.TrimSpace(issue.Key); key != "" && r.cp.IsProcessed(key) {
		r.res.Duplicates++
		p.observer.RecordSkipped(id, key, SkipDuplicate)
		return true
	}

	r.setState(StateTransforming)
	rec, err := p.transformer.Transform(ctx, issue)
	if err != nil {
		var verr *transform.ValidationError
		if errors.As(err, &verr) {
			r.res.Invalid++
			r.logger.Warn("skipping invalid record", "record", verr.RecordID, "missing", verr.Missing)
			r.cp.RecordError(verr.Error())
			p.observer.RecordSkipped(id, verr.RecordID, SkipInvalid)
			return true
		}
		if ctx.Err() != nil {
			r.interrupt()
			return false
		}
		r.cp.RecordError(err.Error())
		r.fail(fmt.Errorf("transforming %s: %w", issue.Key, err))
		return false
	}

	r.setState(StateWriting)
	if err := r.out.Append(rec); err != nil {
		r.outputBroken = true
		r.fail(fmt.Errorf("writing %s: %w", issue.Key, err))
		return false
	}
	r.cp.MarkProcessed(rec.Metadata.IssueKey)
	r.res.New++
	r.sinceSave++
	p.observer.RecordWritten(id, rec.Metadata.IssueKey)

	if r.sinceSave >= p.cfg.Checkpoint.Every {
		return r.checkpoint()
	}
	return true
}

// checkpoint syncs the output and then saves the checkpoint.
func (r *sourceRun) checkpoint() bool {
	r.setState(StateCheckpointing)
	if err := r.out.Sync(); err != nil {
		r.outputBroken = true
		r.fail(fmt.Errorf("syncing output: %w", err))
		return false
	}
	if err := r.p.store.Save(r.cp); err != nil {
		r.fail(fmt.Errorf("saving checkpoint: %w", err))
		return false
	}
	r.sinceSave = 0
	r.p.observer.CheckpointSaved(r.res.SourceID, r.cp.Summary())
	return true
}

// persist is the final save of a source run. It never hides an earlier error.
func (r *sourceRun) persist() {
	if r.outputBroken {
		r.logger.Error("output not durable, checkpoint left at last good save")
		return
	}
	if r.checkpoint() && r.res.Status == StatusCompleted {
		r.setState(StateCompleted)
	}
}

// PlanItem describes what a run would do for one source.
type PlanItem struct {
	SourceID    string
	Action      string
	Checkpoint  checkpoint.Summary
	OutputLines int
}

// DryRun reports what Run would do without making requests or writing files.
func (p *Pipeline) DryRun(sources []string, reset bool) ([]PlanItem, error) {
	var items []PlanItem
	for _, src := range sources {
		cp, err := p.store.Load(src)
		if err != nil {
			return nil, fmt.Errorf("loading checkpoint for %s: %w", src, err)
		}
		lines, err := output.CountLines(p.outputDir, src)
		if err != nil {
			return nil, fmt.Errorf("counting output for %s: %w", src, err)
		}
		item := PlanItem{SourceID: src, Checkpoint: cp.Summary(), OutputLines: lines}
		switch {
		case reset:
			item.Action = "reset and fetch from offset 0"
		case cp.Completed:
			item.Action = "skip (completed)"
		case cp.NextOffset > 0 || cp.ProcessedCount() > 0:
			item.Action = fmt.Sprintf("resume at offset %d", cp.NextOffset)
		default:
			item.Action = "fetch from offset 0"
		}
		items = append(items, item)
	}
	return items, nil
}
