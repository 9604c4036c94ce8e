// Package transform converts raw issues into output records: structured
// metadata, cleaned text content and derived training tasks.
package transform

import (
	"context"
	"fmt"
	"strings"

	"github.com/TobiSchelling/IssueCrawler/internal/config"
	"github.com/TobiSchelling/IssueCrawler/internal/jira"
)

const unknownAuthor = "Unknown"

// Transformer is safe for concurrent use when its Summarizer is.
type Transformer struct {
	cfg        config.Transform
	cleaner    *Cleaner
	summarizer Summarizer
}

// New creates a transformer. A nil summarizer selects Extractive.
func New(cfg config.Transform, summarizer Summarizer) *Transformer {
	if summarizer == nil {
		summarizer = Extractive{}
	}
	return &Transformer{
		cfg:        cfg,
		cleaner:    NewCleaner(cfg.BodyFormat, cfg.MaxContentLength),
		summarizer: summarizer,
	}
}

// Transform maps one issue to a record. It fails with *ValidationError only
// when the key or title is missing.
func (t *Transformer) Transform(ctx context.Context, issue jira.Issue) (*Record, error) {
	key := strings.TrimSpace(issue.Key)
	title := collapseWhitespace(issue.Fields.Summary)

	var missing []string
	if key == "" {
		missing = append(missing, "key")
	}
	if title == "" {
		missing = append(missing, "title")
	}
	if len(missing) > 0 {
		return nil, &ValidationError{RecordID: key, Missing: missing}
	}

	rec := &Record{
		Metadata: t.metadata(key, title, issue.Fields),
		Content:  t.content(issue),
	}

	if t.cfg.Summarization.Enabled {
		in := SummaryInput{
			Metadata:    rec.Metadata,
			Content:     rec.Content,
			Instruction: summarizationInstruction,
			Input:       summarizationInput(rec.Metadata, rec.Content, t.cfg.Summarization.MaxComments),
		}
		output, err := t.summarizer.Summarize(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("summarizing %s: %w", key, err)
		}
		rec.DerivedTasks.Summarization = &Task{
			Instruction: in.Instruction,
			Input:       in.Input,
			Output:      output,
		}
	}
	if t.cfg.Classification.Enabled {
		rec.DerivedTasks.Classification = classificationTask(rec.Metadata, rec.Content, t.cfg.Classification.InputLength)
	}
	if t.cfg.QA.Enabled {
		rec.DerivedTasks.QAGeneration = qaTask(rec.Metadata, rec.Content, t.cfg.QA.MaxPairs)
	}
	return rec, nil
}

func (t *Transformer) metadata(key, title string, f jira.Fields) Metadata {
	project := f.Project
	if project == "" {
		if i := strings.LastIndex(key, "-"); i > 0 {
			project = key[:i]
		}
	}
	return Metadata{
		IssueKey:        key,
		Project:         project,
		Title:           title,
		Status:          f.Status,
		Priority:        f.Priority,
		Type:            f.IssueType,
		Reporter:        f.Reporter,
		Assignee:        f.Assignee,
		Created:         f.Created,
		Updated:         f.Updated,
		Resolved:        f.ResolutionDate,
		Resolution:      f.Resolution,
		Labels:          nonNil(f.Labels),
		Components:      nonNil(f.Components),
		AffectsVersions: nonNil(f.AffectsVersions),
		FixVersions:     nonNil(f.FixVersions),
	}
}

func (t *Transformer) content(issue jira.Issue) Content {
	html := t.cfg.BodyFormat == "" || t.cfg.BodyFormat == FormatHTML

	description := issue.Fields.Description
	if html && issue.RenderedDescription != "" {
		description = issue.RenderedDescription
	}

	comments := make([]Comment, 0, len(issue.Fields.Comments))
	for _, c := range issue.Fields.Comments {
		body := c.Body
		if html && c.RenderedBody != "" {
			body = c.RenderedBody
		}
		author := c.Author
		if author == "" {
			author = unknownAuthor
		}
		comments = append(comments, Comment{
			Author:  author,
			Created: c.Created,
			Body:    t.cleaner.Clean(body),
		})
	}

	return Content{
		Description:  t.cleaner.Clean(description),
		Comments:     comments,
		CommentCount: len(comments),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
