package transform

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/IssueCrawler/internal/config"
	"github.com/TobiSchelling/IssueCrawler/internal/jira"
)

func testConfig() config.Transform {
	return config.Default().Transform
}

func sampleIssue() jira.Issue {
	return jira.Issue{
		ID:  "10001",
		Key: "KAFKA-1",
		Fields: jira.Fields{
			Summary:     "Broker  crashes\non startup",
			Description: "<p>Start the broker. It crashes immediately.</p>",
			Status:      "Resolved",
			Priority:    "Major",
			IssueType:   "Bug",
			Reporter:    "Alice",
			Created:     "2024-01-02T10:00:00.000+0000",
			Resolution:  "Fixed",
			Labels:      []string{"slow-start"},
			Components:  []string{"core"},
			Comments: []jira.Comment{
				{Author: "Carol", Created: "2024-01-03T09:00:00.000+0000", Body: "<p>second</p>"},
				{Author: "Bob", Created: "2024-01-02T11:00:00.000+0000", Body: "<p>first</p>"},
				{Author: "", Created: "2024-01-04T09:00:00.000+0000", Body: "third"},
			},
		},
	}
}

func TestTransformMetadata(t *testing.T) {
	rec, err := New(testConfig(), nil).Transform(context.Background(), sampleIssue())
	require.NoError(t, err)

	m := rec.Metadata
	assert.Equal(t, "KAFKA-1", m.IssueKey)
	assert.Equal(t, "KAFKA", m.Project)
	assert.Equal(t, "Broker crashes on startup", m.Title)
	assert.Equal(t, "Resolved", m.Status)
	assert.Equal(t, "Bug", m.Type)
	assert.Equal(t, "", m.Assignee)
	assert.Equal(t, []string{"slow-start"}, m.Labels)
	assert.Equal(t, []string{}, m.FixVersions)
}

func TestTransformContent(t *testing.T) {
	rec, err := New(testConfig(), nil).Transform(context.Background(), sampleIssue())
	require.NoError(t, err)

	assert.Equal(t, "Start the broker. It crashes immediately.", rec.Content.Description)
	assert.Equal(t, 3, rec.Content.CommentCount)
	require.Len(t, rec.Content.Comments, 3)
	assert.Equal(t, "second", rec.Content.Comments[0].Body)
	assert.Equal(t, "Unknown", rec.Content.Comments[2].Author)
}

func TestTransformPrefersRenderedHTML(t *testing.T) {
	issue := sampleIssue()
	issue.Fields.Description = "h2. Wiki *markup*"
	issue.RenderedDescription = "<h2>Wiki</h2><p><b>markup</b></p>"
	issue.Fields.Comments = []jira.Comment{{Author: "Bob", Body: "*raw*", RenderedBody: "<b>rendered</b>"}}

	rec, err := New(testConfig(), nil).Transform(context.Background(), issue)
	require.NoError(t, err)
	assert.Equal(t, "Wiki markup", rec.Content.Description)
	assert.Equal(t, "rendered", rec.Content.Comments[0].Body)

	cfg := testConfig()
	cfg.BodyFormat = FormatText
	rec, err = New(cfg, nil).Transform(context.Background(), issue)
	require.NoError(t, err)
	assert.Equal(t, "h2. Wiki *markup*", rec.Content.Description)
}

func TestTransformTruncatesDescriptionAndComments(t *testing.T) {
	cfg := testConfig()
	cfg.MaxContentLength = 20
	issue := sampleIssue()
	issue.Fields.Description = strings.Repeat("word ", 20)
	issue.Fields.Comments = []jira.Comment{{Author: "Bob", Body: strings.Repeat("word ", 20)}}

	rec, err := New(cfg, nil).Transform(context.Background(), issue)
	require.NoError(t, err)
	assert.Equal(t, "word word word...", rec.Content.Description)
	assert.Equal(t, rec.Content.Description, rec.Content.Comments[0].Body)
}

func TestTransformValidation(t *testing.T) {
	tr := New(testConfig(), nil)

	noKey := sampleIssue()
	noKey.Key = ""
	_, err := tr.Transform(context.Background(), noKey)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{"key"}, verr.Missing)

	noTitle := sampleIssue()
	noTitle.Fields.Summary = "  \n "
	_, err = tr.Transform(context.Background(), noTitle)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "KAFKA-1", verr.RecordID)
	assert.Equal(t, []string{"title"}, verr.Missing)
	assert.Contains(t, err.Error(), "KAFKA-1")
}

func TestTransformToleratesSparseIssue(t *testing.T) {
	issue := jira.Issue{Key: "X-9", Fields: jira.Fields{Summary: "Only a title"}}
	rec, err := New(testConfig(), nil).Transform(context.Background(), issue)
	require.NoError(t, err)

	assert.Equal(t, "X", rec.Metadata.Project)
	assert.Empty(t, rec.Content.Description)
	assert.Equal(t, []Comment{}, rec.Content.Comments)
	assert.Equal(t, "This issue addresses: Only a title.", rec.DerivedTasks.Summarization.Output)
	assert.Equal(t, "Category: Uncategorized", rec.DerivedTasks.Classification.Output)
	require.Len(t, rec.DerivedTasks.QAGeneration.Pairs, 1)
}

func TestSummarizationTask(t *testing.T) {
	rec, err := New(testConfig(), nil).Transform(context.Background(), sampleIssue())
	require.NoError(t, err)

	task := rec.DerivedTasks.Summarization
	require.NotNil(t, task)
	assert.Equal(t, "Summarize this Jira issue in 2-3 sentences.", task.Instruction)
	assert.Equal(t, "Issue: Broker crashes on startup\n\n"+
		"Type: Bug\n\n"+
		"Status: Resolved\n\n"+
		"Description: Start the broker. It crashes immediately.\n\n"+
		"Key Comments:\n- Bob: first\n- Carol: second\n- Unknown: third", task.Input)
	assert.Equal(t, "This bug addresses: Broker crashes on startup. Start the broker. Current status: Resolved (Fixed).", task.Output)
}

func TestSummarizationLimitsComments(t *testing.T) {
	cfg := testConfig()
	cfg.Summarization.MaxComments = 1
	rec, err := New(cfg, nil).Transform(context.Background(), sampleIssue())
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(rec.DerivedTasks.Summarization.Input, "Key Comments:\n- Bob: first"))
}

func TestClassificationTask(t *testing.T) {
	cfg := testConfig()
	cfg.Classification.InputLength = 60
	issue := sampleIssue()
	issue.Fields.Description = strings.Repeat("lorem ipsum ", 20)

	rec, err := New(cfg, nil).Transform(context.Background(), issue)
	require.NoError(t, err)

	task := rec.DerivedTasks.Classification
	require.NotNil(t, task)
	assert.Equal(t, "Type: Bug, Priority: Major, Category: Performance", task.Output)
	assert.True(t, strings.HasPrefix(task.Input, "Title: Broker crashes on startup\nDescription: lorem"))
	assert.LessOrEqual(t, len([]rune(task.Input)), 60)
	assert.True(t, strings.HasSuffix(task.Input, "..."))
}

func TestQATask(t *testing.T) {
	rec, err := New(testConfig(), nil).Transform(context.Background(), sampleIssue())
	require.NoError(t, err)

	qa := rec.DerivedTasks.QAGeneration
	require.NotNil(t, qa)
	assert.Equal(t, []QAPair{
		{Question: "What does KAFKA-1 address?", Answer: "Broker crashes on startup"},
		{Question: "What is the current status of KAFKA-1?", Answer: "The issue is resolved as fixed"},
		{Question: "What is the main concern raised in KAFKA-1?", Answer: "Start the broker."},
	}, qa.Pairs)
}

func TestQATaskStopsAtMaxPairs(t *testing.T) {
	cfg := testConfig()
	cfg.QA.MaxPairs = 2
	rec, err := New(cfg, nil).Transform(context.Background(), sampleIssue())
	require.NoError(t, err)
	require.Len(t, rec.DerivedTasks.QAGeneration.Pairs, 2)
	assert.Equal(t, "What is the current status of KAFKA-1?", rec.DerivedTasks.QAGeneration.Pairs[1].Question)
}

func TestQATaskSkipsMissingStatus(t *testing.T) {
	issue := sampleIssue()
	issue.Fields.Status = ""
	rec, err := New(testConfig(), nil).Transform(context.Background(), issue)
	require.NoError(t, err)

	pairs := rec.DerivedTasks.QAGeneration.Pairs
	require.Len(t, pairs, 2)
	assert.Equal(t, "What is the main concern raised in KAFKA-1?", pairs[1].Question)
}

func TestDisabledTasksAreOmitted(t *testing.T) {
	cfg := testConfig()
	cfg.Summarization.Enabled = false
	cfg.Classification.Enabled = false
	cfg.QA.Enabled = false

	rec, err := New(cfg, nil).Transform(context.Background(), sampleIssue())
	require.NoError(t, err)
	assert.Equal(t, DerivedTasks{}, rec.DerivedTasks)
	assert.Equal(t, "KAFKA-1", rec.Metadata.IssueKey)

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"derived_tasks":{}`)
}

func TestTransformIsDeterministic(t *testing.T) {
	tr := New(testConfig(), nil)
	first, err := tr.Transform(context.Background(), sampleIssue())
	require.NoError(t, err)
	a, err := json.Marshal(first)
	require.NoError(t, err)

	for range 10 {
		again, err := tr.Transform(context.Background(), sampleIssue())
		require.NoError(t, err)
		b, err := json.Marshal(again)
		require.NoError(t, err)
		assert.Equal(t, string(a), string(b))
	}
}
