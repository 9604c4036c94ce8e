package transform

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	summarizationInstruction  = "Summarize this Jira issue in 2-3 sentences."
	classificationInstruction = "Classify the type, priority, and category of this Jira issue."
	qaInstruction             = "Generate question-answer pairs from this Jira issue."

	summaryDescriptionLength = 500
	summaryCommentLength     = 200
	firstSentenceLength      = 150
)

// jiraTimeLayout is the timestamp format of the REST API.
const jiraTimeLayout = "2006-01-02T15:04:05.000-0700"

func parseJiraTime(s string) (time.Time, bool) {
	if t, err := time.Parse(jiraTimeLayout, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// chronological returns comments ordered by creation time. Comments with an
// unparsable timestamp keep their relative order after the dated ones.
func chronological(comments []Comment) []Comment {
	out := append([]Comment(nil), comments...)
	sort.SliceStable(out, func(i, j int) bool {
		ti, iok := parseJiraTime(out[i].Created)
		tj, jok := parseJiraTime(out[j].Created)
		if iok && jok {
			return ti.Before(tj)
		}
		return iok && !jok
	})
	return out
}

// firstSentence returns the text before the first period, or the first 150
// characters when that sentence is longer.
func firstSentence(text string) string {
	sentence, _, _ := strings.Cut(text, ".")
	if len([]rune(sentence)) > firstSentenceLength {
		sentence = string([]rune(text)[:firstSentenceLength])
	}
	return strings.TrimSpace(sentence)
}

func summarizationInput(m Metadata, c Content, maxComments int) string {
	parts := []string{
		"Issue: " + m.Title,
		"Type: " + m.Type,
		"Status: " + m.Status,
	}
	if c.Description != "" {
		parts = append(parts, "Description: "+prefix(c.Description, summaryDescriptionLength))
	}
	if maxComments > 0 && len(c.Comments) > 0 {
		comments := chronological(c.Comments)
		if len(comments) > maxComments {
			comments = comments[:maxComments]
		}
		lines := make([]string, 0, len(comments))
		for _, cm := range comments {
			lines = append(lines, fmt.Sprintf("- %s: %s", cm.Author, prefix(cm.Body, summaryCommentLength)))
		}
		parts = append(parts, "Key Comments:\n"+strings.Join(lines, "\n"))
	}
	return strings.Join(parts, "\n\n")
}

// extractiveSummary builds the deterministic template summary.
func extractiveSummary(m Metadata, c Content) string {
	kind := strings.ToLower(m.Type)
	if kind == "" {
		kind = "issue"
	}
	parts := []string{fmt.Sprintf("This %s addresses: %s.", kind, m.Title)}

	if s := firstSentence(c.Description); s != "" {
		parts = append(parts, s+".")
	}
	if m.Status != "" {
		status := "Current status: " + m.Status
		if m.Resolution != "" {
			status += " (" + m.Resolution + ")"
		}
		parts = append(parts, status+".")
	}
	return strings.Join(parts, " ")
}

func classificationTask(m Metadata, c Content, inputLength int) *Task {
	input := "Title: " + m.Title + "\n"
	if c.Description != "" {
		input += "Description: " + c.Description
	}

	var out []string
	if m.Type != "" {
		out = append(out, "Type: "+m.Type)
	}
	if m.Priority != "" {
		out = append(out, "Priority: "+m.Priority)
	}
	out = append(out, "Category: "+Categorize(m.Labels, m.Components))

	return &Task{
		Instruction: classificationInstruction,
		Input:       Truncate(input, inputLength),
		Output:      strings.Join(out, ", "),
	}
}

// qaTask emits pairs in fixed order: title, status, description. It stops at maxPairs.
func qaTask(m Metadata, c Content, maxPairs int) *QATask {
	pairs := []QAPair{{
		Question: fmt.Sprintf("What does %s address?", m.IssueKey),
		Answer:   m.Title,
	}}

	if m.Status != "" {
		answer := "The issue is " + strings.ToLower(m.Status)
		if m.Resolution != "" {
			answer += " as " + strings.ToLower(m.Resolution)
		}
		pairs = append(pairs, QAPair{
			Question: fmt.Sprintf("What is the current status of %s?", m.IssueKey),
			Answer:   answer,
		})
	}

	if s := firstSentence(c.Description); s != "" {
		pairs = append(pairs, QAPair{
			Question: fmt.Sprintf("What is the main concern raised in %s?", m.IssueKey),
			Answer:   s + ".",
		})
	}

	if maxPairs < 1 {
		maxPairs = 1
	}
	if len(pairs) > maxPairs {
		pairs = pairs[:maxPairs]
	}
	return &QATask{Instruction: qaInstruction, Pairs: pairs}
}

// prefix returns at most n characters of s.
func prefix(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
