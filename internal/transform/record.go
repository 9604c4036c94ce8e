package transform

import "fmt"

// Record is one output line.
type Record struct {
	Metadata     Metadata     `json:"metadata"`
	Content      Content      `json:"content"`
	DerivedTasks DerivedTasks `json:"derived_tasks"`
}

// Metadata is the structured projection of an issue. Missing optional
// values are empty strings or empty lists, never null.
type Metadata struct {
	IssueKey        string   `json:"issue_key"`
	Project         string   `json:"project"`
	Title           string   `json:"title"`
	Status          string   `json:"status"`
	Priority        string   `json:"priority"`
	Type            string   `json:"type"`
	Reporter        string   `json:"reporter"`
	Assignee        string   `json:"assignee"`
	Created         string   `json:"created"`
	Updated         string   `json:"updated"`
	Resolved        string   `json:"resolved"`
	Resolution      string   `json:"resolution"`
	Labels          []string `json:"labels"`
	Components      []string `json:"components"`
	AffectsVersions []string `json:"affects_versions"`
	FixVersions     []string `json:"fix_versions"`
}

type Comment struct {
	Author  string `json:"author"`
	Created string `json:"created"`
	Body    string `json:"body"`
}

// Content is the cleaned free text of an issue.
type Content struct {
	Description  string    `json:"description"`
	Comments     []Comment `json:"comments"`
	CommentCount int       `json:"comment_count"`
}

// DerivedTasks holds the generated training examples. Disabled tasks are omitted.
type DerivedTasks struct {
	Summarization  *Task   `json:"summarization,omitempty"`
	Classification *Task   `json:"classification,omitempty"`
	QAGeneration   *QATask `json:"qa_generation,omitempty"`
}

// Task is an instruction/input/output example.
type Task struct {
	Instruction string `json:"instruction"`
	Input       string `json:"input"`
	Output      string `json:"output"`
}

type QAPair struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type QATask struct {
	Instruction string   `json:"instruction"`
	Pairs       []QAPair `json:"pairs"`
}

// ValidationError reports a record that lacks identifying fields.
type ValidationError struct {
	RecordID string
	Missing  []string
}

func (e *ValidationError) Error() string {
	id := e.RecordID
	if id == "" {
		id = "<no key>"
	}
	return fmt.Sprintf("invalid record %s: missing %v", id, e.Missing)
}
