package jira

import (
	"encoding/json"
	"fmt"
)

// Comment is one issue comment in upstream order.
type Comment struct {
	Author  string
	Created string
	Body    string
	// RenderedBody is the server-side HTML rendering, when requested.
	RenderedBody string
}

// Fields holds the issue fields consumed downstream. Absent or wrongly typed
// values decode to empty strings and nil slices.
type Fields struct {
	Project         string
	Summary         string
	Description     string
	Status          string
	Priority        string
	IssueType       string
	Reporter        string
	Assignee        string
	Created         string
	Updated         string
	ResolutionDate  string
	Resolution      string
	Labels          []string
	Components      []string
	AffectsVersions []string
	FixVersions     []string
	Comments        []Comment
}

// Issue is one raw record from the search endpoint.
type Issue struct {
	ID     string
	Key    string
	Fields Fields
	// RenderedDescription is the HTML rendering of the description, when requested.
	RenderedDescription string
}

// UnmarshalJSON decodes an issue leniently. Only a non-object payload is an error.
func (i *Issue) UnmarshalJSON(data []byte) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return fmt.Errorf("issue is not an object: %w", err)
	}
	if top == nil {
		return fmt.Errorf("issue is null")
	}

	*i = Issue{
		ID:  str(top["id"]),
		Key: str(top["key"]),
	}

	fields := object(top["fields"])
	i.Fields = Fields{
		Project:         str(object(fields["project"])["key"]),
		Summary:         str(fields["summary"]),
		Description:     str(fields["description"]),
		Status:          nameOf(fields["status"]),
		Priority:        nameOf(fields["priority"]),
		IssueType:       nameOf(fields["issuetype"]),
		Reporter:        displayName(fields["reporter"]),
		Assignee:        displayName(fields["assignee"]),
		Created:         str(fields["created"]),
		Updated:         str(fields["updated"]),
		ResolutionDate:  str(fields["resolutiondate"]),
		Resolution:      nameOf(fields["resolution"]),
		Labels:          strList(fields["labels"]),
		Components:      nameList(fields["components"]),
		AffectsVersions: nameList(fields["versions"]),
		FixVersions:     nameList(fields["fixVersions"]),
		Comments:        comments(fields["comment"]),
	}

	rendered := object(top["renderedFields"])
	i.RenderedDescription = str(rendered["description"])
	for idx, c := range comments(rendered["comment"]) {
		if idx < len(i.Fields.Comments) {
			i.Fields.Comments[idx].RenderedBody = c.Body
		}
	}
	return nil
}

func object(raw json.RawMessage) map[string]json.RawMessage {
	var m map[string]json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &m) != nil {
		return nil
	}
	return m
}

func array(raw json.RawMessage) []json.RawMessage {
	var a []json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &a) != nil {
		return nil
	}
	return a
}

// str accepts JSON strings and numbers; anything else is "".
func str(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		return n.String()
	}
	return ""
}

func nameOf(raw json.RawMessage) string {
	return str(object(raw)["name"])
}

func displayName(raw json.RawMessage) string {
	return str(object(raw)["displayName"])
}

func strList(raw json.RawMessage) []string {
	var out []string
	for _, item := range array(raw) {
		if s := str(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func nameList(raw json.RawMessage) []string {
	var out []string
	for _, item := range array(raw) {
		if s := nameOf(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// comments reads the {"comments": [...]} wrapper used by the comment field.
func comments(raw json.RawMessage) []Comment {
	var out []Comment
	for _, item := range array(object(raw)["comments"]) {
		c := object(item)
		if c == nil {
			continue
		}
		out = append(out, Comment{
			Author:  displayName(c["author"]),
			Created: str(c["created"]),
			Body:    str(c["body"]),
		})
	}
	return out
}

// Project is the descriptive info returned by the project endpoint.
type Project struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Lead        string `json:"lead,omitempty"`
	URL         string `json:"url,omitempty"`
}

func decodeProject(data []byte) (*Project, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil || top == nil {
		return nil, fmt.Errorf("%w: project body is not an object", ErrMalformedResponse)
	}
	return &Project{
		Key:         str(top["key"]),
		Name:        str(top["name"]),
		Description: str(top["description"]),
		Lead:        displayName(top["lead"]),
		URL:         str(top["url"]),
	}, nil
}

// Page is one page of search results.
type Page struct {
	SourceID string
	Offset   int
	Total    int
	Records  []Issue
}

func decodePage(sourceID string, offset int, data []byte) (*Page, error) {
	var body struct {
		Issues *[]json.RawMessage `json:"issues"`
		Total  *int               `json:"total"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if body.Issues == nil {
		return nil, fmt.Errorf("%w: missing issues array", ErrMalformedResponse)
	}
	if body.Total == nil {
		return nil, fmt.Errorf("%w: missing total", ErrMalformedResponse)
	}
	if *body.Total < 0 {
		return nil, fmt.Errorf("%w: negative total %d", ErrMalformedResponse, *body.Total)
	}

	page := &Page{
		SourceID: sourceID,
		Offset:   offset,
		Total:    *body.Total,
		Records:  make([]Issue, 0, len(*body.Issues)),
	}
	for _, raw := range *body.Issues {
		var issue Issue
		if err := json.Unmarshal(raw, &issue); err != nil {
			// Kept as a keyless record so the caller counts it as invalid.
			issue = Issue{}
		}
		page.Records = append(page.Records, issue)
	}
	return page, nil
}
