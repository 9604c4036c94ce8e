package transform

import (
	"bytes"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Body formats accepted by NewCleaner.
const (
	FormatHTML     = "html"
	FormatMarkdown = "markdown"
	FormatText     = "text"
)

const (
	ellipsis         = "..."
	truncateLookback = 20
)

// Elements whose content is never text.
const droppedSelector = "script, style, noscript, template, head, meta, link"

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Hr: true,
	atom.Li: true, atom.Ul: true, atom.Ol: true, atom.Dd: true, atom.Dt: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Pre: true, atom.Blockquote: true, atom.Table: true, atom.Tr: true, atom.Td: true, atom.Th: true,
	atom.Section: true, atom.Article: true,
}

// Cleaner turns issue bodies into plain text of bounded length.
type Cleaner struct {
	format    string
	maxLength int
	markdown  goldmark.Markdown
}

// NewCleaner creates a cleaner for the given body format. maxLength is in
// characters; zero disables truncation.
func NewCleaner(format string, maxLength int) *Cleaner {
	if format == "" {
		format = FormatHTML
	}
	return &Cleaner{format: format, maxLength: maxLength, markdown: goldmark.New()}
}

// Clean strips markup, collapses whitespace and truncates.
func (c *Cleaner) Clean(body string) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}
	var text string
	switch c.format {
	case FormatText:
		text = collapseWhitespace(body)
	case FormatMarkdown:
		var buf bytes.Buffer
		if err := c.markdown.Convert([]byte(body), &buf); err != nil {
			text = collapseWhitespace(body)
		} else {
			text = htmlToText(buf.String())
		}
	default:
		text = htmlToText(body)
	}
	return Truncate(text, c.maxLength)
}

// htmlToText extracts visible text from an HTML fragment.
func htmlToText(fragment string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return collapseWhitespace(fragment)
	}
	doc.Find(droppedSelector).Remove()

	var b strings.Builder
	for _, n := range doc.Nodes {
		writeText(&b, n)
	}
	return collapseWhitespace(b.String())
}

func writeText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.CommentNode:
		return
	}
	block := n.Type == html.ElementNode && blockElements[n.DataAtom]
	if block {
		b.WriteByte(' ')
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		writeText(b, child)
	}
	if block {
		b.WriteByte(' ')
	}
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate limits s to max characters including a trailing "...". It never
// splits a character and cuts at whitespace when one occurs within the last
// 20 characters before the limit. max <= 0 returns s unchanged.
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= len(ellipsis) {
		return string(runes[:max])
	}

	cut := max - len(ellipsis)
	for i := cut; i > 0 && i >= cut-truncateLookback; i-- {
		if unicode.IsSpace(runes[i]) {
			cut = i
			break
		}
	}
	return strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace) + ellipsis
}
