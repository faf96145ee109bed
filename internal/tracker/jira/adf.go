package jira

import (
	"fmt"
	"strings"

	"github.com/ctreminiom/go-atlassian/v2/pkg/infra/models"
)

// ADFToMarkdown renders an Atlassian Document Format tree as markdown.
// Agent prompts are plain text, so issue descriptions must come out of
// the ADF Jira stores them in. Unknown node types render a placeholder
// instead of dropping their content.
func ADFToMarkdown(doc *models.CommentNodeScheme) string {
	if doc == nil {
		return ""
	}
	var r adfRenderer
	r.node(doc, 0)
	return strings.TrimRight(r.out.String(), "\n")
}

type adfRenderer struct {
	out strings.Builder
}

func (r *adfRenderer) node(n *models.CommentNodeScheme, depth int) {
	if n == nil {
		return
	}
	switch n.Type {
	case "doc":
		r.children(n, depth)
	case "paragraph":
		r.children(n, depth)
		r.out.WriteString("\n\n")
	case "heading":
		r.out.WriteString(strings.Repeat("#", headingLevel(n.Attrs)) + " ")
		r.children(n, depth)
		r.out.WriteString("\n\n")
	case "text":
		r.out.WriteString(markedText(n.Text, n.Marks))
	case "hardBreak":
		r.out.WriteString("  \n")
	case "bulletList":
		r.list(n, depth, func(int) string { return "- " })
	case "orderedList":
		r.list(n, depth, func(i int) string { return fmt.Sprintf("%d. ", i+1) })
	case "codeBlock":
		r.out.WriteString("```" + stringAttr(n.Attrs, "language") + "\n")
		r.children(n, depth)
		r.out.WriteString("\n```\n\n")
	case "blockquote":
		var inner adfRenderer
		inner.children(n, depth)
		for _, line := range strings.Split(strings.TrimRight(inner.out.String(), "\n"), "\n") {
			r.out.WriteString("> " + line + "\n")
		}
		r.out.WriteString("\n")
	case "rule":
		r.out.WriteString("---\n\n")
	case "table":
		r.table(n)
	case "mention":
		if name := stringAttr(n.Attrs, "text"); name != "" {
			r.out.WriteString(name)
		} else {
			r.out.WriteString("@mention")
		}
	case "emoji":
		r.out.WriteString(stringAttr(n.Attrs, "shortName"))
	case "inlineCard":
		r.out.WriteString(stringAttr(n.Attrs, "url"))
	case "mediaSingle", "mediaGroup":
		r.out.WriteString("[media]\n\n")
	default:
		r.out.WriteString("[unsupported: " + n.Type + "]")
		r.children(n, depth)
	}
}

func (r *adfRenderer) children(n *models.CommentNodeScheme, depth int) {
	for _, child := range n.Content {
		r.node(child, depth)
	}
}

// list renders listItem children, keeping each item's first paragraph on
// the marker line and indenting nested content.
func (r *adfRenderer) list(n *models.CommentNodeScheme, depth int, marker func(int) string) {
	for i, item := range n.Content {
		r.out.WriteString(strings.Repeat("  ", depth) + marker(i))
		if item == nil {
			r.out.WriteString("\n")
			continue
		}
		for j, child := range item.Content {
			if j == 0 && child.Type == "paragraph" {
				r.children(child, depth+1)
				r.out.WriteString("\n")
				continue
			}
			r.node(child, depth+1)
		}
	}
}

func (r *adfRenderer) table(n *models.CommentNodeScheme) {
	var rows [][]string
	for _, row := range n.Content {
		if row.Type != "tableRow" {
			continue
		}
		var cells []string
		for _, cell := range row.Content {
			var cr adfRenderer
			cr.children(cell, 0)
			cells = append(cells, strings.TrimSpace(cr.out.String()))
		}
		rows = append(rows, cells)
	}
	if len(rows) == 0 {
		return
	}
	r.out.WriteString("| " + strings.Join(rows[0], " | ") + " |\n|")
	for range rows[0] {
		r.out.WriteString(" --- |")
	}
	r.out.WriteString("\n")
	for _, row := range rows[1:] {
		r.out.WriteString("| " + strings.Join(row, " | ") + " |\n")
	}
	r.out.WriteString("\n")
}

func markedText(text string, marks []*models.MarkScheme) string {
	for _, mark := range marks {
		if mark == nil {
			continue
		}
		switch mark.Type {
		case "strong":
			text = "**" + text + "**"
		case "em":
			text = "*" + text + "*"
		case "code":
			text = "`" + text + "`"
		case "strike":
			text = "~~" + text + "~~"
		case "underline":
			text = "_" + text + "_"
		case "link":
			if href, ok := mark.Attrs["href"].(string); ok && href != "" {
				text = "[" + text + "](" + href + ")"
			}
		}
	}
	return text
}

func headingLevel(attrs map[string]interface{}) int {
	if v, ok := attrs["level"]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return 1
}

func stringAttr(attrs map[string]interface{}, key string) string {
	if s, ok := attrs[key].(string); ok {
		return s
	}
	return ""
}

// CommentADF wraps plain text in the minimal ADF document the comment
// API accepts: one paragraph per blank-line-separated block.
func CommentADF(body string) *models.CommentNodeScheme {
	doc := &models.CommentNodeScheme{Type: "doc", Version: 1}
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		doc.Content = append(doc.Content, &models.CommentNodeScheme{
			Type: "paragraph",
			Content: []*models.CommentNodeScheme{
				{Type: "text", Text: block},
			},
		})
	}
	if len(doc.Content) == 0 {
		doc.Content = append(doc.Content, &models.CommentNodeScheme{Type: "paragraph"})
	}
	return doc
}
