// ABOUTME: Renders assistant markdown as plain terminal text
// ABOUTME: Walks the goldmark AST instead of producing HTML

package render

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// codeIndent prefixes every line of a code block.
const codeIndent = "    "

var parser = goldmark.New().Parser()

// PlainText converts markdown to readable plain text: headings are
// underlined, list markers normalized, code blocks indented, emphasis
// stripped and link targets appended in parentheses.
func PlainText(markdown string) string {
	src := []byte(markdown)
	doc := parser.Parse(text.NewReader(src))

	r := &renderer{src: src}
	r.blocks(doc, "")
	return strings.TrimRight(r.out.String(), "\n")
}

type renderer struct {
	src []byte
	out strings.Builder
}

func (r *renderer) blocks(parent ast.Node, indent string) {
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		r.block(n, indent)
	}
}

func (r *renderer) block(n ast.Node, indent string) {
	switch node := n.(type) {
	case *ast.Heading:
		title := r.inline(node)
		r.line(indent, title)
		switch node.Level {
		case 1:
			r.line(indent, strings.Repeat("=", utf8.RuneCountInString(title)))
		case 2:
			r.line(indent, strings.Repeat("-", utf8.RuneCountInString(title)))
		}
		r.gap()
	case *ast.Paragraph:
		r.lines(indent, r.inline(node))
		r.gap()
	case *ast.TextBlock:
		r.lines(indent, r.inline(node))
	case *ast.List:
		r.list(node, indent)
		r.gap()
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		r.code(n, indent+codeIndent)
		r.gap()
	case *ast.Blockquote:
		r.blocks(node, indent+"> ")
	case *ast.ThematicBreak:
		r.line(indent, "----")
		r.gap()
	case *ast.HTMLBlock:
		// dropped
	default:
		r.blocks(n, indent)
	}
}

func (r *renderer) list(l *ast.List, indent string) {
	num := l.Start
	for item := l.FirstChild(); item != nil; item = item.NextSibling() {
		marker := "- "
		if l.IsOrdered() {
			marker = fmt.Sprintf("%d. ", num)
			num++
		}
		pad := strings.Repeat(" ", len(marker))

		sub := &renderer{src: r.src}
		sub.blocks(item, "")
		body := strings.TrimRight(sub.out.String(), "\n")

		for i, ln := range strings.Split(body, "\n") {
			switch {
			case i == 0:
				r.line(indent, marker+ln)
			case ln == "":
				r.out.WriteByte('\n')
			default:
				r.line(indent, pad+ln)
			}
		}
	}
}

func (r *renderer) code(n ast.Node, indent string) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		r.line(indent, strings.TrimRight(string(seg.Value(r.src)), "\r\n"))
	}
}

// inline flattens the inline children of n.
func (r *renderer) inline(n ast.Node) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if c == n {
			return ast.WalkContinue, nil
		}

		switch node := c.(type) {
		case *ast.Text:
			if entering {
				b.Write(node.Segment.Value(r.src))
				if node.HardLineBreak() || node.SoftLineBreak() {
					b.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				b.Write(node.Value)
			}
		case *ast.CodeSpan:
			b.WriteByte('`')
		case *ast.Link:
			if entering {
				label := r.inline(node)
				b.WriteString(label)
				if dest := string(node.Destination); dest != "" && dest != label {
					b.WriteString(" (" + dest + ")")
				}
				return ast.WalkSkipChildren, nil
			}
		case *ast.AutoLink:
			if entering {
				b.Write(node.URL(r.src))
			}
			return ast.WalkSkipChildren, nil
		case *ast.Image:
			if entering {
				b.WriteString("[image: " + r.inline(node) + "]")
			}
			return ast.WalkSkipChildren, nil
		case *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

func (r *renderer) line(indent, s string) {
	r.out.WriteString(strings.TrimRight(indent+s, " "))
	r.out.WriteByte('\n')
}

func (r *renderer) lines(indent, s string) {
	for _, ln := range strings.Split(s, "\n") {
		r.line(indent, ln)
	}
}

// gap ends the current block with one blank line.
func (r *renderer) gap() {
	s := r.out.String()
	if s == "" || strings.HasSuffix(s, "\n\n") {
		return
	}
	r.out.WriteByte('\n')
}
