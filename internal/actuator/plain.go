package actuator

import (
	"bytes"
	"context"
	"strings"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/nugget/ember/internal/session"
)

// Plain wraps ch so every message reaches it as plain text. Voice and
// home-automation channels read markdown symbols aloud.
func Plain(ch Channel) Channel {
	return plainChannel{ch}
}

type plainChannel struct {
	Channel
}

func (p plainChannel) Send(ctx context.Context, msg session.ChatMessage) error {
	msg.Content = PlainText(msg.Content)
	return p.Channel.Send(ctx, msg)
}

// PlainText renders markdown and returns only its visible text, one
// line per block. Input that fails to render is returned unchanged.
func PlainText(md string) string {
	var rendered bytes.Buffer
	if err := goldmark.Convert([]byte(md), &rendered); err != nil {
		return md
	}
	doc, err := html.Parse(&rendered)
	if err != nil {
		return md
	}
	var b strings.Builder
	writeText(doc, &b)
	return collapseLines(b.String())
}

func writeText(n *html.Node, w *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		w.WriteString(n.Data)
		return
	case html.ElementNode:
		if n.DataAtom == atom.Br || n.DataAtom == atom.Hr {
			w.WriteString("\n")
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(c, w)
	}
	if n.Type == html.ElementNode && isBlock(n.DataAtom) {
		w.WriteString("\n")
	}
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Li, atom.Ul, atom.Ol, atom.Pre, atom.Blockquote,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Table, atom.Tr:
		return true
	}
	return false
}

// collapseLines normalizes spaces within each line and drops blank
// lines.
func collapseLines(s string) string {
	var out []string
	for line := range strings.SplitSeq(s, "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
