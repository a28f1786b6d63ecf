package models

import (
	"maps"
	"slices"
	"strings"

	"pactcache/pkg/timekey"
)

// Writ is one message in a conversation.
type Writ struct {
	ID     string      `json:"id"`
	Author string      `json:"author"`
	Time   timekey.Key `json:"time"`
	// Sent is the author's wall clock at send time in unix millis.
	Sent    int64 `json:"sent"`
	Content Story `json:"content"`
	// Replying is the id of the message this one answers, if any.
	Replying string `json:"replying,omitempty"`
	// RepliedIDs lists ids recorded in this message's reply list.
	RepliedIDs []string `json:"replied,omitempty"`
	// Feels maps ship -> reaction.
	Feels   map[string]string `json:"feels,omitempty"`
	Deleted bool              `json:"deleted,omitempty"`
}

// Story is structured message content.
type Story struct {
	Inline []Inline `json:"inline,omitempty"`
	Block  []Block  `json:"block,omitempty"`
}

// IsEmpty reports whether the story carries no content.
func (s Story) IsEmpty() bool { return len(s.Inline) == 0 && len(s.Block) == 0 }

// PlainText flattens the inline content for terminals and logs. Links
// render as their text, breaks as newlines and blocks are omitted.
func (s Story) PlainText() string {
	var sb strings.Builder
	writeInlines(&sb, s.Inline)
	return sb.String()
}

func writeInlines(sb *strings.Builder, in []Inline) {
	for _, sp := range in {
		switch sp.Kind {
		case InlineBreak:
			sb.WriteByte('\n')
		case InlineCode:
			sb.WriteString("`" + sp.Text + "`")
		case InlineLink:
			if sp.Text != "" {
				sb.WriteString(sp.Text)
			} else {
				sb.WriteString(sp.Href)
			}
		default:
			sb.WriteString(sp.Text)
			writeInlines(sb, sp.Children)
		}
	}
}

// InlineKind tags an inline span.
type InlineKind string

const (
	InlineText       InlineKind = "text"
	InlineBold       InlineKind = "bold"
	InlineItalics    InlineKind = "italics"
	InlineStrike     InlineKind = "strike"
	InlineCode       InlineKind = "inline-code"
	InlineBlockquote InlineKind = "blockquote"
	InlineLink       InlineKind = "link"
	InlineShip       InlineKind = "ship"
	InlineBreak      InlineKind = "break"
)

// Inline is one span of message text. Formatting kinds wrap Children;
// leaf kinds carry Text (and Href for links).
type Inline struct {
	Kind     InlineKind `json:"kind"`
	Text     string     `json:"text,omitempty"`
	Href     string     `json:"href,omitempty"`
	Children []Inline   `json:"children,omitempty"`
}

// Text returns a plain text span.
func Text(s string) Inline { return Inline{Kind: InlineText, Text: s} }

// Block is a non-inline attachment.
type Block struct {
	Image *Image `json:"image,omitempty"`
	// Cite references another message or channel by path.
	Cite string `json:"cite,omitempty"`
}

type Image struct {
	Src    string `json:"src"`
	Alt    string `json:"alt,omitempty"`
	Height int    `json:"height,omitempty"`
	Width  int    `json:"width,omitempty"`
}

// Clone returns a deep copy of w.
func (w Writ) Clone() Writ {
	w.Content = w.Content.clone()
	w.RepliedIDs = slices.Clone(w.RepliedIDs)
	w.Feels = maps.Clone(w.Feels)
	return w
}

// Redacted returns the copy of w that readers see: tombstoned writs keep
// their identity, time and reply links but lose their body and reactions.
func (w Writ) Redacted() Writ {
	if !w.Deleted {
		return w.Clone()
	}
	w.Content = Story{}
	w.Feels = nil
	w.RepliedIDs = slices.Clone(w.RepliedIDs)
	return w
}

func (s Story) clone() Story {
	out := Story{}
	if s.Inline != nil {
		out.Inline = cloneInlines(s.Inline)
	}
	if s.Block != nil {
		out.Block = make([]Block, len(s.Block))
		for i, b := range s.Block {
			if b.Image != nil {
				img := *b.Image
				b.Image = &img
			}
			out.Block[i] = b
		}
	}
	return out
}

func cloneInlines(in []Inline) []Inline {
	out := make([]Inline, len(in))
	for i, sp := range in {
		if sp.Children != nil {
			sp.Children = cloneInlines(sp.Children)
		}
		out[i] = sp
	}
	return out
}

// MakeID builds a message id from the author ship and its time key.
func MakeID(author string, t timekey.Key) string {
	return author + "/" + t.UD()
}
