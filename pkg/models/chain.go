package models

import (
	"fmt"
	"strings"
)

// MessageChain is an ordered sequence of components plus a hint asking the
// platform adapter to render the whole chain as a single image.
type MessageChain struct {
	Components    []Component
	RenderAsImage bool
}

// NewChain builds a chain from the given components.
func NewChain(components ...Component) *MessageChain {
	return &MessageChain{Components: components}
}

// TextChain builds a chain holding a single plain-text segment.
func TextChain(text string) *MessageChain {
	return NewChain(Plain{Text: text})
}

// Message appends a plain-text segment and returns the chain for chaining.
func (c *MessageChain) Message(text string) *MessageChain {
	c.Components = append(c.Components, Plain{Text: text})
	return c
}

// AtSender appends an at-mention.
func (c *MessageChain) AtSender(id, name string) *MessageChain {
	c.Components = append(c.Components, At{ID: id, Name: name})
	return c
}

// URLImage appends an image sourced from a URL.
func (c *MessageChain) URLImage(url string) *MessageChain {
	c.Components = append(c.Components, ImageFromURL(url))
	return c
}

// FileImage appends an image sourced from a local file.
func (c *MessageChain) FileImage(path string) *MessageChain {
	c.Components = append(c.Components, ImageFromPath(path))
	return c
}

// PlainText concatenates the text of every plain segment.
func (c *MessageChain) PlainText() string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	for _, comp := range c.Components {
		if p, ok := comp.(Plain); ok {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Empty reports whether every component fails its non-empty predicate.
// An empty chain (no components) is empty.
func (c *MessageChain) Empty() bool {
	if c == nil || len(c.Components) == 0 {
		return true
	}
	for _, comp := range c.Components {
		if !comp.Empty() {
			return false
		}
	}
	return true
}

// SquashPlain merges every plain segment into the first one, preserving the
// relative order of non-text components. Useful before sending to platforms
// that dislike fragmented text.
func (c *MessageChain) SquashPlain() {
	var text strings.Builder
	rest := make([]Component, 0, len(c.Components))
	for _, comp := range c.Components {
		if p, ok := comp.(Plain); ok {
			text.WriteString(p.Text)
			continue
		}
		rest = append(rest, comp)
	}
	if text.Len() == 0 {
		c.Components = rest
		return
	}
	c.Components = append([]Component{Plain{Text: text.String()}}, rest...)
}

// Clone returns a shallow copy with its own component slice.
func (c *MessageChain) Clone() *MessageChain {
	if c == nil {
		return nil
	}
	dup := &MessageChain{
		Components:    make([]Component, len(c.Components)),
		RenderAsImage: c.RenderAsImage,
	}
	copy(dup.Components, c.Components)
	return dup
}

const outlineLimit = 50

// Outline renders a short single-line preview of the chain for logs: text is
// kept, every other variant collapses to a placeholder.
func (c *MessageChain) Outline() string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	for _, comp := range c.Components {
		switch v := comp.(type) {
		case Plain:
			b.WriteString(v.Text)
		case Image:
			b.WriteString("[image]")
		case At:
			fmt.Fprintf(&b, "[at:%s]", v.ID)
		case AtAll:
			b.WriteString("[at:all]")
		case Face:
			b.WriteString("[face]")
		case Record:
			b.WriteString("[voice]")
		case Video:
			b.WriteString("[video]")
		case File:
			fmt.Fprintf(&b, "[file:%s]", v.Name)
		case Reply:
			b.WriteString("[reply]")
		case Node, Nodes:
			b.WriteString("[forward]")
		default:
			fmt.Fprintf(&b, "[%s]", comp.Type())
		}
	}
	out := strings.ReplaceAll(b.String(), "\n", " ")
	runes := []rune(out)
	if len(runes) > outlineLimit {
		return string(runes[:outlineLimit]) + "..."
	}
	return out
}
