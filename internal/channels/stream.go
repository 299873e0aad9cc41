package channels

import (
	"context"
	"strings"

	"github.com/kestrelbot/kestrel/pkg/models"
)

// sentenceEnd marks the cut points for the streaming fallback.
func sentenceEnd(r rune) bool {
	switch r {
	case '。', '！', '？', '.', '!', '?', '\n':
		return true
	}
	return false
}

// DrainSegments is the streaming fallback for adapters without a native
// chunk transport: it consumes the relay, aggregates chunk text into
// sentence-sized segments, and invokes send once per segment. Non-text
// components inside a chunk flush the buffer and go out as their own
// segment. The trailing partial sentence is flushed at stream end.
func DrainSegments(ctx context.Context, relay *models.StreamRelay, send func(context.Context, *models.MessageChain) error) error {
	var buf strings.Builder

	flush := func() error {
		text := strings.TrimSpace(buf.String())
		buf.Reset()
		if text == "" {
			return nil
		}
		return send(ctx, models.TextChain(text))
	}

	for {
		chain, ok, err := relay.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return flush()
		}
		for _, comp := range chain.Components {
			p, isText := comp.(models.Plain)
			if !isText {
				if err := flush(); err != nil {
					return err
				}
				if err := send(ctx, models.NewChain(comp)); err != nil {
					return err
				}
				continue
			}
			buf.WriteString(p.Text)
			if cut := lastSentenceEnd(buf.String()); cut >= 0 {
				whole := buf.String()
				head, tail := whole[:cut+1], whole[cut+1:]
				buf.Reset()
				buf.WriteString(head)
				if err := flush(); err != nil {
					return err
				}
				buf.WriteString(tail)
			}
		}
	}
}

// lastSentenceEnd returns the byte index of the final rune of the last
// complete sentence, -1 when none.
func lastSentenceEnd(s string) int {
	last := -1
	for i, r := range s {
		if sentenceEnd(r) {
			last = i + len(string(r)) - 1
		}
	}
	return last
}
