package channels

import (
	"context"
	"testing"

	"github.com/kestrelbot/kestrel/pkg/models"
)

func relayOf(chunks ...string) *models.StreamRelay {
	src := make(chan *models.LLMResponse, len(chunks)+1)
	for _, text := range chunks {
		src <- &models.LLMResponse{
			Role:    models.RoleEntryAssistant,
			Chain:   models.TextChain(text),
			IsChunk: true,
		}
	}
	src <- models.NewAssistantResponse("")
	close(src)
	return models.NewStreamRelay(src)
}

func collectSegments(t *testing.T, relay *models.StreamRelay) []string {
	t.Helper()
	var got []string
	err := DrainSegments(context.Background(), relay, func(_ context.Context, chain *models.MessageChain) error {
		got = append(got, chain.PlainText())
		return nil
	})
	if err != nil {
		t.Fatalf("DrainSegments() error = %v", err)
	}
	return got
}

func TestDrainSegments(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []string
	}{
		{
			name:   "sentence boundary inside a chunk",
			chunks: []string{"Hello! How", " are you?"},
			want:   []string{"Hello!", "How are you?"},
		},
		{
			name:   "trailing partial flushed at end",
			chunks: []string{"one. two. and then"},
			want:   []string{"one. two.", "and then"},
		},
		{
			name:   "cjk punctuation",
			chunks: []string{"你好！今天", "怎么样？"},
			want:   []string{"你好！", "今天怎么样？"},
		},
		{
			name:   "empty stream",
			chunks: nil,
			want:   nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := collectSegments(t, relayOf(tt.chunks...))
			if len(got) != len(tt.want) {
				t.Fatalf("segments = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("segment[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDrainSegmentsNonTextComponent(t *testing.T) {
	src := make(chan *models.LLMResponse, 3)
	src <- &models.LLMResponse{
		Role:    models.RoleEntryAssistant,
		Chain:   models.TextChain("see this."),
		IsChunk: true,
	}
	src <- &models.LLMResponse{
		Role:    models.RoleEntryAssistant,
		Chain:   models.NewChain(models.ImageFromURL("https://example.com/a.png")),
		IsChunk: true,
	}
	src <- models.NewAssistantResponse("")
	close(src)

	var chains []*models.MessageChain
	err := DrainSegments(context.Background(), models.NewStreamRelay(src), func(_ context.Context, chain *models.MessageChain) error {
		chains = append(chains, chain)
		return nil
	})
	if err != nil {
		t.Fatalf("DrainSegments() error = %v", err)
	}
	if len(chains) != 2 {
		t.Fatalf("got %d sends, want text then image", len(chains))
	}
	if chains[0].PlainText() != "see this." {
		t.Errorf("first send = %q, want the flushed text", chains[0].PlainText())
	}
	if _, ok := chains[1].Components[0].(models.Image); !ok {
		t.Errorf("second send = %T, want the image component", chains[1].Components[0])
	}
}
