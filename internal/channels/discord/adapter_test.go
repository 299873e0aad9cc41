package discord

import (
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/kestrelbot/kestrel/pkg/models"
)

func TestToChainMentionsAndText(t *testing.T) {
	a := &Adapter{}
	msg := &discordgo.Message{
		ID:      "m1",
		Content: "<@123> what time is it?",
		Mentions: []*discordgo.User{
			{ID: "123", Username: "kestrel"},
		},
	}

	chain := a.toChain(msg)
	if len(chain.Components) != 2 {
		t.Fatalf("components = %d, want at + plain", len(chain.Components))
	}
	at, ok := chain.Components[0].(models.At)
	if !ok || at.ID != "123" || at.Name != "kestrel" {
		t.Fatalf("first component = %+v, want the at-mention", chain.Components[0])
	}
	if got := chain.PlainText(); got != "what time is it?" {
		t.Errorf("text = %q, want the content without the mention token", got)
	}
}

func TestToChainNicknameMentionForm(t *testing.T) {
	a := &Adapter{}
	msg := &discordgo.Message{Content: "<@!456> hello"}

	chain := a.toChain(msg)
	at, ok := chain.Components[0].(models.At)
	if !ok || at.ID != "456" {
		t.Fatalf("first component = %+v, want at id 456", chain.Components[0])
	}
}

func TestToChainReferencedMessageBecomesReply(t *testing.T) {
	a := &Adapter{}
	msg := &discordgo.Message{
		Content: "agreed",
		ReferencedMessage: &discordgo.Message{
			ID:      "orig",
			Content: "shall we?",
			Author:  &discordgo.User{ID: "9", Username: "ann"},
		},
	}

	chain := a.toChain(msg)
	reply, ok := chain.Components[0].(models.Reply)
	if !ok {
		t.Fatalf("first component = %T, want a reply", chain.Components[0])
	}
	if reply.ID != "orig" || reply.SenderID != "9" || reply.Text != "shall we?" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestToChainAttachments(t *testing.T) {
	a := &Adapter{}
	msg := &discordgo.Message{
		Content: "look",
		Attachments: []*discordgo.MessageAttachment{
			{URL: "https://cdn/a.png", ContentType: "image/png"},
			{URL: "https://cdn/b.pdf", Filename: "b.pdf", ContentType: "application/pdf"},
		},
	}

	chain := a.toChain(msg)
	var image, file bool
	for _, comp := range chain.Components {
		switch v := comp.(type) {
		case models.Image:
			image = v.URL == "https://cdn/a.png"
		case models.File:
			file = v.Name == "b.pdf"
		}
	}
	if !image || !file {
		t.Fatalf("chain = %+v, want one image and one file", chain.Components)
	}
}

func TestAttachMediaURLGoesInline(t *testing.T) {
	send := &discordgo.MessageSend{}
	var text strings.Builder
	if err := attachMedia(send, "a.png", "https://cdn/a.png", "", "", &text); err != nil {
		t.Fatalf("attachMedia() error = %v", err)
	}
	if len(send.Files) != 0 {
		t.Fatal("remote media must not become an upload")
	}
	if !strings.Contains(text.String(), "https://cdn/a.png") {
		t.Errorf("text = %q, want the inline url", text.String())
	}
}
