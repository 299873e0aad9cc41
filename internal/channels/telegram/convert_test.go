package telegram

import (
	"testing"

	tgm "github.com/go-telegram/bot/models"

	"github.com/kestrelbot/kestrel/pkg/models"
)

func TestSplitEntitiesMention(t *testing.T) {
	a := &Adapter{selfID: "99", selfUsername: "kestrel_bot"}

	got := a.splitEntities("@kestrel_bot hello there", []tgm.MessageEntity{
		{Type: tgm.MessageEntityTypeMention, Offset: 0, Length: 12},
	})
	if len(got) != 2 {
		t.Fatalf("components = %d, want at + plain", len(got))
	}
	at, ok := got[0].(models.At)
	if !ok || at.ID != "99" || at.Name != "kestrel_bot" {
		t.Fatalf("first component = %+v, want the self at-mention", got[0])
	}
	plain, ok := got[1].(models.Plain)
	if !ok || plain.Text != " hello there" {
		t.Fatalf("second component = %+v, want the trailing text", got[1])
	}
}

func TestSplitEntitiesUTF16Offsets(t *testing.T) {
	a := &Adapter{}

	// "你好 " is 3 UTF-16 code units; the mention entity counts in those.
	text := "你好 @someone bye"
	got := a.splitEntities(text, []tgm.MessageEntity{
		{Type: tgm.MessageEntityTypeMention, Offset: 3, Length: 8},
	})
	if len(got) != 3 {
		t.Fatalf("components = %d, want plain + at + plain", len(got))
	}
	if p := got[0].(models.Plain); p.Text != "你好 " {
		t.Errorf("leading text = %q", p.Text)
	}
	if at := got[1].(models.At); at.Name != "someone" {
		t.Errorf("mention name = %q, want someone", at.Name)
	}
	if p := got[2].(models.Plain); p.Text != " bye" {
		t.Errorf("trailing text = %q", p.Text)
	}
}

func TestSplitEntitiesNoEntities(t *testing.T) {
	a := &Adapter{}
	got := a.splitEntities("plain text", nil)
	if len(got) != 1 {
		t.Fatalf("components = %d, want 1", len(got))
	}
	if p := got[0].(models.Plain); p.Text != "plain text" {
		t.Errorf("text = %q", p.Text)
	}
}

func TestSplitEntitiesTextMentionCarriesUserID(t *testing.T) {
	a := &Adapter{}
	got := a.splitEntities("hi Dana", []tgm.MessageEntity{
		{Type: tgm.MessageEntityTypeTextMention, Offset: 3, Length: 4, User: &tgm.User{ID: 7, FirstName: "Dana"}},
	})
	if len(got) != 2 {
		t.Fatalf("components = %d, want plain + at", len(got))
	}
	if at := got[1].(models.At); at.ID != "7" {
		t.Errorf("mention id = %q, want 7", at.ID)
	}
}
