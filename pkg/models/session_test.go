package models

import "testing"

func TestParseSession(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Session
		wantErr bool
	}{
		{
			"friend",
			"telegram:friend_message:12345",
			Session{Platform: "telegram", MessageType: MessageTypeFriend, ID: "12345"},
			false,
		},
		{
			"group with colons in id",
			"discord:group_message:guild:chan",
			Session{Platform: "discord", MessageType: MessageTypeGroup, ID: "guild:chan"},
			false,
		},
		{"too few parts", "telegram:12345", Session{}, true},
		{"empty platform", ":friend_message:1", Session{}, true},
		{"empty", "", Session{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSession(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSession(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got != tt.want {
				t.Errorf("ParseSession(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
			if got.String() != tt.raw {
				t.Errorf("round trip = %q, want %q", got.String(), tt.raw)
			}
		})
	}
}

func TestEventUnifiedOrigin(t *testing.T) {
	ev := &Event{
		Platform: "webchat",
		Session:  Session{Platform: "webchat", MessageType: MessageTypeFriend, ID: "u1!c1"},
	}
	want := "webchat:friend_message:u1!c1"
	if got := ev.UnifiedOrigin(); got != want {
		t.Errorf("UnifiedOrigin() = %q, want %q", got, want)
	}
}

func TestEventStopAndResult(t *testing.T) {
	ev := &Event{}
	if ev.IsStopped() {
		t.Fatal("new event reported stopped")
	}

	ev.Stop()
	if !ev.IsStopped() {
		t.Error("Stop() did not mark event stopped")
	}
	if ev.Result() == nil {
		t.Error("Stop() on result-less event did not seed a result")
	}

	ev.ClearResult()
	if ev.IsStopped() {
		t.Error("ClearResult() did not clear the stop flag")
	}
	if ev.Result() != nil {
		t.Error("ClearResult() left a result behind")
	}

	res := NewResult(TextChain("ok"))
	res.Kind = ResultLLM
	ev.SetResult(res)
	if !ev.Result().IsLLMResult() {
		t.Error("IsLLMResult() = false for ResultLLM")
	}
}
