package chat

import (
	"strings"
	"testing"

	"github.com/connexa/chatsync/internal/backend"
)

func TestPairKeyIsOrderIndependent(t *testing.T) {
	if PairKey("alice", "bob") != PairKey("bob", "alice") {
		t.Error("pair key must not depend on argument order")
	}
	if PairKey("alice", "bob") != "alice|bob" {
		t.Errorf("pair key = %q", PairKey("alice", "bob"))
	}
}

func TestSummarize(t *testing.T) {
	cases := []struct {
		name string
		m    Message
		want string
	}{
		{"text verbatim", Message{Kind: KindText, Payload: Payload{Text: "see you at 5"}}, "see you at 5"},
		{"image label", Message{Kind: KindImage, Payload: Payload{URL: "https://x/a.jpg"}}, "Image"},
		{"video label", Message{Kind: KindVideo}, "Video"},
		{"document label", Message{Kind: KindDocument}, "Document"},
		{"location label", Message{Kind: KindLocation}, "Location"},
		{"contact label", Message{Kind: KindContact}, "Contact"},
		{"deleted overrides kind", Message{Kind: KindImage, DeletedForEveryone: true}, TombstoneSummary},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Summarize(tc.m); got != tc.want {
				t.Errorf("Summarize = %q, want %q", got, tc.want)
			}
		})
	}

	long := Message{Kind: KindText, Payload: Payload{Text: strings.Repeat("x", 300)}}
	if len(Summarize(long)) != 100 {
		t.Errorf("long text summary len = %d, want 100", len(Summarize(long)))
	}
}

func TestConversationOther(t *testing.T) {
	c := Conversation{Participants: [2]string{"alice", "bob"}}
	if c.Other("alice") != "bob" || c.Other("bob") != "alice" {
		t.Error("Other should return the opposite participant")
	}
	if c.Other("mallory") != "" {
		t.Error("non-participant should get empty string")
	}
	if !c.Has("alice") || c.Has("mallory") {
		t.Error("Has mismatch")
	}
}

func TestConversationCodecRoundTrip(t *testing.T) {
	c := Conversation{
		ID:                 "c1",
		Participants:       [2]string{"alice", "bob"},
		LastMessageSummary: "hello",
		LastUpdated:        5000,
		LastViewed:         map[string]int64{"alice": 4000},
	}
	fields := EncodeConversation(c)
	// Typing arrives via per-user merges, not the creation write.
	fields[TypingField("bob")] = int64(4500)

	got := DecodeConversation(backend.Document{Path: "chats/c1", Fields: fields})
	if got.ID != "c1" || got.Participants != [2]string{"alice", "bob"} {
		t.Errorf("identity mismatch: %+v", got)
	}
	if got.LastMessageSummary != "hello" || got.LastUpdated != 5000 {
		t.Errorf("metadata mismatch: %+v", got)
	}
	if got.LastViewed["alice"] != 4000 {
		t.Errorf("lastViewed = %v", got.LastViewed)
	}
	if got.TypingStatus["bob"] != 4500 {
		t.Errorf("typingStatus = %v", got.TypingStatus)
	}
}

func TestDecodeConversationClearedTyping(t *testing.T) {
	fields := map[string]any{
		PairKeyField:          "alice|bob",
		ParticipantField("alice"): true,
		ParticipantField("bob"):   true,
		TypingField("alice"):      nil,
	}
	got := DecodeConversation(backend.Document{Path: "chats/c1", Fields: fields})
	if got.TypingStatus["alice"] != 0 {
		t.Errorf("cleared typing should decode to 0, got %d", got.TypingStatus["alice"])
	}
}
