package attach

import (
	"reflect"
	"testing"

	"github.com/connexa/chatsync/internal/backend"
	"github.com/connexa/chatsync/internal/chat"
)

func TestEncodeDecodeText(t *testing.T) {
	m := chat.Message{
		ID: "m1", ConversationID: "c1", Sender: "alice",
		CreatedAt: 1000, Kind: chat.KindText,
		Payload: chat.Payload{Text: "hello"},
	}
	fields := EncodeMessage(m)
	got := DecodeMessage("c1", backend.Document{Path: "chats/c1/messages/m1", Fields: fields})

	if got.ID != "m1" || got.Sender != "alice" || got.CreatedAt != 1000 {
		t.Errorf("envelope mismatch: %+v", got)
	}
	if got.Kind != chat.KindText || got.Payload.Text != "hello" {
		t.Errorf("payload mismatch: %+v", got.Payload)
	}
}

func TestEncodePendingTimestampUsesSentinel(t *testing.T) {
	m := chat.Message{ID: "m1", Kind: chat.KindText}
	fields := EncodeMessage(m)
	if !backend.IsServerTimestamp(fields["createdAt"]) {
		t.Errorf("createdAt = %v, want server timestamp sentinel", fields["createdAt"])
	}
}

func TestDecodeLocationFromFloats(t *testing.T) {
	doc := backend.Document{
		Path: "chats/c1/messages/m2",
		Fields: map[string]any{
			"sender": "bob", "createdAt": int64(2000),
			"latitude": 12.9716, "longitude": 77.5946, "address": "Bengaluru",
		},
	}
	m := DecodeMessage("c1", doc)
	if m.Kind != chat.KindLocation {
		t.Fatalf("kind = %v, want location", m.Kind)
	}
	if m.Payload.Latitude != 12.9716 || m.Payload.Address != "Bengaluru" {
		t.Errorf("payload = %+v", m.Payload)
	}
}

func TestDecodeContactPhoneList(t *testing.T) {
	// Lists arrive as []any over the wire and []string from memory.
	for _, phones := range []any{[]any{"+1", "+2"}, []string{"+1", "+2"}} {
		doc := backend.Document{
			Path:   "chats/c1/messages/m3",
			Fields: map[string]any{"name": "Ada", "phoneNumbers": phones},
		}
		m := DecodeMessage("c1", doc)
		if m.Kind != chat.KindContact || len(m.Payload.PhoneNumbers) != 2 {
			t.Errorf("decode %T: %+v", phones, m.Payload)
		}
	}
}

func TestDecodeUnsupportedContentPlaceholder(t *testing.T) {
	doc := backend.Document{
		Path:   "chats/c1/messages/m4",
		Fields: map[string]any{"sender": "bob", "sticker": map[string]any{"id": "s1"}},
	}
	m := DecodeMessage("c1", doc)
	if m.Kind != chat.KindText {
		t.Fatalf("kind = %v, want text fallback", m.Kind)
	}
	if m.Payload.Text != UnsupportedText {
		t.Errorf("text = %q, want placeholder", m.Payload.Text)
	}
}

func TestDecodeEmptyTextHasNoPlaceholder(t *testing.T) {
	doc := backend.Document{
		Path:   "chats/c1/messages/m5",
		Fields: map[string]any{"sender": "bob", "text": ""},
	}
	m := DecodeMessage("c1", doc)
	if m.Payload.Text != "" {
		t.Errorf("text = %q, want empty", m.Payload.Text)
	}
}

func TestRoundTripAttachment(t *testing.T) {
	m := chat.Message{
		ID: "m6", Sender: "alice", CreatedAt: 123, Kind: chat.KindVideo,
		Payload: chat.Payload{
			URL: "https://cdn/x/clip.mp4", MIME: "video/mp4",
			Bytes: 1 << 20, Width: 1280, Height: 720, DurationMs: 9000,
		},
	}
	got := DecodeMessage("c1", backend.Document{Path: "chats/c1/messages/m6", Fields: EncodeMessage(m)})
	if got.Kind != chat.KindVideo || !reflect.DeepEqual(got.Payload, m.Payload) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got.Payload, m.Payload)
	}
}
