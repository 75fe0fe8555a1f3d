package attach

import (
	"testing"

	"github.com/connexa/chatsync/internal/chat"
)

func TestClassifyPriority(t *testing.T) {
	cases := []struct {
		name   string
		fields map[string]any
		want   chat.Kind
	}{
		{"plain text", map[string]any{"text": "hello"}, chat.KindText},
		{"explicit kind wins", map[string]any{"kind": "image", "text": "caption"}, chat.KindImage},
		{"legacy type discriminator", map[string]any{"type": "contact", "url": "https://x/photo.jpg"}, chat.KindContact},
		{"name plus phones is contact", map[string]any{"name": "Ada", "phoneNumbers": []any{"+1"}}, chat.KindContact},
		{"location beats incidental url", map[string]any{"latitude": 12.9, "longitude": 77.6, "url": "https://x/file.pdf"}, chat.KindLocation},
		{"location object", map[string]any{"location": map[string]any{"latitude": 1.0, "longitude": 2.0}}, chat.KindLocation},
		{"mp4 is video", map[string]any{"url": "https://x/clip.mp4"}, chat.KindVideo},
		{"pdf is document", map[string]any{"url": "https://x/report.pdf"}, chat.KindDocument},
		{"uppercase jpg is image", map[string]any{"url": "https://x/photo.JPG"}, chat.KindImage},
		{"image mime without ext", map[string]any{"url": "https://cdn/x", "mimeType": "image/webp"}, chat.KindImage},
		{"video mime", map[string]any{"url": "https://cdn/x", "mimeType": "video/quicktime"}, chat.KindVideo},
		{"application mime", map[string]any{"url": "https://cdn/x", "mimeType": "application/zip"}, chat.KindDocument},
		{"unmatched url is document", map[string]any{"url": "https://x/mystery.xyz"}, chat.KindDocument},
		{"url with query keeps ext", map[string]any{"url": "https://x/a.png?token=1#frag"}, chat.KindImage},
		{"empty payload is text", map[string]any{}, chat.KindText},
		{"invalid discriminator falls through", map[string]any{"kind": "sticker", "url": "https://x/a.gif"}, chat.KindImage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.fields); got != tc.want {
				t.Errorf("Classify(%v) = %v, want %v", tc.fields, got, tc.want)
			}
		})
	}
}

func TestClassifyNilValuesIgnored(t *testing.T) {
	// A cleared field arrives as an explicit null.
	fields := map[string]any{"name": nil, "phoneNumbers": nil, "text": "hi"}
	if got := Classify(fields); got != chat.KindText {
		t.Errorf("Classify = %v, want text", got)
	}
}
