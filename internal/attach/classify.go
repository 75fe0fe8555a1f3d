// Package attach resolves raw message payloads into a content kind and
// a typed payload. Outgoing messages always carry an explicit kind;
// classification by field presence exists for records persisted before
// the discriminator was stored.
package attach

import (
	"net/url"
	"path"
	"strings"

	"github.com/connexa/chatsync/internal/chat"
)

var (
	imageExts = map[string]bool{"jpg": true, "jpeg": true, "png": true, "webp": true, "gif": true}
	videoExts = map[string]bool{"mp4": true, "mov": true, "avi": true}
	docExts   = map[string]bool{"pdf": true, "doc": true, "docx": true, "txt": true}
)

// Classify determines the content kind of a raw payload. It is a total
// function: any input resolves to some kind, with text as the fallback.
//
// Priority order matters because one payload can satisfy several
// heuristics. An explicit valid discriminator wins outright; then
// contact, location, image, video, document, text. A payload with both
// coordinates and an incidental URL is a location, not a document.
func Classify(fields map[string]any) chat.Kind {
	if kind, ok := fields["kind"].(string); ok && chat.ValidKind(kind) {
		return chat.Kind(kind)
	}
	if legacy, ok := fields["type"].(string); ok && chat.ValidKind(legacy) {
		return chat.Kind(legacy)
	}

	if hasField(fields, "name") && hasField(fields, "phoneNumbers") {
		return chat.KindContact
	}
	if hasField(fields, "location") || (hasField(fields, "latitude") && hasField(fields, "longitude")) {
		return chat.KindLocation
	}

	rawURL, _ := fields["url"].(string)
	mime, _ := fields["mimeType"].(string)
	ext := urlExt(rawURL)
	switch {
	case imageExts[ext] || strings.HasPrefix(mime, "image/"):
		return chat.KindImage
	case videoExts[ext] || strings.HasPrefix(mime, "video/"):
		return chat.KindVideo
	case docExts[ext] || strings.HasPrefix(mime, "application/"):
		return chat.KindDocument
	case rawURL != "":
		// A URL that matched nothing is still an attachment.
		return chat.KindDocument
	}
	return chat.KindText
}

// urlExt extracts the lowercase extension of a URL's path, ignoring
// query and fragment.
func urlExt(raw string) string {
	if raw == "" {
		return ""
	}
	p := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		p = u.Path
	}
	ext := strings.TrimPrefix(path.Ext(p), ".")
	return strings.ToLower(ext)
}

func hasField(fields map[string]any, key string) bool {
	v, ok := fields[key]
	return ok && v != nil
}
