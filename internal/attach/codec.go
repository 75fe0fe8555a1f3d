package attach

import (
	"strings"

	"github.com/connexa/chatsync/internal/backend"
	"github.com/connexa/chatsync/internal/chat"
)

// UnsupportedText replaces the body of a payload that carried content
// the client cannot classify. The render path never crashes on it.
const UnsupportedText = "Unsupported content"

// metaFields are envelope fields that do not count as content when
// deciding whether an unclassifiable payload is empty or unsupported.
var metaFields = map[string]bool{
	"sender": true, "createdAt": true, "read": true, "kind": true,
	"type": true, "deletedForEveryone": true,
}

// EncodeMessage produces the document field set for a message. A zero
// CreatedAt encodes as the server timestamp sentinel, resolved at write
// time.
func EncodeMessage(m chat.Message) map[string]any {
	fields := map[string]any{
		"sender":             m.Sender,
		"read":               m.Read,
		"kind":               string(m.Kind),
		"deletedForEveryone": m.DeletedForEveryone,
	}
	if m.CreatedAt > 0 {
		fields["createdAt"] = m.CreatedAt
	} else {
		fields["createdAt"] = backend.ServerTimestamp
	}

	p := m.Payload
	switch m.Kind {
	case chat.KindText:
		fields["text"] = p.Text
	case chat.KindImage, chat.KindVideo, chat.KindDocument:
		fields["url"] = p.URL
		if p.MIME != "" {
			fields["mimeType"] = p.MIME
		}
		if p.Bytes > 0 {
			fields["bytes"] = p.Bytes
		}
		if p.Width > 0 {
			fields["width"] = int64(p.Width)
			fields["height"] = int64(p.Height)
		}
		if p.DurationMs > 0 {
			fields["durationMs"] = p.DurationMs
		}
		if p.FileName != "" {
			fields["fileName"] = p.FileName
		}
	case chat.KindLocation:
		fields["latitude"] = p.Latitude
		fields["longitude"] = p.Longitude
		if p.Address != "" {
			fields["address"] = p.Address
		}
	case chat.KindContact:
		fields["name"] = p.ContactName
		fields["phoneNumbers"] = p.PhoneNumbers
		if len(p.Emails) > 0 {
			fields["emails"] = p.Emails
		}
	}
	return fields
}

// DecodeMessage rebuilds a message from a document. Classification
// falls back to field-presence heuristics for untagged records, and an
// unclassifiable non-empty payload renders as UnsupportedText rather
// than failing.
func DecodeMessage(conversationID string, doc backend.Document) chat.Message {
	f := doc.Fields
	m := chat.Message{
		ID:                 docID(doc.Path),
		ConversationID:     conversationID,
		Sender:             asString(f["sender"]),
		CreatedAt:          asInt64(f["createdAt"]),
		Read:               asBool(f["read"]),
		DeletedForEveryone: asBool(f["deletedForEveryone"]),
		Kind:               Classify(f),
	}

	p := &m.Payload
	switch m.Kind {
	case chat.KindText:
		p.Text = asString(f["text"])
		if p.Text == "" && hasContentFields(f) {
			p.Text = UnsupportedText
		}
	case chat.KindImage, chat.KindVideo, chat.KindDocument:
		p.URL = asString(f["url"])
		p.MIME = asString(f["mimeType"])
		p.Bytes = asInt64(f["bytes"])
		p.Width = int(asInt64(f["width"]))
		p.Height = int(asInt64(f["height"]))
		p.DurationMs = asInt64(f["durationMs"])
		p.FileName = asString(f["fileName"])
	case chat.KindLocation:
		p.Latitude = asFloat(f["latitude"])
		p.Longitude = asFloat(f["longitude"])
		p.Address = asString(f["address"])
	case chat.KindContact:
		p.ContactName = asString(f["name"])
		p.PhoneNumbers = asStrings(f["phoneNumbers"])
		p.Emails = asStrings(f["emails"])
	}
	return m
}

func hasContentFields(f map[string]any) bool {
	for k, v := range f {
		if metaFields[k] || v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		return true
	}
	return false
}

func docID(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

func asStrings(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, e := range vs {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
