package redis

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Hash field values are stored as JSON so that strings, booleans and
// timestamps survive the round trip through Redis' string-only fields.

func encodeValue(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode field: %w", err)
	}
	return string(data), nil
}

func decodeValue(raw string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode field: %w", err)
	}
	return normalize(v), nil
}

// normalize converts json.Number to int64 when integral, float64
// otherwise, so timestamps compare as int64 across backends.
func normalize(v any) any {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		f, _ := n.Float64()
		return f
	case []any:
		for i := range n {
			n[i] = normalize(n[i])
		}
		return n
	case map[string]any:
		for k := range n {
			n[k] = normalize(n[k])
		}
		return n
	}
	return v
}

func decodeFields(raw map[string]string) (map[string]any, error) {
	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		decoded, err := decodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		fields[k] = decoded
	}
	return fields, nil
}

// changeMessage is the pub/sub wire form of a feed event.
type changeMessage struct {
	Kind   int            `json:"kind"`
	Path   string         `json:"path"`
	Fields map[string]any `json:"fields"`
}

// decodeChangeMessage parses a feed payload keeping integral numbers as
// int64, so subscribers see the same field types as direct reads.
func decodeChangeMessage(payload []byte) (changeMessage, error) {
	dec := json.NewDecoder(strings.NewReader(string(payload)))
	dec.UseNumber()
	var cm changeMessage
	if err := dec.Decode(&cm); err != nil {
		return changeMessage{}, fmt.Errorf("decode change: %w", err)
	}
	cm.Fields = normalize(cm.Fields).(map[string]any)
	return cm, nil
}
