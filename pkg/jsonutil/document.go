package jsonutil

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Document is a loosely typed JSON object, used for task parameters, trigger
// payloads, and model configuration. Values decoded by encoding/json arrive as
// float64/string/bool/[]any/map[string]any; the accessors normalize those into
// the types callers actually want.
type Document map[string]any

// FromJSON decodes a raw JSON object into a Document.
// nil and "null" decode to an empty (non-nil) Document.
func FromJSON(raw json.RawMessage) (Document, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Document{}, nil
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

// JSON encodes the document back to raw JSON. A nil document encodes as "{}".
func (d Document) JSON() (json.RawMessage, error) {
	if d == nil {
		return json.RawMessage(`{}`), nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return data, nil
}

// Has reports whether key is present, regardless of its value.
func (d Document) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// GetString returns the value at key rendered as a string.
// Scalars are converted; missing keys, nulls, and composites return "".
func (d Document) GetString(key string) string {
	v, ok := d[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	case json.Number:
		return val.String()
	default:
		return ""
	}
}

// GetStringDefault returns the string at key, or def when absent or empty.
func (d Document) GetStringDefault(key, def string) string {
	if s := d.GetString(key); s != "" {
		return s
	}
	return def
}

// GetInt returns the integer at key, or def when absent or not numeric.
// JSON numbers (float64) and numeric strings are accepted.
func (d Document) GetInt(key string, def int) int {
	v, ok := d[key]
	if !ok || v == nil {
		return def
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case int64:
		return int(val)
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return def
}

// GetFloat returns the float at key, or def when absent or not numeric.
func (d Document) GetFloat(key string, def float64) float64 {
	v, ok := d[key]
	if !ok || v == nil {
		return def
	}
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return def
}

// GetBool returns the boolean at key, or def when absent or not boolean.
// The strings "true"/"false" are accepted.
func (d Document) GetBool(key string, def bool) bool {
	v, ok := d[key]
	if !ok || v == nil {
		return def
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return def
}

// GetSlice returns the array at key, or nil when absent or not an array.
func (d Document) GetSlice(key string) []any {
	v, ok := d[key]
	if !ok {
		return nil
	}
	if s, ok := v.([]any); ok {
		return s
	}
	return nil
}

// GetStringSlice returns the array at key with each element rendered as a
// string. Non-array values return nil; non-scalar elements are skipped.
func (d Document) GetStringSlice(key string) []string {
	raw := d.GetSlice(key)
	if raw == nil {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			out = append(out, val)
		case float64:
			if val == float64(int64(val)) {
				out = append(out, strconv.FormatInt(int64(val), 10))
			} else {
				out = append(out, strconv.FormatFloat(val, 'g', -1, 64))
			}
		case bool:
			out = append(out, strconv.FormatBool(val))
		}
	}
	return out
}

// GetDocument returns the nested object at key, or an empty Document when
// absent or not an object.
func (d Document) GetDocument(key string) Document {
	v, ok := d[key]
	if !ok {
		return Document{}
	}
	switch val := v.(type) {
	case map[string]any:
		return Document(val)
	case Document:
		return val
	}
	return Document{}
}

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Merge returns a new document with overlay's keys written over d's.
// Neither input is modified. Used to overlay run parameters on workflow
// defaults.
func (d Document) Merge(overlay Document) Document {
	out := d.Clone()
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
