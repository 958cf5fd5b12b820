package changes

import (
	"bytes"
	"encoding/json"
	"sort"
)

// CanonicalJSON re-serialises a JSON document with sorted keys and no
// insignificant whitespace, so metadata comparison is stable across
// producers. Empty and null inputs canonicalise to "".
func CanonicalJSON(raw string) string {
	if raw == "" || raw == "null" {
		return ""
	}
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		// Not JSON; compare the raw bytes as-is.
		return raw
	}
	var buf bytes.Buffer
	writeCanonical(&buf, v)
	return buf.String()
}

// CanonicalMetadata canonicalises an in-memory metadata object.
func CanonicalMetadata(meta map[string]interface{}) string {
	if len(meta) == 0 {
		return ""
	}
	var buf bytes.Buffer
	writeCanonical(&buf, meta)
	return buf.String()
}

func writeCanonical(buf *bytes.Buffer, v interface{}) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			writeCanonical(buf, val[k])
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonical(buf, item)
		}
		buf.WriteByte(']')
	default:
		b, _ := json.Marshal(val)
		buf.Write(b)
	}
}
