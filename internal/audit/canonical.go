package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// TimestampLayout is the form createdAt takes inside the hash payload.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Canonicalize serializes v as JSON with object keys sorted at every depth.
// Array order is kept. Numbers keep their literal form.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ComputeHash returns hex(SHA-256(prevHash || canonical(payload))).
func ComputeHash(prevHash string, payload any) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashPayload builds the fixed-field payload an event's hash covers.
func HashPayload(workspaceID, agentID, tool, action, resource, decision, reason string,
	metadata map[string]any, anomalyFlagged bool, createdAt time.Time) map[string]any {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return map[string]any{
		"workspaceId":    workspaceID,
		"agentId":        nullable(agentID),
		"tool":           tool,
		"action":         action,
		"resource":       nullable(resource),
		"decision":       decision,
		"reason":         reason,
		"metadata":       metadata,
		"anomalyFlagged": anomalyFlagged,
		"createdAt":      FormatTimestamp(createdAt),
	}
}

// EventHash recomputes the hash of e from its own fields and PrevHash.
func EventHash(e Event) (string, error) {
	payload := HashPayload(e.WorkspaceID, e.AgentID, e.Tool, e.Action, e.Resource,
		string(e.Decision), e.Reason, e.Metadata, e.AnomalyFlagged, e.CreatedAt)
	return ComputeHash(e.PrevHash, payload)
}

// FormatTimestamp renders t the way it is hashed.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Millisecond).Format(TimestampLayout)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
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
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case string:
		return writeString(buf, val)
	case json.Number:
		buf.WriteString(val.String())
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case nil:
		buf.WriteString("null")
	default:
		return fmt.Errorf("canonicalize: unexpected type %T", v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal string: %w", err)
	}
	buf.Write(b)
	return nil
}
