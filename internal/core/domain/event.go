package domain

import (
	"strings"
	"time"
)

type MutationMetadata struct {
	Actor         string
	Origin        string
	RequestID     string
	CorrelationID string
	Attributes    map[string]any
	OccurredAt    time.Time
}

func (m MutationMetadata) Normalize() MutationMetadata {
	if m.Actor == "" {
		m.Actor = "system"
	}
	if m.OccurredAt.IsZero() {
		m.OccurredAt = time.Now().UTC()
	}
	m.OccurredAt = m.OccurredAt.UTC().Truncate(time.Millisecond)
	return m
}

// Public returns the metadata that may be written to the audit trail and the
// channel. Attributes whose key looks like a credential are dropped at any
// depth.
func (m MutationMetadata) Public() map[string]any {
	out := make(map[string]any, len(m.Attributes)+2)
	for k, v := range m.Attributes {
		if isSecretKey(k) {
			continue
		}
		out[k] = withoutSecrets(v)
	}
	if m.RequestID != "" {
		out["requestId"] = m.RequestID
	}
	if m.CorrelationID != "" {
		out["correlationId"] = m.CorrelationID
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func withoutSecrets(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, inner := range v {
			if isSecretKey(k) {
				continue
			}
			out[k] = withoutSecrets(inner)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, inner := range v {
			if !isSecretKey(k) {
				out[k] = inner
			}
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = withoutSecrets(inner)
		}
		return out
	default:
		return v
	}
}

var secretMarkers = []string{"password", "passwd", "secret", "token", "apikey", "api_key", "privatekey", "private_key", "credential", "authorization"}

func isSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, marker := range secretMarkers {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}

type EventKind string

const (
	EventMutation EventKind = "mutation"
	EventReplay   EventKind = "replay"
)

// ChangeEvent is a best-effort in-process notification fired after a commit.
type ChangeEvent struct {
	Kind      EventKind     `json:"kind"`
	Operation OperationType `json:"operation"`
	Table     string        `json:"table"`
	TxID      string        `json:"txId"`
	Hash      string        `json:"hash,omitempty"`
	Version   int64         `json:"version,omitempty"`
	Sequence  uint64        `json:"sequence"`
	At        time.Time     `json:"at"`
}
