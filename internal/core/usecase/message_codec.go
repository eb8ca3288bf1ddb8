package usecase

import (
	"fmt"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/canonical"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
)

// Upcaster rewrites a decoded message of an older wire format in place.
type Upcaster interface {
	FromVersion() int
	ToVersion() int
	Upcast(raw map[string]any) (map[string]any, error)
}

type MessageCodec struct {
	upcasters map[int]Upcaster
}

func NewMessageCodec(upcasters ...Upcaster) *MessageCodec {
	m := make(map[int]Upcaster, len(upcasters))
	for _, up := range upcasters {
		m[up.FromVersion()] = up
	}
	return &MessageCodec{upcasters: m}
}

// DefaultMessageCodec knows every format this build has ever written.
func DefaultMessageCodec() *MessageCodec {
	return NewMessageCodec(legacyHashUpcaster{})
}

func (c *MessageCodec) Encode(msg domain.LedgerMessage) ([]byte, error) {
	if !msg.Type.Valid() {
		return nil, &domain.EncodingError{Path: "$.type", Reason: fmt.Sprintf("unknown operation %q", msg.Type)}
	}
	msg.Format = domain.CurrentMessageFormat
	return canonical.Marshal(msg)
}

func (c *MessageCodec) Decode(payload []byte) (domain.LedgerMessage, error) {
	var raw map[string]any
	if err := canonical.Decode(payload, &raw); err != nil {
		return domain.LedgerMessage{}, err
	}
	if raw == nil {
		return domain.LedgerMessage{}, &domain.EncodingError{Reason: "message is not an object"}
	}

	v, err := formatVersion(raw["v"])
	if err != nil {
		return domain.LedgerMessage{}, err
	}
	if v > domain.CurrentMessageFormat {
		return domain.LedgerMessage{}, &domain.EncodingError{Path: "$.v", Reason: fmt.Sprintf("unsupported message format %d", v)}
	}
	for v < domain.CurrentMessageFormat {
		up, ok := c.upcasters[v]
		if !ok {
			return domain.LedgerMessage{}, fmt.Errorf("missing upcaster from version %d", v)
		}
		next, err := up.Upcast(raw)
		if err != nil {
			return domain.LedgerMessage{}, fmt.Errorf("upcast %d->%d: %w", up.FromVersion(), up.ToVersion(), err)
		}
		raw = next
		v = up.ToVersion()
	}
	raw["v"] = v

	normalized, err := canonical.Marshal(raw)
	if err != nil {
		return domain.LedgerMessage{}, err
	}
	var msg domain.LedgerMessage
	if err := canonical.Decode(normalized, &msg); err != nil {
		return domain.LedgerMessage{}, err
	}
	if !msg.Type.Valid() {
		return domain.LedgerMessage{}, &domain.EncodingError{Path: "$.type", Reason: fmt.Sprintf("unknown operation %q", msg.Type)}
	}
	return msg, nil
}

func formatVersion(v any) (int, error) {
	if v == nil {
		return 0, nil
	}
	n, ok := v.(interface{ Int64() (int64, error) })
	if !ok {
		return 0, &domain.EncodingError{Path: "$.v", Reason: "format version is not a number"}
	}
	i, err := n.Int64()
	if err != nil {
		return 0, &domain.EncodingError{Path: "$.v", Reason: "format version is not an integer"}
	}
	return int(i), nil
}

// legacyHashUpcaster lifts unversioned messages: an UPDATE that only carries
// dataHash gets it as its newHash.
type legacyHashUpcaster struct{}

func (legacyHashUpcaster) FromVersion() int { return 0 }
func (legacyHashUpcaster) ToVersion() int   { return 1 }

func (legacyHashUpcaster) Upcast(raw map[string]any) (map[string]any, error) {
	if raw["type"] == string(domain.OpUpdate) {
		if _, ok := raw["newHash"]; !ok {
			if h, ok := raw["dataHash"]; ok {
				raw["newHash"] = h
			}
		}
	}
	return raw, nil
}
