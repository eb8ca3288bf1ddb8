package domain

import "time"

type AuditEntry struct {
	ID             int64          `json:"id"`
	TxID           string         `json:"txId"`
	Table          string         `json:"table"`
	Operation      OperationType  `json:"operation"`
	DataHash       string         `json:"dataHash,omitempty"`
	PreviousHash   string         `json:"previousHash,omitempty"`
	NewHash        string         `json:"newHash,omitempty"`
	Version        int64          `json:"version"`
	Sequence       uint64         `json:"sequence"`
	LedgerTime     time.Time      `json:"ledgerTime"`
	ChannelID      string         `json:"channelId"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ActorID        string         `json:"actorId"`
	OriginAddress  string         `json:"originAddress,omitempty"`
	CommittedAt    time.Time      `json:"committedAt"`
	FromReplay     bool           `json:"fromReplay"`
	MessagePayload []byte         `json:"-"`
}

// Hash returns the hash that describes the row after the operation.
func (e AuditEntry) Hash() string {
	if e.NewHash != "" {
		return e.NewHash
	}
	return e.DataHash
}

type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

type AuditFilter struct {
	Table     string
	TxID      string
	Operation OperationType
	Order     SortOrder
	AfterID   int64
	Limit     int
}
