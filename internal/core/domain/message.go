package domain

import "time"

type OperationType string

const (
	OpInsert     OperationType = "INSERT"
	OpUpdate     OperationType = "UPDATE"
	OpDeleteSoft OperationType = "DELETE_SOFT"
	OpDeleteHard OperationType = "DELETE_HARD"
	OpSchemaInit OperationType = "SCHEMA_INIT"
)

func (o OperationType) Valid() bool {
	switch o {
	case OpInsert, OpUpdate, OpDeleteSoft, OpDeleteHard, OpSchemaInit:
		return true
	}
	return false
}

// CurrentMessageFormat is the wire format version written by this build.
const CurrentMessageFormat = 1

// LedgerMessage is the payload published to and read from the channel.
// Ordering is never taken from Timestamp; the channel sequence is authoritative.
type LedgerMessage struct {
	Format       int            `json:"v"`
	Type         OperationType  `json:"type"`
	Table        string         `json:"table"`
	TxID         string         `json:"txId"`
	DataHash     string         `json:"dataHash,omitempty"`
	PreviousHash string         `json:"previousHash,omitempty"`
	NewHash      string         `json:"newHash,omitempty"`
	Timestamp    int64          `json:"timestamp"`
	Version      int64          `json:"version,omitempty"`
	Actor        string         `json:"actor,omitempty"`
	Origin       string         `json:"origin,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Schemas      []TableSchema  `json:"schemas,omitempty"`
}

// DeclaredHash is the hash the message claims for the row after it is applied.
func (m LedgerMessage) DeclaredHash() string {
	if m.Type == OpUpdate {
		return m.NewHash
	}
	return m.DataHash
}

type LedgerStatus string

const (
	LedgerSuccess LedgerStatus = "SUCCESS"
)

// LedgerReceipt is the channel's acknowledgement of durable ordering.
type LedgerReceipt struct {
	Status      LedgerStatus
	ChannelID   string
	Sequence    uint64
	SubmittedAt time.Time
}

// ChannelState is the resume point of a channel at create/attach time.
type ChannelState struct {
	ChannelID    string
	LastSequence uint64
}

type ChannelOptions struct {
	Memo              string
	ReplicationFactor int
}

// Delivery is one ordered element of a channel subscription.
type Delivery struct {
	Sequence  uint64
	Timestamp time.Time
	Payload   []byte
}

// SyncCursor is the last sequence applied from a channel.
type SyncCursor struct {
	ChannelID    string
	LastSequence uint64
	UpdatedAt    time.Time
}
