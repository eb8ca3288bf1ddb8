package domain

import "time"

type Record struct {
	TxID      string
	Table     string
	Fields    map[string]any
	Version   int64
	DataHash  string
	CreatorID string
	Deleted   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a copy whose Fields map can be mutated independently.
func (r Record) Clone() Record {
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	r.Fields = fields
	return r
}

// Merge returns the fields of r with patch applied on top.
func (r Record) Merge(patch map[string]any) map[string]any {
	merged := make(map[string]any, len(r.Fields)+len(patch))
	for k, v := range r.Fields {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

type InsertResult struct {
	TxID   string
	Record Record
	Hash   string
	Ledger LedgerReceipt
}

type UpdateResult struct {
	Record       Record
	PreviousHash string
	NewHash      string
	Version      int64
	Ledger       LedgerReceipt
}

type DeleteResult struct {
	TxID   string
	Hard   bool
	Hash   string
	Ledger LedgerReceipt
}

type UpdateOptions struct {
	// ExpectedVersion, when non-zero, must equal the stored version or the
	// update fails with ErrVersionConflict.
	ExpectedVersion int64
}
