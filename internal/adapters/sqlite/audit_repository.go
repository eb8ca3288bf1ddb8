package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/atvirokodosprendimai/ledgerdb/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
)

type auditEntryModel struct {
	ID            int64  `gorm:"column:id;primaryKey;autoIncrement"`
	TxID          string `gorm:"column:tx_id;not null"`
	Table         string `gorm:"column:table_name;not null"`
	Operation     string `gorm:"column:operation;not null"`
	DataHash      string `gorm:"column:data_hash;not null"`
	PreviousHash  string `gorm:"column:previous_hash;not null"`
	NewHash       string `gorm:"column:new_hash;not null"`
	Version       int64  `gorm:"column:version;not null"`
	Sequence      int64  `gorm:"column:sequence;not null"`
	LedgerTime    int64  `gorm:"column:ledger_time;not null"`
	ChannelID     string `gorm:"column:channel_id;not null"`
	MetadataJSON  string `gorm:"column:metadata_json;not null"`
	ActorID       string `gorm:"column:actor_id;not null"`
	OriginAddress string `gorm:"column:origin_address;not null"`
	CommittedAt   int64  `gorm:"column:committed_at;not null"`
	FromReplay    bool   `gorm:"column:from_replay;not null"`
	Payload       []byte `gorm:"column:payload"`
}

func (auditEntryModel) TableName() string {
	return "audit_entries"
}

func toAuditModel(e domain.AuditEntry) (auditEntryModel, error) {
	meta := "{}"
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return auditEntryModel{}, fmt.Errorf("marshal audit metadata: %w", err)
		}
		meta = string(b)
	}
	return auditEntryModel{
		TxID:          e.TxID,
		Table:         e.Table,
		Operation:     string(e.Operation),
		DataHash:      e.DataHash,
		PreviousHash:  e.PreviousHash,
		NewHash:       e.NewHash,
		Version:       e.Version,
		Sequence:      int64(e.Sequence),
		LedgerTime:    toMillis(e.LedgerTime),
		ChannelID:     e.ChannelID,
		MetadataJSON:  meta,
		ActorID:       e.ActorID,
		OriginAddress: e.OriginAddress,
		CommittedAt:   toMillis(e.CommittedAt),
		FromReplay:    e.FromReplay,
		Payload:       e.MessagePayload,
	}, nil
}

func toAuditDomain(m auditEntryModel) domain.AuditEntry {
	var meta map[string]any
	if m.MetadataJSON != "" && m.MetadataJSON != "{}" {
		_ = json.Unmarshal([]byte(m.MetadataJSON), &meta)
	}
	return domain.AuditEntry{
		ID:             m.ID,
		TxID:           m.TxID,
		Table:          m.Table,
		Operation:      domain.OperationType(m.Operation),
		DataHash:       m.DataHash,
		PreviousHash:   m.PreviousHash,
		NewHash:        m.NewHash,
		Version:        m.Version,
		Sequence:       uint64(m.Sequence),
		LedgerTime:     fromMillis(m.LedgerTime),
		ChannelID:      m.ChannelID,
		Metadata:       meta,
		ActorID:        m.ActorID,
		OriginAddress:  m.OriginAddress,
		CommittedAt:    fromMillis(m.CommittedAt),
		FromReplay:     m.FromReplay,
		MessagePayload: m.Payload,
	}
}

// AuditRepository reads the append-only audit trail. Entries are written
// only through RecordStore.WriteTx.
type AuditRepository struct {
	db *gormsqlite.DB
}

func NewAuditRepository(db *gormsqlite.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	var models []auditEntryModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		query := tx.Model(&auditEntryModel{})
		if filter.Table != "" {
			query = query.Where("table_name = ?", filter.Table)
		}
		if filter.TxID != "" {
			query = query.Where("tx_id = ?", filter.TxID)
		}
		if filter.Operation != "" {
			query = query.Where("operation = ?", string(filter.Operation))
		}
		order := "id DESC"
		if filter.Order == domain.SortAsc {
			order = "id ASC"
			if filter.AfterID > 0 {
				query = query.Where("id > ?", filter.AfterID)
			}
		} else if filter.AfterID > 0 {
			query = query.Where("id < ?", filter.AfterID)
		}
		if filter.Limit > 0 {
			query = query.Limit(filter.Limit)
		}
		return query.Order(order).Find(&models).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	out := make([]domain.AuditEntry, 0, len(models))
	for _, m := range models {
		out = append(out, toAuditDomain(m))
	}
	return out, nil
}

func (r *AuditRepository) History(ctx context.Context, table, txID string) ([]domain.AuditEntry, error) {
	return r.List(ctx, domain.AuditFilter{Table: table, TxID: txID, Order: domain.SortAsc})
}

// LastSequence returns the highest channel sequence recorded for channelID,
// or 0 when the channel has no entries.
func (r *AuditRepository) LastSequence(ctx context.Context, channelID string) (uint64, error) {
	var last int64
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Model(&auditEntryModel{}).
			Where("channel_id = ?", channelID).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&last).Error
	})
	if err != nil {
		return 0, fmt.Errorf("last audit sequence: %w", err)
	}
	return uint64(last), nil
}
