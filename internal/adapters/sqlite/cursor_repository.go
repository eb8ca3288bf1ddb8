package sqlite

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atvirokodosprendimai/ledgerdb/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
)

type syncCursorModel struct {
	ChannelID    string `gorm:"column:channel_id;primaryKey"`
	LastSequence int64  `gorm:"column:last_sequence;not null"`
	UpdatedAt    int64  `gorm:"column:updated_at;not null"`
}

func (syncCursorModel) TableName() string {
	return "sync_cursors"
}

type CursorRepository struct {
	db *gormsqlite.DB
}

func NewCursorRepository(db *gormsqlite.DB) *CursorRepository {
	return &CursorRepository{db: db}
}

func (r *CursorRepository) Load(ctx context.Context, channelID string) (domain.SyncCursor, error) {
	var model syncCursorModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("channel_id = ?", channelID).First(&model).Error
	})
	if err != nil {
		if isNotFound(err) {
			return domain.SyncCursor{ChannelID: channelID}, nil
		}
		return domain.SyncCursor{}, fmt.Errorf("load cursor: %w", err)
	}
	return domain.SyncCursor{
		ChannelID:    model.ChannelID,
		LastSequence: uint64(model.LastSequence),
		UpdatedAt:    fromMillis(model.UpdatedAt),
	}, nil
}

// advanceCursor never moves a cursor backwards.
func advanceCursor(db *gorm.DB, channelID string, sequence uint64, now time.Time) error {
	model := syncCursorModel{ChannelID: channelID, LastSequence: int64(sequence), UpdatedAt: toMillis(now)}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "channel_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_sequence", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "excluded.last_sequence > sync_cursors.last_sequence"},
		}},
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}
