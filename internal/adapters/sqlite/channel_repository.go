package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/ledgerdb/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
)

type ledgerChannelModel struct {
	ChannelID string `gorm:"column:channel_id;primaryKey"`
	Name      string `gorm:"column:name;not null"`
	BoundAt   int64  `gorm:"column:bound_at;not null"`
}

func (ledgerChannelModel) TableName() string {
	return "ledger_channels"
}

// ChannelRepository records the single channel a database file is bound to.
type ChannelRepository struct {
	db *gormsqlite.DB
}

func NewChannelRepository(db *gormsqlite.DB) *ChannelRepository {
	return &ChannelRepository{db: db}
}

// Current returns the bound channel id, or "" when the store is unbound.
func (r *ChannelRepository) Current(ctx context.Context) (string, error) {
	var models []ledgerChannelModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Order("bound_at ASC").Limit(1).Find(&models).Error
	})
	if err != nil {
		return "", fmt.Errorf("load channel binding: %w", err)
	}
	if len(models) == 0 {
		return "", nil
	}
	return models[0].ChannelID, nil
}

// Bind records channelID. Binding the same channel again is a no-op; a store
// already bound to another channel is a configuration error.
func (r *ChannelRepository) Bind(ctx context.Context, channelID, name string) error {
	return r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		var existing []ledgerChannelModel
		if err := tx.Limit(1).Find(&existing).Error; err != nil {
			return fmt.Errorf("load channel binding: %w", err)
		}
		if len(existing) > 0 {
			if existing[0].ChannelID == channelID {
				return nil
			}
			return fmt.Errorf("%w: store is bound to channel %q, not %q", domain.ErrConfiguration, existing[0].ChannelID, channelID)
		}
		model := ledgerChannelModel{ChannelID: channelID, Name: name, BoundAt: toMillis(time.Now())}
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("bind channel: %w", err)
		}
		return nil
	})
}
