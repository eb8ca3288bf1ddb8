package ports

import (
	"context"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
)

type SchemaRepository interface {
	Save(ctx context.Context, schemas []domain.TableSchema) error
	List(ctx context.Context) ([]domain.TableSchema, error)
}

// ChannelRepository remembers which channel this store is bound to.
type ChannelRepository interface {
	Current(ctx context.Context) (string, error)
	Bind(ctx context.Context, channelID, name string) error
}
