package ports

import (
	"context"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
)

type EventPublisher interface {
	Publish(ctx context.Context, event domain.ChangeEvent) error
}
