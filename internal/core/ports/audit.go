package ports

import (
	"context"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
)

type AuditRepository interface {
	List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error)
	// History returns every entry for one row in commit order.
	History(ctx context.Context, table, txID string) ([]domain.AuditEntry, error)
}

type CursorRepository interface {
	Load(ctx context.Context, channelID string) (domain.SyncCursor, error)
}
