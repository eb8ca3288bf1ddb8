package ports

import (
	"context"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
)

// Ledger is an external append-only log that assigns a global order to every
// submitted payload. A receipt means the payload is durably ordered.
type Ledger interface {
	CreateChannel(ctx context.Context, name string, opts domain.ChannelOptions) (domain.ChannelState, error)
	AttachChannel(ctx context.Context, channelID string) (domain.ChannelState, error)
	Submit(ctx context.Context, channelID string, payload []byte) (domain.LedgerReceipt, error)
	// Subscribe delivers every message with a sequence greater than after,
	// in sequence order.
	Subscribe(ctx context.Context, channelID string, after uint64) (Subscription, error)
	Close() error
}

type Subscription interface {
	Next(ctx context.Context) (domain.Delivery, error)
	Close() error
}
