package events

import (
	"context"
	"log/slog"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
)

type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger.With("component", "change_events")}
}

func (p *LogPublisher) Publish(ctx context.Context, event domain.ChangeEvent) error {
	p.logger.InfoContext(ctx, "change",
		"kind", event.Kind,
		"operation", event.Operation,
		"table", event.Table,
		"tx_id", event.TxID,
		"version", event.Version,
		"sequence", event.Sequence,
	)
	return nil
}
