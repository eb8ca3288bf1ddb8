package events

import (
	"context"
	"errors"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/ports"
)

// Fanout delivers each event to every sink and joins their errors.
type Fanout []ports.EventPublisher

func (f Fanout) Publish(ctx context.Context, event domain.ChangeEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
