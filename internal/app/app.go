package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/atvirokodosprendimai/ledgerdb/internal/adapters/httpapi"
)

type resourceCloser struct {
	closers []io.Closer
}

func (r *resourceCloser) push(c ...io.Closer) {
	r.closers = append(r.closers, c...)
}

// Close releases resources in reverse order of acquisition and returns the
// first error.
func (r resourceCloser) Close() error {
	var firstErr error
	for i := len(r.closers) - 1; i >= 0; i-- {
		c := r.closers[i]
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewServer initializes the database and wraps it in the ops HTTP server.
// The returned closer shuts the database down.
func NewServer(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*http.Server, *Database, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db := New(cfg, append([]Option{WithLogger(logger)}, opts...)...)
	if err := db.Initialize(ctx); err != nil {
		return nil, nil, fmt.Errorf("initialize database: %w", err)
	}

	handler := httpapi.NewHandler(db, logger)
	server := &http.Server{
		Addr:              cfg.Ops.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server, db, nil
}
