package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/atvirokodosprendimai/ledgerdb/internal/adapters/ledger/kafkaledger"
	"github.com/atvirokodosprendimai/ledgerdb/internal/app"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
)

func main() {
	cmd := &cli.Command{
		Name:  "ledgerdb",
		Usage: "Audited relational store backed by an ordered ledger channel",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   "./ledgerdb.yaml",
				Sources: cli.EnvVars("LEDGERDB_CONFIG"),
				Usage:   "YAML config file (missing file means defaults)",
			},
			&cli.StringFlag{
				Name:    "db-path",
				Sources: cli.EnvVars("LEDGERDB_DB_PATH"),
				Usage:   "SQLite file path, overrides the config file",
			},
			&cli.StringFlag{
				Name:    "ledger",
				Sources: cli.EnvVars("LEDGERDB_LEDGER"),
				Usage:   "Ledger backend: memory or kafka",
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Sources: cli.EnvVars("LEDGERDB_KAFKA_BROKERS"),
				Usage:   "Comma separated Kafka brokers",
			},
			&cli.StringFlag{
				Name:    "channel-id",
				Sources: cli.EnvVars("LEDGERDB_CHANNEL_ID"),
				Usage:   "Ledger channel to attach to",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Sources: cli.EnvVars("LEDGERDB_LOG_LEVEL"),
				Usage:   "debug, info, warn or error",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			replayCommand(),
			verifyCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("ledgerdb failed", "error", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the database with the ops HTTP endpoints",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Sources: cli.EnvVars("LEDGERDB_ADDR"),
				Usage:   "Ops HTTP listen address, overrides the config file",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			logger := newLogger(c.String("log-level"))
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if addr := c.String("addr"); addr != "" {
				cfg.Ops.Addr = addr
			}

			server, db, err := app.NewServer(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}
			defer func() {
				if closeErr := db.Close(); closeErr != nil {
					logger.Error("close database", "error", closeErr)
				}
			}()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("listening", "addr", cfg.Ops.Addr)
				errCh <- server.ListenAndServe()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			select {
			case <-ctx.Done():
				return shutdown(server)
			case sig := <-sigCh:
				logger.Info("received signal", "signal", sig.String())
				return shutdown(server)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}
}

func replayCommand() *cli.Command {
	return &cli.Command{
		Name:  "replay",
		Usage: "Apply channel messages to the local store and exit",
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:  "until",
				Usage: "Last sequence to apply (0 means the channel head)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			db, err := openOffline(ctx, c)
			if err != nil {
				return err
			}
			defer db.Close()

			res, err := db.Replay(ctx, c.Uint64("until"))
			if err != nil {
				return fmt.Errorf("replay: %w", err)
			}
			return printJSON(map[string]any{
				"channel": db.ChannelID(),
				"from":    res.From,
				"to":      res.To,
				"applied": res.Applied,
				"skipped": res.Skipped,
			})
		},
	}
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Recompute row hashes and compare them with the audit trail",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "table", Required: true, Usage: "Table to verify"},
			&cli.StringFlag{Name: "tx", Usage: "Verify a single row instead of the whole table"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			db, err := openOffline(ctx, c)
			if err != nil {
				return err
			}
			defer db.Close()

			table := c.String("table")
			if txID := c.String("tx"); txID != "" {
				res, err := db.VerifyIntegrity(ctx, table, txID)
				if err != nil {
					return err
				}
				if err := printJSON(res); err != nil {
					return err
				}
				if !res.Verified() {
					return fmt.Errorf("%s/%s: %s", table, txID, res.Status)
				}
				return nil
			}

			failures, checked, err := db.VerifyTable(ctx, table)
			if err != nil {
				return err
			}
			if err := printJSON(map[string]any{"table": table, "checked": checked, "failures": failures}); err != nil {
				return err
			}
			if len(failures) > 0 {
				return fmt.Errorf("%s: %d of %d rows failed verification", table, len(failures), checked)
			}
			return nil
		},
	}
}

func loadConfig(c *cli.Command) (app.Config, error) {
	cfg, err := app.LoadConfig(c.String("config"))
	if err != nil {
		return app.Config{}, err
	}
	if v := c.String("db-path"); v != "" {
		cfg.DBPath = v
	}
	if v := c.String("ledger"); v != "" {
		cfg.Ledger.Kind = v
	}
	if v := c.String("kafka-brokers"); v != "" {
		cfg.Ledger.Brokers = kafkaledger.SplitBrokers(v)
	}
	if v := c.String("channel-id"); v != "" {
		cfg.Ledger.ChannelID = v
	}
	return cfg, nil
}

// openOffline initializes the database without the background sync engine.
func openOffline(ctx context.Context, c *cli.Command) (*app.Database, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	cfg.Sync.Disabled = true
	cfg.Notifications = app.NotificationConfig{}
	db := app.New(cfg, app.WithLogger(newLogger(c.String("log-level"))))
	if err := db.Initialize(ctx); err != nil {
		if errors.Is(err, domain.ErrConfiguration) {
			return nil, err
		}
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	return db, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(h).With("service", "ledgerdb")
	slog.SetDefault(logger)
	return logger
}

func shutdown(server *http.Server) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
