package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atvirokodosprendimai/ledgerdb/internal/adapters/events"
	"github.com/atvirokodosprendimai/ledgerdb/internal/adapters/ledger/kafkaledger"
	"github.com/atvirokodosprendimai/ledgerdb/internal/adapters/ledger/memledger"
	sqliteadapter "github.com/atvirokodosprendimai/ledgerdb/internal/adapters/sqlite"
	"github.com/atvirokodosprendimai/ledgerdb/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/ports"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/usecase"
	"github.com/atvirokodosprendimai/ledgerdb/migrations"
)

type dbState int

const (
	stateNew dbState = iota
	stateReady
	stateClosed
)

type Option func(*Database)

// WithLedger uses an existing ledger instead of building one from the
// config. The caller keeps ownership: Close does not close it.
func WithLedger(l ports.Ledger) Option {
	return func(d *Database) { d.ledger = l }
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Database) { d.logger = logger }
}

// WithPublisher adds a notification sink next to the ones in the config.
func WithPublisher(p ports.EventPublisher) Option {
	return func(d *Database) { d.extraPublishers = append(d.extraPublishers, p) }
}

// Database is one audited store bound to one ledger channel. Every exported
// method except Metrics fails with ErrNotInitialized before Initialize and
// with ErrClosed after Close.
type Database struct {
	cfg             Config
	logger          *slog.Logger
	ledger          ports.Ledger
	extraPublishers []ports.EventPublisher
	metrics         *usecase.Metrics

	mu       sync.RWMutex
	state    dbState
	db       *gormsqlite.DB
	bus      *usecase.EventBus
	schemas  *usecase.SchemaService
	client   *usecase.LedgerClient
	records  *usecase.RecordService
	audit    *usecase.AuditService
	verifier *usecase.Verifier
	engine   *usecase.SyncEngine
	relay    *usecase.NotificationRelay
	closers  resourceCloser
}

func New(cfg Config, opts ...Option) *Database {
	d := &Database{cfg: cfg, metrics: usecase.NewMetrics()}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// Initialize opens the store, registers the configured tables, binds the
// ledger channel and starts the background workers.
func (d *Database) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case stateReady:
		return nil
	case stateClosed:
		return domain.ErrClosed
	}
	if err := d.cfg.Validate(); err != nil {
		return err
	}

	var cleanup resourceCloser
	fail := func(err error) error {
		if closeErr := cleanup.Close(); closeErr != nil {
			d.logger.Error("release resources after failed initialize", "error", closeErr)
		}
		return err
	}

	db, err := gormsqlite.OpenWithOptions(d.cfg.DBPath, gormsqlite.Options{
		BusyTimeout:   d.cfg.BusyTimeout,
		SlowThreshold: d.cfg.SlowQueryThreshold,
	})
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	cleanup.push(db)

	writeSQLDB, err := db.WriteSQLDB()
	if err != nil {
		return fail(fmt.Errorf("resolve writer sql db: %w", err))
	}
	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = migrations.Up(migrateCtx, writeSQLDB)
	cancel()
	if err != nil {
		return fail(err)
	}

	store := sqliteadapter.NewRecordStore(db)
	channels := sqliteadapter.NewChannelRepository(db)
	schemas := usecase.NewSchemaService(sqliteadapter.NewSchemaRepository(db), store)
	if err := schemas.Load(ctx); err != nil {
		return fail(err)
	}
	if len(d.cfg.Tables) > 0 {
		if err := schemas.Register(ctx, d.cfg.Tables); err != nil {
			return fail(err)
		}
	}

	ledger := d.ledger
	if ledger == nil {
		ledger, err = d.buildLedger()
		if err != nil {
			return fail(err)
		}
		cleanup.push(ledger)
	}

	bus := usecase.NewEventBus(d.metrics)
	client := usecase.NewLedgerClient(ledger, usecase.DefaultMessageCodec(), d.metrics, d.logger, usecase.RetryPolicy{
		MaxAttempts: d.cfg.Ledger.Retry.MaxAttempts,
		BaseDelay:   d.cfg.Ledger.Retry.BaseDelay,
		MaxDelay:    d.cfg.Ledger.Retry.MaxDelay,
	})
	records := usecase.NewRecordService(store, schemas, client, bus, d.metrics, d.logger)

	bound, err := channels.Current(ctx)
	if err != nil {
		return fail(err)
	}
	channelID := d.cfg.Ledger.ChannelID
	if channelID == "" {
		channelID = bound
	}
	created := false
	if channelID != "" {
		state, err := client.Attach(ctx, channelID)
		if err != nil {
			return fail(err)
		}
		if err := checkChannelHead(ctx, db, state); err != nil {
			return fail(err)
		}
	} else {
		if len(schemas.Tables()) == 0 {
			return fail(fmt.Errorf("%w: a new channel needs at least one table", domain.ErrConfiguration))
		}
		if _, err := client.Create(ctx, d.cfg.channelName(), domain.ChannelOptions{
			Memo:              "ledgerdb " + d.cfg.channelName(),
			ReplicationFactor: d.cfg.Ledger.ReplicationFactor,
		}); err != nil {
			return fail(err)
		}
		created = true
	}
	if err := channels.Bind(ctx, client.ChannelID(), d.cfg.channelName()); err != nil {
		return fail(err)
	}
	if created {
		if _, err := records.AnnounceSchema(ctx, domain.MutationMetadata{Actor: "ledgerdb"}); err != nil {
			return fail(err)
		}
	}

	engine := usecase.NewSyncEngine(store, sqliteadapter.NewCursorRepository(db), schemas, client, bus, d.metrics, d.logger, usecase.SyncOptions{
		VerifyHashes:     d.cfg.Sync.VerifyHashes,
		MaxApplyAttempts: d.cfg.Sync.MaxApplyAttempts,
		RetryBaseDelay:   d.cfg.Sync.RetryBaseDelay,
		RetryMaxDelay:    d.cfg.Sync.RetryMaxDelay,
	})

	publisher, publisherClosers := d.buildPublisher()
	cleanup.push(publisherClosers...)
	var relay *usecase.NotificationRelay
	if publisher != nil {
		relay = usecase.NewNotificationRelay(bus, publisher, d.metrics, d.logger, d.cfg.Notifications.Buffer)
		relay.Start(context.Background())
	}
	if !d.cfg.Sync.Disabled {
		engine.Start(context.Background())
	}

	d.db = db
	d.bus = bus
	d.schemas = schemas
	d.client = client
	d.records = records
	d.audit = usecase.NewAuditService(sqliteadapter.NewAuditRepository(db), schemas)
	d.verifier = usecase.NewVerifier(store, sqliteadapter.NewAuditRepository(db), schemas)
	d.engine = engine
	d.relay = relay
	d.closers = resourceCloser{closers: publisherClosers}
	d.state = stateReady
	d.logger.Info("database initialized",
		"db_path", d.cfg.DBPath,
		"ledger", d.cfg.ledgerKind(),
		"channel", client.ChannelID(),
		"created", created,
		"tables", len(schemas.Tables()),
	)
	return nil
}

func (d *Database) buildLedger() (ports.Ledger, error) {
	switch d.cfg.ledgerKind() {
	case LedgerKafka:
		l, err := kafkaledger.New(kafkaledger.Config{
			Brokers:           d.cfg.Ledger.Brokers,
			TopicPrefix:       d.cfg.Ledger.TopicPrefix,
			ReplicationFactor: d.cfg.Ledger.ReplicationFactor,
			Timeout:           d.cfg.Ledger.Timeout,
		}, d.logger)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return memledger.New(), nil
	}
}

func (d *Database) buildPublisher() (ports.EventPublisher, []io.Closer) {
	var (
		sinks   events.Fanout
		closers []io.Closer
	)
	n := d.cfg.Notifications
	if n.Log {
		sinks = append(sinks, events.NewLogPublisher(d.logger))
	}
	if n.Webhook.URL != "" {
		sinks = append(sinks, events.NewWebhookPublisher(n.Webhook.URL, n.Webhook.Secret, n.Webhook.Timeout))
	}
	if n.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: n.Redis.Addr, Password: n.Redis.Password, DB: n.Redis.DB})
		sinks = append(sinks, events.NewRedisPublisher(rdb, n.Redis.Prefix))
		closers = append(closers, rdb)
	}
	sinks = append(sinks, d.extraPublishers...)
	switch len(sinks) {
	case 0:
		return nil, closers
	case 1:
		return sinks[0], closers
	}
	return sinks, closers
}

// ready holds the read lock until the returned release func is called, so
// Close waits for in-flight operations.
func (d *Database) ready() (func(), error) {
	d.mu.RLock()
	switch d.state {
	case stateNew:
		d.mu.RUnlock()
		return nil, domain.ErrNotInitialized
	case stateClosed:
		d.mu.RUnlock()
		return nil, domain.ErrClosed
	}
	return d.mu.RUnlock, nil
}

func (d *Database) Insert(ctx context.Context, table string, fields map[string]any, meta domain.MutationMetadata) (domain.InsertResult, error) {
	release, err := d.ready()
	if err != nil {
		return domain.InsertResult{}, err
	}
	defer release()
	return d.records.Insert(ctx, table, fields, meta)
}

func (d *Database) Update(ctx context.Context, table, txID string, patch map[string]any, meta domain.MutationMetadata, opts domain.UpdateOptions) (domain.UpdateResult, error) {
	release, err := d.ready()
	if err != nil {
		return domain.UpdateResult{}, err
	}
	defer release()
	return d.records.Update(ctx, table, txID, patch, meta, opts)
}

func (d *Database) Delete(ctx context.Context, table, txID string, meta domain.MutationMetadata, hard bool) (domain.DeleteResult, error) {
	release, err := d.ready()
	if err != nil {
		return domain.DeleteResult{}, err
	}
	defer release()
	return d.records.Delete(ctx, table, txID, meta, hard)
}

func (d *Database) Query(ctx context.Context, table string, opts domain.QueryOptions) ([]domain.Record, error) {
	release, err := d.ready()
	if err != nil {
		return nil, err
	}
	defer release()
	return d.records.Query(ctx, table, opts)
}

func (d *Database) AuditTrail(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	release, err := d.ready()
	if err != nil {
		return nil, err
	}
	defer release()
	return d.audit.List(ctx, filter)
}

func (d *Database) VerifyIntegrity(ctx context.Context, table, txID string) (domain.VerificationResult, error) {
	release, err := d.ready()
	if err != nil {
		return domain.VerificationResult{}, err
	}
	defer release()
	return d.verifier.Verify(ctx, table, txID)
}

// VerifyTable checks every row of table and returns the rows that failed
// together with the number of rows checked.
func (d *Database) VerifyTable(ctx context.Context, table string) ([]domain.VerificationResult, int, error) {
	release, err := d.ready()
	if err != nil {
		return nil, 0, err
	}
	defer release()
	return d.verifier.VerifyTable(ctx, table)
}

// Replay applies channel messages up to until (the channel head when zero).
// It fails while the background engine is tailing; set sync.disabled to run
// it on demand.
func (d *Database) Replay(ctx context.Context, until uint64) (usecase.ReplayResult, error) {
	release, err := d.ready()
	if err != nil {
		return usecase.ReplayResult{}, err
	}
	defer release()
	return d.engine.Replay(ctx, until)
}

// Subscribe registers an in-process listener for committed changes.
func (d *Database) Subscribe(buffer int) (*usecase.EventSubscription, error) {
	release, err := d.ready()
	if err != nil {
		return nil, err
	}
	defer release()
	return d.bus.Subscribe(buffer), nil
}

func (d *Database) Tables() []domain.TableSchema {
	release, err := d.ready()
	if err != nil {
		return nil
	}
	defer release()
	return d.schemas.Tables()
}

func (d *Database) ChannelID() string {
	release, err := d.ready()
	if err != nil {
		return ""
	}
	defer release()
	return d.client.ChannelID()
}

// SyncCursor is the last channel sequence this store has applied.
func (d *Database) SyncCursor() uint64 {
	release, err := d.ready()
	if err != nil {
		return 0
	}
	defer release()
	return d.engine.Cursor()
}

// Ping checks both sqlite pools and that the ledger channel is reachable.
func (d *Database) Ping(ctx context.Context) error {
	release, err := d.ready()
	if err != nil {
		return err
	}
	defer release()
	if err := d.db.Ping(ctx); err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	if _, err := d.client.Head(ctx); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	return nil
}

func (d *Database) Metrics() usecase.MetricsSnapshot {
	return d.metrics.Snapshot()
}

// Close stops the sync engine (waiting for an in-flight apply), then the
// notification relay, the event bus, the ledger and the sqlite pools.
// Closing twice is a no-op.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != stateReady {
		d.state = stateClosed
		return nil
	}
	d.state = stateClosed

	var errs []error
	if err := d.engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("stop sync engine: %w", err))
	}
	if d.relay != nil {
		if err := d.relay.Close(); err != nil {
			errs = append(errs, fmt.Errorf("stop notification relay: %w", err))
		}
	}
	d.bus.Close()
	if d.ledger == nil {
		if err := d.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ledger: %w", err))
		}
	}
	if err := d.closers.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close sqlite: %w", err))
	}
	d.logger.Info("database closed", "channel", d.client.ChannelID())
	return errors.Join(errs...)
}

// checkChannelHead refuses a channel whose head is behind what the store has
// already recorded for it. Writing to such a channel would reissue sequences
// the audit trail already holds, which happens when an in-process channel is
// reattached to a persistent database.
func checkChannelHead(ctx context.Context, db *gormsqlite.DB, state domain.ChannelState) error {
	cursor, err := sqliteadapter.NewCursorRepository(db).Load(ctx, state.ChannelID)
	if err != nil {
		return err
	}
	recorded, err := sqliteadapter.NewAuditRepository(db).LastSequence(ctx, state.ChannelID)
	if err != nil {
		return err
	}
	applied := max(cursor.LastSequence, recorded)
	if state.LastSequence < applied {
		return fmt.Errorf("%w: channel %s ends at sequence %d but the store has applied %d; the channel does not hold this store's history",
			domain.ErrConfiguration, state.ChannelID, state.LastSequence, applied)
	}
	return nil
}
