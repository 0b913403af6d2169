package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	"github.com/openfroyo/broker/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// memoryPath selects a private in-memory database.
const memoryPath = ":memory:"

// SQLiteStore persists orders in SQLite. It implements engine.OrderStore.
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger

	mu          sync.Mutex
	pending     map[string]engine.OrderView
	order       []string
	states      map[string]engine.OrderState
	transitions []transition

	// writeMu serializes batch writes between the writer and Flush.
	writeMu sync.Mutex
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	closeMu sync.Once
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// WriteTimeout bounds one background batch write.
	WriteTimeout time.Duration

	// RetryDelay is the pause before a failed background write is retried.
	RetryDelay time.Duration

	Logger *zerolog.Logger
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	// Every connection to :memory: opens its own database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &SQLiteStore{
		cfg:     cfg,
		logger:  logger.With().Str("component", "store").Logger(),
		pending: make(map[string]engine.OrderView),
		states:  make(map[string]engine.OrderState),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Init opens the database connection in WAL mode and starts the background
// writer.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	if s.cfg.Path != memoryPath {
		dsn = fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	go s.writer()
	return nil
}

// Close flushes pending snapshots and closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	s.closeMu.Do(func() {
		close(s.stop)
		<-s.done
	})
	return s.db.Close()
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// transition is a state change waiting to be written. When the previous
// state is unknown, it is read from the orders table at write time.
type transition struct {
	orderID string
	from    engine.OrderState
	known   bool
	to      engine.OrderState
	errMsg  *string
	at      time.Time
}

// OrderChanged implements engine.OrderStore. Only the newest snapshot of an
// order is kept until the writer picks it up, but every state change is
// queued for the transition history.
func (s *SQLiteStore) OrderChanged(v engine.OrderView) {
	now := time.Now().UTC()

	s.mu.Lock()
	prev, known := s.states[v.ID]
	if !known || prev != v.State {
		tr := transition{orderID: v.ID, from: prev, known: known, to: v.State, at: now}
		if v.LastError != nil {
			msg := v.LastError.Message
			tr.errMsg = &msg
		}
		s.transitions = append(s.transitions, tr)
	}
	if v.State == engine.OrderStateClosed {
		delete(s.states, v.ID)
	} else {
		s.states[v.ID] = v.State
	}

	if _, queued := s.pending[v.ID]; !queued {
		s.order = append(s.order, v.ID)
	}
	s.pending[v.ID] = v
	s.mu.Unlock()

	s.signal()
}

func (s *SQLiteStore) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *SQLiteStore) writer() {
	defer close(s.done)
	for {
		select {
		case <-s.wake:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
			err := s.Flush(ctx)
			cancel()
			if err == nil {
				continue
			}
			s.logger.Error().Err(err).Dur("retry_in", s.cfg.RetryDelay).Msg("Failed to persist orders")
			timer := time.NewTimer(s.cfg.RetryDelay)
			select {
			case <-timer.C:
			case <-s.stop:
				timer.Stop()
				s.flushOnClose()
				return
			}
		case <-s.stop:
			s.flushOnClose()
			return
		}
	}
}

func (s *SQLiteStore) flushOnClose() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist orders on close")
	}
}

// Flush writes every pending snapshot and transition before returning. What
// fails to write is requeued and the writer is woken to retry it; snapshots
// are dropped from the retry when a newer one arrived meanwhile.
func (s *SQLiteStore) Flush(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	batch := make([]engine.OrderView, 0, len(s.order))
	for _, id := range s.order {
		batch = append(batch, s.pending[id])
	}
	transitions := s.transitions
	s.pending = make(map[string]engine.OrderView)
	s.order = nil
	s.transitions = nil
	s.mu.Unlock()

	if len(batch) == 0 && len(transitions) == 0 {
		return nil
	}
	if err := s.writeBatch(ctx, transitions, batch); err != nil {
		s.requeue(transitions, batch)
		return err
	}
	s.logger.Debug().Int("orders", len(batch)).Int("transitions", len(transitions)).Msg("Persisted orders")
	return nil
}

func (s *SQLiteStore) requeue(transitions []transition, batch []engine.OrderView) {
	s.mu.Lock()
	s.transitions = append(transitions, s.transitions...)
	for _, v := range batch {
		if _, newer := s.pending[v.ID]; newer {
			continue
		}
		s.pending[v.ID] = v
		s.order = append(s.order, v.ID)
	}
	s.mu.Unlock()

	s.signal()
}

// writeBatch records transitions before the snapshots, so transitions with an
// unknown previous state still see the stored one.
func (s *SQLiteStore) writeBatch(ctx context.Context, transitions []transition, batch []engine.OrderView) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, tr := range transitions {
		if err := s.writeTransition(ctx, tx, tr); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	for _, v := range batch {
		if err := s.writeOrder(ctx, tx, v, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit orders: %w", err)
	}
	return nil
}

func (s *SQLiteStore) writeTransition(ctx context.Context, tx *sql.Tx, tr transition) error {
	if !tr.known {
		var previous string
		err := tx.QueryRowContext(ctx, `SELECT state FROM orders WHERE id = ?`, tr.orderID).Scan(&previous)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("failed to read order %s: %w", tr.orderID, err)
		}
		if previous == string(tr.to) {
			return nil
		}
		tr.from = engine.OrderState(previous)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO order_transitions (order_id, from_state, to_state, error, at)
		VALUES (?, ?, ?, ?, ?)`,
		tr.orderID, string(tr.from), string(tr.to), tr.errMsg, tr.at)
	if err != nil {
		return fmt.Errorf("failed to record transition of order %s: %w", tr.orderID, err)
	}
	return nil
}

func (s *SQLiteStore) writeOrder(ctx context.Context, tx *sql.Tx, v engine.OrderView, now time.Time) error {
	if v.State == engine.OrderStateClosed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE id = ?`, v.ID); err != nil {
			return fmt.Errorf("failed to delete order %s: %w", v.ID, err)
		}
		return nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode order %s: %w", v.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, state, type, cloud, instance_id, view, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			cloud = excluded.cloud,
			instance_id = excluded.instance_id,
			view = excluded.view,
			updated_at = excluded.updated_at`,
		v.ID, string(v.State), string(v.Type), v.Cloud, v.InstanceID, string(data), v.CreatedAt.UTC(), now)
	if err != nil {
		return fmt.Errorf("failed to upsert order %s: %w", v.ID, err)
	}
	return nil
}

// LoadAllOrders implements engine.OrderStore.
func (s *SQLiteStore) LoadAllOrders(ctx context.Context) ([]engine.OrderView, error) {
	records, err := s.ListOrders(ctx, ListFilter{})
	if err != nil {
		return nil, err
	}
	views := make([]engine.OrderView, 0, len(records))
	for _, r := range records {
		views = append(views, r.View)
	}
	return views, nil
}

// GetOrder returns the persisted row of one order.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*OrderRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, state, type, cloud, instance_id, view, created_at, updated_at
		FROM orders WHERE id = ?`, id)
	r, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListOrders returns persisted orders oldest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, f ListFilter) ([]*OrderRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if f.Cloud != "" {
		where = append(where, "cloud = ?")
		args = append(args, f.Cloud)
	}

	query := `SELECT id, state, type, cloud, instance_id, view, created_at, updated_at FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var records []*OrderRecord
	for rows.Next() {
		r, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return records, nil
}

// ListTransitions returns the recorded state changes of an order in order.
func (s *SQLiteStore) ListTransitions(ctx context.Context, orderID string) ([]*Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, from_state, to_state, error, at
		FROM order_transitions WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	var out []*Transition
	for rows.Next() {
		var (
			t        Transition
			from, to string
			errMsg   sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.OrderID, &from, &to, &errMsg, &t.At); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.From = engine.OrderState(from)
		t.To = engine.OrderState(to)
		t.Error = errMsg.String
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*OrderRecord, error) {
	var (
		r           OrderRecord
		state, kind string
		data        string
	)
	if err := row.Scan(&r.ID, &state, &kind, &r.Cloud, &r.InstanceID, &data, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	r.State = engine.OrderState(state)
	r.Type = engine.ResourceType(kind)
	if err := json.Unmarshal([]byte(data), &r.View); err != nil {
		return nil, fmt.Errorf("failed to decode order %s: %w", r.ID, err)
	}
	return &r, nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

var _ engine.OrderStore = (*SQLiteStore)(nil)
