package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultPostgresTable is the table a PostgresStore uses.
const DefaultPostgresTable = "oidcrp_sessions"

// PostgresStore is a Store backed by PostgreSQL.  Expired rows are never
// returned, and its janitor removes them with DeleteExpired.
type PostgresStore struct {
	pool      *pgxpool.Pool
	tableName string
	table     string
	ownsPool  bool
	nowFunc   func() time.Time
	logger    hclog.Logger

	stopJanitor context.CancelFunc
	done        chan struct{}
	closeOnce   sync.Once
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgresStore using the pool and starts its
// janitor.  Call Migrate to create its table.  Close stops the janitor, but
// doesn't close the pool.
//
// Options supported: WithNow, WithLogger, WithTableName, WithJanitorInterval
func NewPostgresStore(pool *pgxpool.Pool, opt ...Option) (*PostgresStore, error) {
	const op = "session.NewPostgresStore"
	if pool == nil {
		return nil, fmt.Errorf("%s: pool is nil: %w", op, ErrNilParameter)
	}
	opts := getPostgresOpts(opt...)
	ctx, cancel := context.WithCancel(context.Background())
	s := &PostgresStore{
		pool:        pool,
		tableName:   opts.withTableName,
		table:       pgx.Identifier{opts.withTableName}.Sanitize(),
		nowFunc:     opts.withNowFunc,
		logger:      opts.withLogger.Named("postgres-store"),
		stopJanitor: cancel,
		done:        make(chan struct{}),
	}
	go s.janitor(ctx, opts.withJanitorInterval)
	return s, nil
}

// OpenPostgresStore connects to the database at the URL, checks that it's
// reachable and runs Migrate.  Closing the store closes its pool.
//
// Options supported: WithNow, WithLogger, WithTableName, WithJanitorInterval
func OpenPostgresStore(ctx context.Context, url string, opt ...Option) (*PostgresStore, error) {
	const op = "session.OpenPostgresStore"
	if url == "" {
		return nil, fmt.Errorf("%s: database url is empty: %w", op, ErrInvalidParameter)
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrInvalidParameter, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w: %w", op, ErrStore, err)
	}
	s, err := NewPostgresStore(pool, opt...)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.ownsPool = true
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close(ctx)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return s, nil
}

// Migrate creates the store's table and index when they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const op = "PostgresStore.Migrate"
	index := pgx.Identifier{s.tableName + "_expires_at_idx"}.Sanitize()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	data JSONB NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (expires_at)`, index, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w: %w", op, ErrStore, err)
		}
	}
	s.logger.Debug("migrated session table", "table", s.table)
	return nil
}

// Get implements the Store.Get() interface function.
func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	const op = "PostgresStore.Get"
	if !validID(id) {
		return Record{}, fmt.Errorf("%s: session id is empty: %w", op, ErrInvalidParameter)
	}
	var data []byte
	q := fmt.Sprintf(`SELECT data FROM %s WHERE id = $1 AND expires_at > $2`, s.table)
	err := s.pool.QueryRow(ctx, q, id, s.now()).Scan(&data)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return Record{}, fmt.Errorf("%s: %w", op, ErrNotFound)
	case err != nil:
		return Record{}, fmt.Errorf("%s: %w: %w", op, ErrStore, err)
	}
	r, err := decodeRecord(data)
	if err != nil {
		return Record{}, fmt.Errorf("%s: %w", op, err)
	}
	return r, nil
}

// Set implements the Store.Set() interface function.
func (s *PostgresStore) Set(ctx context.Context, id string, r Record, ttl time.Duration) error {
	const op = "PostgresStore.Set"
	switch {
	case !validID(id):
		return fmt.Errorf("%s: session id is empty: %w", op, ErrInvalidParameter)
	case ttl <= 0:
		return fmt.Errorf("%s: ttl must be positive: %w", op, ErrInvalidParameter)
	}
	data, err := encodeRecord(r)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, state, data, expires_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, data = EXCLUDED.data, expires_at = EXCLUDED.expires_at`, s.table)
	if _, err := s.pool.Exec(ctx, q, id, string(r.State()), data, s.now().Add(ttl)); err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrStore, err)
	}
	return nil
}

// Delete implements the Store.Delete() interface function.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	const op = "PostgresStore.Delete"
	if !validID(id) {
		return fmt.Errorf("%s: session id is empty: %w", op, ErrInvalidParameter)
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table), id); err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrStore, err)
	}
	return nil
}

// TakePending implements the Store.TakePending() interface function.  The
// row is deleted and returned by a single statement, so only one caller can
// take it.
func (s *PostgresStore) TakePending(ctx context.Context, id string) (*PendingLogin, error) {
	const op = "PostgresStore.TakePending"
	if !validID(id) {
		return nil, fmt.Errorf("%s: session id is empty: %w", op, ErrInvalidParameter)
	}
	var data []byte
	q := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND state = $2 AND expires_at > $3 RETURNING data`, s.table)
	err := s.pool.QueryRow(ctx, q, id, string(StatePending), s.now()).Scan(&data)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("%s: %w: %w", op, ErrStore, err)
	}
	r, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	p, ok := r.Pending()
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return p, nil
}

// DeleteIf implements the Store.DeleteIf() interface function.
func (s *PostgresStore) DeleteIf(ctx context.Context, id string, r Record) (bool, error) {
	const op = "PostgresStore.DeleteIf"
	if err := validMatch(id, r); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	where, args := s.holdsClause(id, r)
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s`, s.table, where), args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w: %w", op, ErrStore, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Extend implements the Store.Extend() interface function.
func (s *PostgresStore) Extend(ctx context.Context, id string, r Record, ttl time.Duration) (bool, error) {
	const op = "PostgresStore.Extend"
	if err := validMatch(id, r); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if ttl <= 0 {
		return false, fmt.Errorf("%s: ttl must be positive: %w", op, ErrInvalidParameter)
	}
	where, args := s.holdsClause(id, r, s.now().Add(ttl))
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET expires_at = $1 WHERE %s`, s.table, where), args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w: %w", op, ErrStore, err)
	}
	return tag.RowsAffected() == 1, nil
}

// holdsClause returns a condition matching the ID's live row when it holds
// the same login as r.  Its placeholders are numbered after args, which
// start the returned arguments.
func (s *PostgresStore) holdsClause(id string, r Record, args ...interface{}) (string, []interface{}) {
	args = append(args, id, string(r.State()), s.now())
	stateArg := len(args) - 1
	conds := []string{
		fmt.Sprintf("id = $%d", len(args)-2),
		fmt.Sprintf("state = $%d", stateArg),
		fmt.Sprintf("expires_at > $%d", len(args)),
	}
	for _, f := range r.matchFields() {
		args = append(args, f.name, f.value)
		conds = append(conds, fmt.Sprintf("COALESCE(data -> ($%d::text) ->> ($%d::text), '') = $%d", stateArg, len(args)-1, len(args)))
	}
	return strings.Join(conds, " AND "), args
}

// DeleteExpired removes every expired row and returns how many were
// removed.
func (s *PostgresStore) DeleteExpired(ctx context.Context) (int64, error) {
	const op = "PostgresStore.DeleteExpired"
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, s.table), s.now())
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %w", op, ErrStore, err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Trace("deleted expired sessions", "count", n)
	}
	return tag.RowsAffected(), nil
}

// Close implements the Store.Close() interface function.  It stops the
// janitor and is safe to call more than once.
func (s *PostgresStore) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.stopJanitor()
		if s.ownsPool {
			// the janitor's query is cancelled, so it's done before the pool
			// is closed.
			<-s.done
			s.pool.Close()
		}
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *PostgresStore) janitor(ctx context.Context, interval time.Duration) {
	defer close(s.done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.DeleteExpired(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("unable to delete expired sessions", "error", err)
			}
		}
	}
}

func (s *PostgresStore) now() time.Time {
	if s.nowFunc != nil {
		return s.nowFunc()
	}
	return time.Now()
}

type postgresOptions struct {
	withNowFunc         func() time.Time
	withLogger          hclog.Logger
	withTableName       string
	withJanitorInterval time.Duration
}

func postgresDefaults() postgresOptions {
	return postgresOptions{
		withLogger:          hclog.NewNullLogger(),
		withTableName:       DefaultPostgresTable,
		withJanitorInterval: DefaultJanitorInterval,
	}
}

func getPostgresOpts(opt ...Option) postgresOptions {
	opts := postgresDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithTableName sets the table a PostgresStore uses.  The name is quoted as
// an identifier.  Valid for: NewPostgresStore, OpenPostgresStore.
func WithTableName(name string) Option {
	return func(o interface{}) {
		if v, ok := o.(*postgresOptions); ok && name != "" {
			v.withTableName = name
		}
	}
}
