package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"horse.fit/issue-index/internal/config"
	"horse.fit/issue-index/internal/timebucket"
)

var (
	ErrNoRows         = sql.ErrNoRows
	errNotInitialized = errors.New("database pool is not initialized")
)

// CommandTag reports the outcome of an Exec.
type CommandTag struct {
	rowsAffected int64
}

func (c CommandTag) RowsAffected() int64 {
	return c.rowsAffected
}

type Row struct {
	row *sql.Row
}

func (r *Row) Scan(dest ...any) error {
	if r == nil || r.row == nil {
		return ErrNoRows
	}
	return r.row.Scan(dest...)
}

type Rows struct {
	rows *sql.Rows
}

func (r *Rows) Next() bool {
	return r != nil && r.rows != nil && r.rows.Next()
}

func (r *Rows) Scan(dest ...any) error {
	if r == nil || r.rows == nil {
		return ErrNoRows
	}
	return r.rows.Scan(dest...)
}

func (r *Rows) Err() error {
	if r == nil || r.rows == nil {
		return nil
	}
	return r.rows.Err()
}

func (r *Rows) Close() {
	if r != nil && r.rows != nil {
		_ = r.rows.Close()
	}
}

// RowScanner is a single result row.
type RowScanner interface {
	Scan(dest ...any) error
}

// RowIterator walks a result set. Close must be called.
type RowIterator interface {
	RowScanner
	Next() bool
	Err() error
	Close()
}

// Querier runs raw SQL against the pool or an open transaction.
type Querier interface {
	QueryRow(ctx context.Context, query string, args ...any) RowScanner
	Query(ctx context.Context, query string, args ...any) (RowIterator, error)
	Exec(ctx context.Context, query string, args ...any) (CommandTag, error)
}

type Tx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// rawSQL adapts a gorm handle, pooled or transactional, to Querier.
type rawSQL struct {
	gdb *gorm.DB
}

func (q rawSQL) QueryRow(ctx context.Context, query string, args ...any) RowScanner {
	if q.gdb == nil {
		return &Row{}
	}
	return &Row{row: q.gdb.WithContext(ctx).Raw(query, args...).Row()}
}

func (q rawSQL) Query(ctx context.Context, query string, args ...any) (RowIterator, error) {
	if q.gdb == nil {
		return nil, errNotInitialized
	}
	rows, err := q.gdb.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, err
	}
	return &Rows{rows: rows}, nil
}

func (q rawSQL) Exec(ctx context.Context, query string, args ...any) (CommandTag, error) {
	if q.gdb == nil {
		return CommandTag{}, errNotInitialized
	}
	res := q.gdb.WithContext(ctx).Exec(query, args...)
	return CommandTag{rowsAffected: res.RowsAffected}, res.Error
}

type gormTx struct {
	rawSQL
	done bool
}

func (t *gormTx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	return t.gdb.WithContext(ctx).Commit().Error
}

// Rollback is a no-op after Commit so callers can defer it unconditionally.
func (t *gormTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	return t.gdb.WithContext(ctx).Rollback().Error
}

// Pool owns the gorm handle shared by the compute writer and the read API.
type Pool struct {
	rawSQL
	sqlDB *sql.DB
}

func NewPool(ctx context.Context, cfg *config.Config) (*Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	gdb, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger:  logger.Default.LogMode(resolveGormLogLevel(cfg.LogLevel, cfg.Environment)),
		NowFunc: timebucket.UTC,
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get gorm sql db: %w", err)
	}
	configureConns(sqlDB, cfg.DBMinConns, cfg.DBMaxConns)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Pool{rawSQL: rawSQL{gdb: gdb}, sqlDB: sqlDB}, nil
}

func configureConns(sqlDB *sql.DB, minConns, maxConns int32) {
	maxOpen := int(maxConns)
	if maxOpen <= 0 {
		maxOpen = 8
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(max(1, min(int(minConns), maxOpen)))
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
}

func (p *Pool) BeginTx(ctx context.Context) (Tx, error) {
	if p == nil || p.gdb == nil {
		return nil, errNotInitialized
	}
	tx := p.gdb.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	return &gormTx{rawSQL: rawSQL{gdb: tx}}, nil
}

func (p *Pool) Ping(ctx context.Context) error {
	if p == nil || p.sqlDB == nil {
		return errNotInitialized
	}
	return p.sqlDB.PingContext(ctx)
}

func (p *Pool) Close() error {
	if p == nil || p.sqlDB == nil {
		return nil
	}
	return p.sqlDB.Close()
}

func IsNoRows(err error) bool {
	return errors.Is(err, ErrNoRows)
}

// AcquireXactLock blocks until the transaction holds the advisory lock for
// key. Postgres releases it at commit or rollback.
func AcquireXactLock(ctx context.Context, tx Tx, key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("advisory lock key is required")
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("acquire advisory lock %q: %w", key, err)
	}
	return nil
}

// resolveGormLogLevel keeps SQL statement logging off unless LOG_LEVEL asks
// for debug output.
func resolveGormLogLevel(appLogLevel, environment string) logger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(appLogLevel)) {
	case "trace", "debug":
		return logger.Info
	case "warn", "warning", "info", "":
		return logger.Warn
	case "error":
		return logger.Error
	case "silent":
		return logger.Silent
	}
	if strings.EqualFold(strings.TrimSpace(environment), "local") {
		return logger.Warn
	}
	return logger.Error
}
