// Package sqlite provides a SQLite implementation of storage.Provider. The
// device-local operation log lives in a single key/value table.
package sqlite

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/logging"
	"github.com/c0deZ3R0/offsync/storage"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures a SQLite store. Zero values fall back to a pool of
// 25 open and 5 idle connections, recycled after an hour (five minutes idle).
type Config struct {
	// DataSourceName is the path or file: URI of the database.
	// Example: "file:offsync.db"
	DataSourceName string

	// EnableWAL appends _journal_mode=WAL to DataSourceName unless a
	// journal mode is already present.
	EnableWAL bool

	// BusyTimeout is how long a writer waits on a locked database.
	BusyTimeout time.Duration

	// Logger defaults to a "sqlite-store" component logger.
	Logger *logging.Logger

	// TableName is the name of the key/value table. Defaults to "kv".
	TableName string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c *Config) setDefaults() {
	if c.TableName == "" {
		c.TableName = "kv"
	}
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component("sqlite-store"))
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		c.DataSourceName = withParam(c.DataSourceName, "_journal_mode=WAL")
	}
	if !strings.Contains(c.DataSourceName, "_busy_timeout=") {
		c.DataSourceName = withParam(c.DataSourceName, fmt.Sprintf("_busy_timeout=%d", c.BusyTimeout.Milliseconds()))
	}
	// writers take the lock up front instead of upgrading mid-transaction
	if !strings.Contains(c.DataSourceName, "_txlock=") {
		c.DataSourceName = withParam(c.DataSourceName, "_txlock=immediate")
	}
}

func withParam(dsn, param string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + param
	}
	return dsn + "?" + param
}

// DefaultConfig returns a Config with WAL enabled and the default pool.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// Open is a convenience constructor using DefaultConfig.
func Open(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

// Store implements storage.Provider on a SQLite table.
type Store struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
	logger *logging.Logger
	table  string
}

var _ storage.Provider = (*Store)(nil)

// New opens the database, configures the pool and creates the table.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()

	if config.DataSourceName == "" || strings.HasPrefix(config.DataSourceName, "?") {
		return nil, fmt.Errorf("DataSourceName is required")
	}
	if !validIdentifier(config.TableName) {
		return nil, fmt.Errorf("invalid table name %q", config.TableName)
	}

	logger := config.Logger
	logger.InfoContext(context.Background(), "Opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, errors.NewStorageError(errors.OpLoad, fmt.Errorf("failed to open sqlite database: %w", err))
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	logger.DebugContext(context.Background(), "Connection pool configured",
		slog.Int("max_open_conns", config.MaxOpenConns),
		slog.Int("max_idle_conns", config.MaxIdleConns),
		slog.Duration("conn_max_lifetime", config.ConnMaxLifetime),
		slog.Duration("conn_max_idle_time", config.ConnMaxIdleTime),
	)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.NewStorageError(errors.OpLoad, fmt.Errorf("failed to connect to sqlite database: %w", err))
	}

	s := &Store{db: db, logger: logger, table: config.TableName}
	if err := s.setupSchema(); err != nil {
		db.Close()
		return nil, errors.NewStorageError(errors.OpLoad, fmt.Errorf("failed to setup database schema: %w", err))
	}
	return s, nil
}

func validIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func (s *Store) setupSchema() error {
	query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %s (
        key        TEXT PRIMARY KEY,
        value      BLOB NOT NULL,
        updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    ) WITHOUT ROWID;
    `, s.table)
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) checkOpen(op errors.Operation) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.NewStorageError(op, errors.ErrClosed)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.checkOpen(errors.OpLoad); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, s.table), key).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound(errors.OpLoad, "storage/sqlite", key)
	}
	if err != nil {
		return nil, errors.NewStorageError(errors.OpLoad, err)
	}
	return value, nil
}

// Scan reads the matching rows into memory before invoking fn, so fn may
// call Apply without holding a read connection open.
func (s *Store) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	if err := s.checkOpen(errors.OpLoad); err != nil {
		return err
	}

	query := fmt.Sprintf(`SELECT key, value FROM %s WHERE key >= ?`, s.table)
	args := []any{prefix}
	if end := storage.PrefixEnd(prefix); end != "" {
		query += ` AND key < ?`
		args = append(args, end)
	}
	query += ` ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return errors.NewStorageError(errors.OpLoad, err)
	}
	type row struct {
		key   string
		value []byte
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.key, &r.value); err != nil {
			rows.Close()
			return errors.NewStorageError(errors.OpLoad, err)
		}
		all = append(all, r)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return errors.NewStorageError(errors.OpLoad, err)
	}

	for _, r := range all {
		if err := fn(r.key, r.value); err != nil {
			if stderrors.Is(err, storage.ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Apply writes the batch in a single transaction.
func (s *Store) Apply(ctx context.Context, writes ...storage.Write) (err error) {
	if err := s.checkOpen(errors.OpStore); err != nil {
		return err
	}
	if len(writes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStorageError(errors.OpStore, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	upsert, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
         ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, s.table))
	if err != nil {
		return errors.NewStorageError(errors.OpStore, err)
	}
	defer upsert.Close()

	for _, w := range writes {
		if w.Delete {
			_, err = tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, s.table), w.Key)
		} else {
			value := w.Value
			if value == nil {
				value = []byte{}
			}
			_, err = upsert.ExecContext(ctx, w.Key, value)
		}
		if err != nil {
			return errors.NewStorageError(errors.OpStore, fmt.Errorf("write %s: %w", w.Key, err))
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.NewStorageError(errors.OpStore, err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// JournalMode reports the active journal mode, "wal" when WAL is on.
func (s *Store) JournalMode(ctx context.Context) (string, error) {
	if err := s.checkOpen(errors.OpLoad); err != nil {
		return "", err
	}
	var mode string
	if err := s.db.QueryRowContext(ctx, `PRAGMA journal_mode`).Scan(&mode); err != nil {
		return "", errors.NewStorageError(errors.OpLoad, err)
	}
	return strings.ToLower(mode), nil
}
