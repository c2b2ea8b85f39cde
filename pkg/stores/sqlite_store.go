package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Backend interface using SQLite. It is the
// primary backend: all new writes land here.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  SQLiteConfig
}

// SQLiteConfig holds SQLite store configuration.
type SQLiteConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
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

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init opens the database, enables WAL mode and runs migrations.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

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
	return s.migrate()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) migrate() error {
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

// Update runs fn inside one serializable transaction.
func (s *SQLiteStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	dbTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return NewStoreError("tx.begin", "", err)
	}

	if err := fn(&sqliteTx{ctx: ctx, tx: dbTx}); err != nil {
		_ = dbTx.Rollback()
		return err
	}

	if err := dbTx.Commit(); err != nil {
		return NewStoreError("tx.commit", "", err)
	}
	return nil
}

// RecordExists reports whether a record has any fields.
func (s *SQLiteStore) RecordExists(ctx context.Context, key string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE k = ?`, key).Scan(&count)
	if err != nil {
		return false, NewStoreError("records.exists", key, err)
	}
	return count > 0, nil
}

// GetRecord retrieves all fields of a record.
func (s *SQLiteStore) GetRecord(ctx context.Context, key string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT field, value FROM records WHERE k = ?`, key)
	if err != nil {
		return nil, NewStoreError("records.get", key, err)
	}
	defer rows.Close()

	record := map[string]string{}
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, NewStoreError("records.get", key, err)
		}
		record[field] = value
	}
	if err := rows.Err(); err != nil {
		return nil, NewStoreError("records.get", key, err)
	}
	return record, nil
}

// GetRecordField retrieves a single record field.
func (s *SQLiteStore) GetRecordField(ctx context.Context, key, field string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM records WHERE k = ? AND field = ?`, key, field).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", NewStoreError("records.getField", key, err)
	}
	return value, nil
}

// SetMembers retrieves all members of an unordered set.
func (s *SQLiteStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT member FROM set_members WHERE k = ?`, key)
	if err != nil {
		return nil, NewStoreError("sets.members", key, err)
	}
	defer rows.Close()
	return scanMembers(rows, "sets.members", key)
}

// IndexMembers retrieves scored-index members ordered by score.
func (s *SQLiteStore) IndexMembers(ctx context.Context, key string, reverse bool) ([]string, error) {
	order := "ASC"
	if reverse {
		order = "DESC"
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT member FROM scored_members WHERE k = ? ORDER BY score `+order, key)
	if err != nil {
		return nil, NewStoreError("index.members", key, err)
	}
	defer rows.Close()
	return scanMembers(rows, "index.members", key)
}

// ListMembers retrieves ordered-list members in position order.
func (s *SQLiteStore) ListMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT member FROM list_members WHERE k = ? ORDER BY pos ASC`, key)
	if err != nil {
		return nil, NewStoreError("lists.members", key, err)
	}
	defer rows.Close()
	return scanMembers(rows, "lists.members", key)
}

// Get retrieves a plain key/value entry.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE k = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", NewStoreError("kv.get", key, err)
	}
	return value, nil
}

func scanMembers(rows *sql.Rows, op, key string) ([]string, error) {
	members := []string{}
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, NewStoreError(op, key, err)
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStoreError(op, key, err)
	}
	return members, nil
}

// sqliteTx implements Tx over one *sql.Tx.
type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqliteTx) SetRecordFields(key string, fields map[string]string) error {
	for field, value := range fields {
		_, err := t.tx.ExecContext(t.ctx, `
			INSERT INTO records (k, field, value) VALUES (?, ?, ?)
			ON CONFLICT(k, field) DO UPDATE SET value = excluded.value
		`, key, field, value)
		if err != nil {
			return NewStoreError("records.set", key, err)
		}
	}
	return nil
}

func (t *sqliteTx) DeleteRecordFields(key string, fields ...string) error {
	for _, field := range fields {
		_, err := t.tx.ExecContext(t.ctx,
			`DELETE FROM records WHERE k = ? AND field = ?`, key, field)
		if err != nil {
			return NewStoreError("records.deleteFields", key, err)
		}
	}
	return nil
}

func (t *sqliteTx) DeleteRecord(key string) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM records WHERE k = ?`, key)
	if err != nil {
		return NewStoreError("records.delete", key, err)
	}
	return nil
}

func (t *sqliteTx) SetAdd(key string, members ...string) error {
	for _, member := range members {
		_, err := t.tx.ExecContext(t.ctx, `
			INSERT INTO set_members (k, member) VALUES (?, ?)
			ON CONFLICT(k, member) DO NOTHING
		`, key, member)
		if err != nil {
			return NewStoreError("sets.add", key, err)
		}
	}
	return nil
}

func (t *sqliteTx) SetRemove(key string, members ...string) error {
	for _, member := range members {
		_, err := t.tx.ExecContext(t.ctx,
			`DELETE FROM set_members WHERE k = ? AND member = ?`, key, member)
		if err != nil {
			return NewStoreError("sets.remove", key, err)
		}
	}
	return nil
}

func (t *sqliteTx) IndexAdd(key, member string, score float64) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO scored_members (k, member, score) VALUES (?, ?, ?)
		ON CONFLICT(k, member) DO UPDATE SET score = excluded.score
	`, key, member, score)
	if err != nil {
		return NewStoreError("index.add", key, err)
	}
	return nil
}

func (t *sqliteTx) IndexRemove(key, member string) error {
	_, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM scored_members WHERE k = ? AND member = ?`, key, member)
	if err != nil {
		return NewStoreError("index.remove", key, err)
	}
	return nil
}

func (t *sqliteTx) ListReplace(key string, members []string) error {
	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM list_members WHERE k = ?`, key); err != nil {
		return NewStoreError("lists.replace", key, err)
	}
	for i, member := range members {
		_, err := t.tx.ExecContext(t.ctx,
			`INSERT INTO list_members (k, pos, member) VALUES (?, ?, ?)`, key, i, member)
		if err != nil {
			return NewStoreError("lists.replace", key, err)
		}
	}
	return nil
}

func (t *sqliteTx) ListInsert(key, pivot, member string, before bool) error {
	var pivotPos int
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT pos FROM list_members WHERE k = ? AND member = ?`, key, pivot).Scan(&pivotPos)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrKeyNotFound
	}
	if err != nil {
		return NewStoreError("lists.insert", key, err)
	}

	insertPos := pivotPos
	if !before {
		insertPos = pivotPos + 1
	}

	// Shift trailing members down one slot to open the gap. The negation
	// avoids transient primary-key collisions while shifting.
	if _, err := t.tx.ExecContext(t.ctx,
		`UPDATE list_members SET pos = -(pos + 1) WHERE k = ? AND pos >= ?`, key, insertPos); err != nil {
		return NewStoreError("lists.insert", key, err)
	}
	if _, err := t.tx.ExecContext(t.ctx,
		`UPDATE list_members SET pos = -pos WHERE k = ? AND pos < 0`, key); err != nil {
		return NewStoreError("lists.insert", key, err)
	}

	if _, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO list_members (k, pos, member) VALUES (?, ?, ?)`, key, insertPos, member); err != nil {
		return NewStoreError("lists.insert", key, err)
	}
	return nil
}

func (t *sqliteTx) ListRemove(key, member string) error {
	_, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM list_members WHERE k = ? AND member = ?`, key, member)
	if err != nil {
		return NewStoreError("lists.remove", key, err)
	}
	return nil
}

func (t *sqliteTx) Put(key, value string) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO kv (k, value) VALUES (?, ?)
		ON CONFLICT(k) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return NewStoreError("kv.put", key, err)
	}
	return nil
}

func (t *sqliteTx) Delete(key string) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM kv WHERE k = ?`, key)
	if err != nil {
		return NewStoreError("kv.delete", key, err)
	}
	return nil
}
