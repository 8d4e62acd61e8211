// Package mysql implements a workflow engine storage backend using MySQL.
package mysql

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/edgecmd/edgecmd/engine/storage"
	"github.com/edgecmd/edgecmd/topic"
	"github.com/edgecmd/edgecmd/workflow"
)

// Schema holds the MySQL table definitions.
//
//go:embed schema.sql
var Schema string

// MySQLStorage implements a storage.AllStorage using MySQL.
type MySQLStorage struct {
	db *sql.DB
}

type config struct {
	driver string
	dsn    string
	db     *sql.DB
}

// Option allows configuring a MySQLStorage.
type Option func(*config)

// WithDSN sets the storage MySQL data source name.
func WithDSN(dsn string) Option {
	return func(c *config) {
		c.dsn = dsn
	}
}

// WithDriver sets a custom MySQL driver for the storage.
// Default driver is "mysql" but is ignored if WithDB is used.
func WithDriver(driver string) Option {
	return func(c *config) {
		c.driver = driver
	}
}

// WithDB sets a custom MySQL *sql.DB to the storage.
// If set, driver passed via WithDriver is ignored.
func WithDB(db *sql.DB) Option {
	return func(c *config) {
		c.db = db
	}
}

// New creates and returns a new MySQL.
func New(opts ...Option) (*MySQLStorage, error) {
	cfg := &config{driver: "mysql"}
	for _, opt := range opts {
		opt(cfg)
	}
	var err error
	if cfg.db == nil {
		cfg.db, err = sql.Open(cfg.driver, cfg.dsn)
		if err != nil {
			return nil, err
		}
	}
	if err = cfg.db.Ping(); err != nil {
		return nil, err
	}
	return &MySQLStorage{db: cfg.db}, nil
}

// CreateTables executes the statements of Schema.
// Existing tables are left alone.
func (s *MySQLStorage) CreateTables(ctx context.Context) error {
	for _, stmt := range strings.Split(Schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		stmt = strings.Replace(stmt, "CREATE TABLE ", "CREATE TABLE IF NOT EXISTS ", 1)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func toMicro(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicro(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us)
}

const commandColumns = `target, operation, command_id, status, attempt, payload, created_at, updated_at, timeout_us, stuck, requester`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCommand(row scanner) (*storage.Command, error) {
	var (
		c                storage.Command
		target           string
		created, updated int64
		timeout          int64
	)
	err := row.Scan(
		&target, &c.Operation, &c.ID,
		&c.Status, &c.Attempt, &c.Payload,
		&created, &updated, &timeout,
		&c.Stuck, &c.Requester,
	)
	if err != nil {
		return nil, err
	}
	c.Target = topic.EntityID(target)
	c.Created = fromMicro(created)
	c.Updated = fromMicro(updated)
	c.Timeout = time.Duration(timeout) * time.Microsecond
	return &c, nil
}

// StoreCommand implements the storage interface method.
func (s *MySQLStorage) StoreCommand(ctx context.Context, c *storage.Command) error {
	if err := c.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO commands (`+commandColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    status = VALUES(status),
    attempt = VALUES(attempt),
    payload = VALUES(payload),
    updated_at = VALUES(updated_at),
    timeout_us = VALUES(timeout_us),
    stuck = VALUES(stuck),
    requester = VALUES(requester);`,
		string(c.Target), c.Operation, c.ID,
		c.Status, c.Attempt, c.Payload,
		toMicro(c.Created), toMicro(c.Updated), c.Timeout.Microseconds(),
		c.Stuck, c.Requester,
	)
	return err
}

// RetrieveCommand implements the storage interface method.
func (s *MySQLStorage) RetrieveCommand(ctx context.Context, key storage.CommandKey) (*storage.Command, error) {
	c, err := scanCommand(s.db.QueryRowContext(
		ctx,
		`SELECT `+commandColumns+` FROM commands WHERE target = ? AND operation = ? AND command_id = ?;`,
		string(key.Target), key.Operation, key.ID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NotFound(key)
	}
	return c, err
}

func (s *MySQLStorage) queryCommands(ctx context.Context, query string, args ...interface{}) ([]*storage.Command, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ret []*storage.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return ret, err
		}
		ret = append(ret, c)
	}
	return ret, rows.Err()
}

// RetrieveCommands implements the storage interface method.
func (s *MySQLStorage) RetrieveCommands(ctx context.Context, filter storage.Filter) ([]*storage.Command, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Target != "" {
		where = append(where, "target = ?")
		args = append(args, string(filter.Target))
	}
	if filter.Operation != "" {
		where = append(where, "operation = ?")
		args = append(args, filter.Operation)
	}
	query := `SELECT ` + commandColumns + ` FROM commands`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	return s.queryCommands(ctx, query+` ORDER BY target, operation, command_id;`, args...)
}

// DeleteCommand implements the storage interface method.
func (s *MySQLStorage) DeleteCommand(ctx context.Context, key storage.CommandKey) error {
	return tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if err := clearExecutions(ctx, tx, key); err != nil {
			return err
		}
		_, err := tx.ExecContext(
			ctx,
			`DELETE FROM commands WHERE target = ? AND operation = ? AND command_id = ?;`,
			string(key.Target), key.Operation, key.ID,
		)
		return err
	})
}

// RetrieveStaleCommands implements the storage interface method.
func (s *MySQLStorage) RetrieveStaleCommands(ctx context.Context, now time.Time) ([]*storage.Command, error) {
	return s.queryCommands(
		ctx,
		`SELECT `+commandColumns+` FROM commands
WHERE
    stuck = FALSE AND
    status NOT IN (?, ?) AND
    timeout_us > 0 AND
    updated_at + timeout_us < ?
ORDER BY updated_at;`,
		workflow.StatusSuccessful, workflow.StatusFailed, toMicro(now),
	)
}

// MarkStuck implements the storage interface method.
func (s *MySQLStorage) MarkStuck(ctx context.Context, key storage.CommandKey) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE commands SET stuck = TRUE WHERE target = ? AND operation = ? AND command_id = ?;`,
		string(key.Target), key.Operation, key.ID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n < 1 {
		// an already stuck command reports no affected rows.
		if _, err = s.RetrieveCommand(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// RecordExecution implements the storage interface method.
func (s *MySQLStorage) RecordExecution(ctx context.Context, key storage.ExecutionKey) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`INSERT IGNORE INTO command_executions (target, operation, command_id, status, attempt) VALUES (?, ?, ?, ?, ?);`,
		string(key.Target), key.Operation, key.ID, key.Status, key.Attempt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func clearExecutions(ctx context.Context, tx *sql.Tx, key storage.CommandKey) error {
	_, err := tx.ExecContext(
		ctx,
		`DELETE FROM command_executions WHERE target = ? AND operation = ? AND command_id = ?;`,
		string(key.Target), key.Operation, key.ID,
	)
	return err
}

// ClearExecutions implements the storage interface method.
func (s *MySQLStorage) ClearExecutions(ctx context.Context, key storage.CommandKey) error {
	return tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		return clearExecutions(ctx, tx, key)
	})
}

// txcb executes SQL within transactions when wrapped in tx().
type txcb func(ctx context.Context, tx *sql.Tx) error

// tx wraps g in transactions using db.
// If g returns an err the transaction will be rolled back; otherwise committed.
func tx(ctx context.Context, db *sql.DB, g txcb) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tx begin: %w", err)
	}
	if err = g(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx rollback: %w; while trying to handle error: %v", rbErr, err)
		}
		return fmt.Errorf("tx rolled back: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("tx commit: %w", err)
	}
	return nil
}
