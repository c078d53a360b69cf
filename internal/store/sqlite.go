package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ExecutionLog is an append-only SQLite audit of chat exchanges and the
// tool executions they triggered. Outputs are stored already truncated.
type ExecutionLog struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writers so WAL readers never see SQLITE_BUSY loops
	logger  *slog.Logger

	retries   int
	baseDelay time.Duration
}

// NewExecutionLog opens (or creates) the execution log at dbPath.
func NewExecutionLog(dbPath string, logger *slog.Logger) (*ExecutionLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	l := &ExecutionLog{
		db:        db,
		logger:    logger,
		retries:   3,
		baseDelay: 100 * time.Millisecond,
	}
	if err := l.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return l, nil
}

func (l *ExecutionLog) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS exchanges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		message TEXT NOT NULL,
		response TEXT NOT NULL,
		streamed INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_exchanges_session ON exchanges(session_id);

	CREATE TABLE IF NOT EXISTS tool_executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exchange_id INTEGER NOT NULL REFERENCES exchanges(id),
		seq INTEGER NOT NULL,
		tool_name TEXT NOT NULL,
		arguments_json TEXT NOT NULL,
		output TEXT NOT NULL,
		success INTEGER NOT NULL,
		error TEXT,
		duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_executions_exchange ON tool_executions(exchange_id);
	`
	if _, err := l.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// RecordExchange implements ExecutionRecorder. SQLITE_BUSY failures are
// retried with exponential backoff (100ms, 200ms, ...).
func (l *ExecutionLog) RecordExchange(ctx context.Context, ex Exchange) error {
	var err error
	for i := 0; i < l.retries; i++ {
		err = l.recordOnce(ctx, ex)
		if err == nil {
			return nil
		}
		if !isConflict(err) || i == l.retries-1 {
			break
		}
		delay := l.baseDelay * time.Duration(1<<i)
		l.logger.Debug("execution log write busy, retrying",
			"session_id", ex.SessionID,
			"attempt", i+1,
			"delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("record exchange: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("record exchange for %s: %w", ex.SessionID, err)
}

func (l *ExecutionLog) recordOnce(ctx context.Context, ex Exchange) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO exchanges (session_id, message, response, streamed, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ex.SessionID, ex.Message, ex.Response, ex.Streamed, nullable(ex.Err),
		ex.StartedAt.Unix(), ex.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert exchange: %w", err)
	}
	exchangeID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("exchange id: %w", err)
	}

	for seq, tool := range ex.Tools {
		args, err := json.Marshal(tool.Arguments)
		if err != nil {
			args = []byte("{}")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tool_executions (exchange_id, seq, tool_name, arguments_json, output, success, error, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			exchangeID, seq, tool.Name, string(args), tool.Output, tool.Success,
			nullable(tool.Error), tool.Duration.Milliseconds(),
		); err != nil {
			return fmt.Errorf("insert tool execution: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (l *ExecutionLog) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close closes the database connection.
func (l *ExecutionLog) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isConflict matches both SQLITE_BUSY and "database is locked".
func isConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
