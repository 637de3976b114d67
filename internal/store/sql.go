package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/goofish-agent/internal/domain"
	"github.com/ashureev/goofish-agent/internal/shared"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

const sqliteSchema = `
PRAGMA busy_timeout = 5000;
CREATE TABLE IF NOT EXISTS chat_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	user_name TEXT NOT NULL,
	local_id TEXT NOT NULL,
	chat TEXT NOT NULL,
	time_ms INTEGER NOT NULL,
	url TEXT NOT NULL DEFAULT '',
	order_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_order_time ON chat_messages(order_id, time_ms);
CREATE INDEX IF NOT EXISTS idx_chat_user_time ON chat_messages(user_id, time_ms);

CREATE TABLE IF NOT EXISTS order_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id TEXT NOT NULL,
	message TEXT NOT NULL,
	time_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_messages_order ON order_messages(order_id);

CREATE TABLE IF NOT EXISTS order_status (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id TEXT NOT NULL,
	status TEXT NOT NULL,
	time_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_status_order ON order_status(order_id);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS chat_messages (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	user_name TEXT NOT NULL,
	local_id TEXT NOT NULL,
	chat TEXT NOT NULL,
	time_ms BIGINT NOT NULL,
	url TEXT NOT NULL DEFAULT '',
	order_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_order_time ON chat_messages(order_id, time_ms);
CREATE INDEX IF NOT EXISTS idx_chat_user_time ON chat_messages(user_id, time_ms);

CREATE TABLE IF NOT EXISTS order_messages (
	id BIGSERIAL PRIMARY KEY,
	order_id TEXT NOT NULL,
	message TEXT NOT NULL,
	time_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_messages_order ON order_messages(order_id);

CREATE TABLE IF NOT EXISTS order_status (
	id BIGSERIAL PRIMARY KEY,
	order_id TEXT NOT NULL,
	status TEXT NOT NULL,
	time_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_status_order ON order_status(order_id);
`

// SQLStore implements Repository on database/sql for SQLite and Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// NewSQLite creates a SQLite-backed repository at dbPath.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Pragmas are applied per pooled connection so every worker waits on locks.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return initStore(db, dialectSQLite)
}

// NewPostgres creates a Postgres-backed repository from a DSN.
func NewPostgres(dsn string) (Repository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return initStore(db, dialectPostgres)
}

func initStore(db *sql.DB, d dialect) (*SQLStore, error) {
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &SQLStore{db: db, dialect: d, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	schema := sqliteSchema
	if s.dialect == dialectPostgres {
		schema = postgresSchema
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders for the active dialect.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, op, query string, args ...any) error {
	return shared.Retry(ctx, shared.DefaultSQLiteBackoff, op, shared.IsSQLiteConflictError, func() error {
		_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
		return err
	})
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// SaveChatMessage implements Repository.
func (s *SQLStore) SaveChatMessage(ctx context.Context, msg domain.StoredMessage) error {
	if msg.TimeMs == 0 {
		msg.TimeMs = s.now().UnixMilli()
	}
	query := `
	INSERT INTO chat_messages (user_id, user_name, local_id, chat, time_ms, url, order_id)
	VALUES (?, ?, ?, ?, ?, ?, ?)`
	if err := s.exec(ctx, "save chat message", query,
		msg.UserID, msg.UserName, msg.LocalID, msg.Text, msg.TimeMs, msg.URL, msg.OrderID,
	); err != nil {
		return fmt.Errorf("save chat message: %w", err)
	}
	return nil
}

// GetChatMessages implements Repository.
func (s *SQLStore) GetChatMessages(ctx context.Context, orderID string, limit int) ([]domain.StoredMessage, error) {
	return s.queryChat(ctx, "order_id", orderID, limit)
}

// GetChatMessagesByUser implements Repository.
func (s *SQLStore) GetChatMessagesByUser(ctx context.Context, userID string, limit int) ([]domain.StoredMessage, error) {
	return s.queryChat(ctx, "user_id", userID, limit)
}

func (s *SQLStore) queryChat(ctx context.Context, column, value string, limit int) ([]domain.StoredMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `
		SELECT user_id, user_name, local_id, chat, time_ms, url, order_id
		FROM chat_messages WHERE ` + column + ` = ?
		ORDER BY time_ms DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), value, limit)
	if err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close chat message rows", "error", closeErr)
		}
	}()

	var out []domain.StoredMessage
	for rows.Next() {
		var m domain.StoredMessage
		if err := rows.Scan(&m.UserID, &m.UserName, &m.LocalID, &m.Text, &m.TimeMs, &m.URL, &m.OrderID); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}

	slices.Reverse(out)
	return out, nil
}

// SaveOrderMessage implements Repository.
func (s *SQLStore) SaveOrderMessage(ctx context.Context, msg domain.OrderMessage) error {
	if msg.TimeMs == 0 {
		msg.TimeMs = s.now().UnixMilli()
	}
	query := `INSERT INTO order_messages (order_id, message, time_ms) VALUES (?, ?, ?)`
	if err := s.exec(ctx, "save order message", query, msg.OrderID, msg.Message, msg.TimeMs); err != nil {
		return fmt.Errorf("save order message: %w", err)
	}
	return nil
}

// GetOrderMessages implements Repository.
func (s *SQLStore) GetOrderMessages(ctx context.Context, orderID string, limit int) ([]domain.OrderMessage, error) {
	query := `
		SELECT order_id, message, time_ms FROM order_messages
		WHERE order_id = ? ORDER BY id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), orderID, limit)
	if err != nil {
		return nil, fmt.Errorf("query order messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close order message rows", "error", closeErr)
		}
	}()

	var out []domain.OrderMessage
	for rows.Next() {
		var m domain.OrderMessage
		if err := rows.Scan(&m.OrderID, &m.Message, &m.TimeMs); err != nil {
			return nil, fmt.Errorf("scan order message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order messages: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

// UpdateOrderStatus implements Repository.
func (s *SQLStore) UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus) error {
	query := `INSERT INTO order_status (order_id, status, time_ms) VALUES (?, ?, ?)`
	if err := s.exec(ctx, "update order status", query, orderID, status.String(), s.now().UnixMilli()); err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return nil
}

// GetOrderStatus implements Repository.
func (s *SQLStore) GetOrderStatus(ctx context.Context, orderID string) (domain.OrderStatus, bool, error) {
	query := `SELECT status FROM order_status WHERE order_id = ? ORDER BY id DESC LIMIT 1`

	var name string
	err := s.db.QueryRowContext(ctx, s.rebind(query), orderID).Scan(&name)
	if err == sql.ErrNoRows {
		return domain.OrderUnknown, false, nil
	}
	if err != nil {
		return domain.OrderUnknown, false, fmt.Errorf("query order status: %w", err)
	}
	status, err := domain.ParseOrderStatus(name)
	if err != nil {
		return domain.OrderUnknown, false, err
	}
	return status, true, nil
}

// GetOrderHistory implements Repository.
func (s *SQLStore) GetOrderHistory(ctx context.Context, orderID string) ([]domain.OrderTransition, error) {
	query := `SELECT status, time_ms FROM order_status WHERE order_id = ? ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), orderID)
	if err != nil {
		return nil, fmt.Errorf("query order history: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close order history rows", "error", closeErr)
		}
	}()

	var out []domain.OrderTransition
	for rows.Next() {
		var name string
		var ms int64
		if err := rows.Scan(&name, &ms); err != nil {
			return nil, fmt.Errorf("scan order transition: %w", err)
		}
		status, err := domain.ParseOrderStatus(name)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.OrderTransition{OrderID: orderID, Status: status, At: time.UnixMilli(ms)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order history: %w", err)
	}
	return out, nil
}
