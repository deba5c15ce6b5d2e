package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"bourse/internal/common"

	"github.com/go-sql-driver/mysql"
)

const mysqlDuplicateEntry = 1062

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		username VARCHAR(255) PRIMARY KEY,
		password VARCHAR(255) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS active_orders (
		order_id BIGINT PRIMARY KEY,
		side TINYINT NOT NULL,
		username VARCHAR(255) NOT NULL,
		price DECIMAL(30,10) NOT NULL,
		quantity BIGINT UNSIGNED NOT NULL,
		total_quantity BIGINT UNSIGNED NOT NULL,
		created_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS balances (
		username VARCHAR(255) PRIMARY KEY,
		usd DECIMAL(30,10) NOT NULL,
		rub DECIMAL(30,10) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS completed_orders (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		order_id BIGINT NOT NULL,
		side TINYINT NOT NULL,
		username VARCHAR(255) NOT NULL,
		price DECIMAL(30,10) NOT NULL,
		total_quantity BIGINT UNSIGNED NOT NULL,
		created_ms BIGINT NOT NULL,
		completed_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS quotes (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		price DECIMAL(30,10) NOT NULL,
		ts_ms BIGINT NOT NULL
	)`,
}

// SQL persists to MySQL through database/sql.
type SQL struct {
	db *sql.DB
}

var _ Store = (*SQL)(nil)

func OpenSQL(ctx context.Context, dsn string) (*SQL, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return &SQL{db: db}, nil
}

func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) SaveActiveOrder(ctx context.Context, order common.Order) error {
	_, err := s.db.ExecContext(ctx,
		`REPLACE INTO active_orders (order_id, side, username, price, quantity, total_quantity, created_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		order.ID, int(order.Side), order.Owner, order.Price, order.Quantity, order.TotalQuantity,
		order.CreatedAt.UnixMilli())
	return err
}

func (s *SQL) LoadActiveOrders(ctx context.Context, side common.Side) ([]common.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT order_id, username, price, quantity, total_quantity, created_ms
		 FROM active_orders WHERE side = ? ORDER BY created_ms, order_id`, int(side))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []common.Order
	for rows.Next() {
		order := common.Order{Side: side}
		var createdMs int64
		if err := rows.Scan(&order.ID, &order.Owner, &order.Price, &order.Quantity,
			&order.TotalQuantity, &createdMs); err != nil {
			return nil, err
		}
		order.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, order)
	}
	return out, rows.Err()
}

func (s *SQL) TruncateActiveOrders(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `TRUNCATE TABLE active_orders`)
	return err
}

func (s *SQL) UpdateBalance(ctx context.Context, balance common.Balance) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO balances (username, usd, rub) VALUES (?, ?, ?)
		 ON DUPLICATE KEY UPDATE usd = VALUES(usd), rub = VALUES(rub)`,
		balance.Username, balance.USD, balance.RUB)
	return err
}

func (s *SQL) LoadBalances(ctx context.Context) ([]common.Balance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username, usd, rub FROM balances ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []common.Balance
	for rows.Next() {
		var b common.Balance
		if err := rows.Scan(&b.Username, &b.USD, &b.RUB); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQL) SaveCompletedOrder(ctx context.Context, order common.Order, completedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO completed_orders (order_id, side, username, price, total_quantity, created_ms, completed_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		order.ID, int(order.Side), order.Owner, order.Price, order.TotalQuantity,
		order.CreatedAt.UnixMilli(), completedAt.UnixMilli())
	return err
}

func (s *SQL) LoadLastCompleted(ctx context.Context, n int) ([]common.Order, error) {
	if n <= 0 {
		n = math.MaxInt32
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT order_id, side, username, price, total_quantity, created_ms, completed_ms
		 FROM completed_orders ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []common.Order
	for rows.Next() {
		var (
			order                common.Order
			side                 int
			createdMs, completed int64
		)
		if err := rows.Scan(&order.ID, &side, &order.Owner, &order.Price, &order.TotalQuantity,
			&createdMs, &completed); err != nil {
			return nil, err
		}
		order.Side = common.Side(side)
		order.CreatedAt = time.UnixMilli(createdMs)
		order.CompletedAt = time.UnixMilli(completed)
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func (s *SQL) SaveQuote(ctx context.Context, quote common.Quote) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO quotes (price, ts_ms) VALUES (?, ?)`,
		quote.Price, quote.Timestamp.UnixMilli())
	return err
}

func (s *SQL) LoadQuoteHistory(ctx context.Context, n int) ([]common.Quote, error) {
	if n <= 0 {
		n = math.MaxInt32
	}
	rows, err := s.db.QueryContext(ctx, `SELECT price, ts_ms FROM quotes ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []common.Quote
	for rows.Next() {
		var (
			quote common.Quote
			tsMs  int64
		)
		if err := rows.Scan(&quote.Price, &tsMs); err != nil {
			return nil, err
		}
		quote.Timestamp = time.UnixMilli(tsMs)
		out = append(out, quote)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func (s *SQL) UserExists(ctx context.Context, username string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE username = ?`, username).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQL) AddUser(ctx context.Context, username, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (username, password) VALUES (?, ?)`,
		username, passwordHash)
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
		return ErrUserExists
	}
	return err
}

func (s *SQL) PasswordHash(ctx context.Context, username string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT password FROM users WHERE username = ?`, username).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUserNotFound
	}
	return hash, err
}
