// Package store is the persistence port of the exchange and its drivers. The
// matching core only ever talks to the Store interface; failures are reported
// back and logged by the caller, the in-memory state stays authoritative.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bourse/internal/common"
)

var (
	ErrUnknownDriver = errors.New("unknown store driver")
	ErrUserExists    = errors.New("user already exists")
	ErrUserNotFound  = errors.New("user not found")
)

// Store is everything the exchange persists.
type Store interface {
	Orders
	Users
	Close() error
}

// Orders covers the book, balances and history.
type Orders interface {
	SaveActiveOrder(ctx context.Context, order common.Order) error
	LoadActiveOrders(ctx context.Context, side common.Side) ([]common.Order, error)
	TruncateActiveOrders(ctx context.Context) error

	UpdateBalance(ctx context.Context, balance common.Balance) error
	LoadBalances(ctx context.Context) ([]common.Balance, error)

	SaveCompletedOrder(ctx context.Context, order common.Order, completedAt time.Time) error
	// LoadLastCompleted returns up to n most recent completed orders, oldest first.
	LoadLastCompleted(ctx context.Context, n int) ([]common.Order, error)

	SaveQuote(ctx context.Context, quote common.Quote) error
	// LoadQuoteHistory returns up to n most recent quotes, oldest first.
	LoadQuoteHistory(ctx context.Context, n int) ([]common.Quote, error)
}

// Users holds credentials. Password hashing happens in the auth package.
type Users interface {
	UserExists(ctx context.Context, username string) (bool, error)
	AddUser(ctx context.Context, username, passwordHash string) error
	PasswordHash(ctx context.Context, username string) (string, error)
}

type Config struct {
	Driver string // memory, pebble or mysql
	Path   string // pebble directory
	DSN    string // mysql data source name
}

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "pebble":
		return OpenPebble(cfg.Path)
	case "mysql":
		return OpenSQL(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// lastN keeps the n newest entries of an oldest-first slice.
func lastN[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[len(items)-n:]
	}
	return items
}

func reverse[T any](items []T) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}
