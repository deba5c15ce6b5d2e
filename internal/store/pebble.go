package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bourse/internal/common"

	"github.com/cockroachdb/pebble"
)

// Key layout:
//
//	active/<side>/<id>          resting orders saved at shutdown
//	balance/<username>          latest wallet state
//	completed/<ms>/<id>         filled orders, ordered by completion time
//	quote/<ns>/<seq>            quote history
//	user/<username>             bcrypt password hash
const (
	prefixActive    = "active/"
	prefixBalance   = "balance/"
	prefixCompleted = "completed/"
	prefixQuote     = "quote/"
	prefixUser      = "user/"
)

type Pebble struct {
	db *pebble.DB

	usersMu  sync.Mutex // serialises the exists-then-set in AddUser
	quoteSeq atomic.Uint64
}

var _ Store = (*Pebble)(nil)

func OpenPebble(path string) (*Pebble, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &Pebble{db: db}, nil
}

func (s *Pebble) Close() error { return s.db.Close() }

func activeKey(side common.Side, id int64) []byte {
	return []byte(fmt.Sprintf("%s%d/%020d", prefixActive, side, id))
}

func completedKey(at time.Time, id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d/%020d", prefixCompleted, at.UnixMilli(), id))
}

func (s *Pebble) quoteKey(at time.Time) []byte {
	return []byte(fmt.Sprintf("%s%020d/%010d", prefixQuote, at.UnixNano(), s.quoteSeq.Add(1)))
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix string) []byte {
	end := []byte(prefix)
	end[len(end)-1]++
	return end
}

func (s *Pebble) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

// scan decodes every value under prefix in key order.
func scan[T any](db *pebble.DB, prefix string) ([]T, error) {
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []T
	for iter.First(); iter.Valid(); iter.Next() {
		var v T
		if err := json.Unmarshal(iter.Value(), &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", iter.Key(), err)
		}
		out = append(out, v)
	}
	return out, iter.Error()
}

// scanLast decodes up to n values under prefix walking back from the newest
// key, and returns them oldest first.
func scanLast[T any](db *pebble.DB, prefix string, n int) ([]T, error) {
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []T
	for iter.Last(); iter.Valid() && (n <= 0 || len(out) < n); iter.Prev() {
		var v T
		if err := json.Unmarshal(iter.Value(), &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", iter.Key(), err)
		}
		out = append(out, v)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func (s *Pebble) SaveActiveOrder(_ context.Context, order common.Order) error {
	return s.put(activeKey(order.Side, order.ID), order)
}

func (s *Pebble) LoadActiveOrders(_ context.Context, side common.Side) ([]common.Order, error) {
	return scan[common.Order](s.db, fmt.Sprintf("%s%d/", prefixActive, side))
}

func (s *Pebble) TruncateActiveOrders(context.Context) error {
	return s.db.DeleteRange([]byte(prefixActive), upperBound(prefixActive), pebble.Sync)
}

func (s *Pebble) UpdateBalance(_ context.Context, balance common.Balance) error {
	return s.put([]byte(prefixBalance+balance.Username), balance)
}

func (s *Pebble) LoadBalances(context.Context) ([]common.Balance, error) {
	return scan[common.Balance](s.db, prefixBalance)
}

func (s *Pebble) SaveCompletedOrder(_ context.Context, order common.Order, completedAt time.Time) error {
	order.CompletedAt = completedAt
	return s.put(completedKey(completedAt, order.ID), order)
}

func (s *Pebble) LoadLastCompleted(_ context.Context, n int) ([]common.Order, error) {
	return scanLast[common.Order](s.db, prefixCompleted, n)
}

func (s *Pebble) SaveQuote(_ context.Context, quote common.Quote) error {
	return s.put(s.quoteKey(quote.Timestamp), quote)
}

func (s *Pebble) LoadQuoteHistory(_ context.Context, n int) ([]common.Quote, error) {
	return scanLast[common.Quote](s.db, prefixQuote, n)
}

func (s *Pebble) UserExists(_ context.Context, username string) (bool, error) {
	_, closer, err := s.db.Get([]byte(prefixUser + username))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

func (s *Pebble) AddUser(ctx context.Context, username, passwordHash string) error {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	exists, err := s.UserExists(ctx, username)
	if err != nil {
		return err
	}
	if exists {
		return ErrUserExists
	}
	return s.db.Set([]byte(prefixUser+username), []byte(passwordHash), pebble.Sync)
}

func (s *Pebble) PasswordHash(_ context.Context, username string) (string, error) {
	val, closer, err := s.db.Get([]byte(prefixUser + username))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", err
	}
	defer closer.Close()
	return string(val), nil
}
