package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"bourse/internal/common"
)

// Memory keeps everything in process. It backs tests and ephemeral runs.
type Memory struct {
	mu        sync.Mutex
	active    map[int64]common.Order
	balances  map[string]common.Balance
	completed []common.Order
	quotes    []common.Quote
	users     map[string]string
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		active:   make(map[int64]common.Order),
		balances: make(map[string]common.Balance),
		users:    make(map[string]string),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) SaveActiveOrder(_ context.Context, order common.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[order.ID] = order
	return nil
}

func (m *Memory) LoadActiveOrders(_ context.Context, side common.Side) ([]common.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []common.Order
	for _, order := range m.active {
		if order.Side == side {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (m *Memory) TruncateActiveOrders(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = make(map[int64]common.Order)
	return nil
}

func (m *Memory) UpdateBalance(_ context.Context, balance common.Balance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[balance.Username] = balance
	return nil
}

func (m *Memory) LoadBalances(context.Context) ([]common.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]common.Balance, 0, len(m.balances))
	for _, b := range m.balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (m *Memory) SaveCompletedOrder(_ context.Context, order common.Order, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order.CompletedAt = completedAt
	m.completed = append(m.completed, order)
	return nil
}

func (m *Memory) LoadLastCompleted(_ context.Context, n int) ([]common.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]common.Order(nil), lastN(m.completed, n)...), nil
}

func (m *Memory) SaveQuote(_ context.Context, quote common.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes = append(m.quotes, quote)
	return nil
}

func (m *Memory) LoadQuoteHistory(_ context.Context, n int) ([]common.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]common.Quote(nil), lastN(m.quotes, n)...), nil
}

func (m *Memory) UserExists(_ context.Context, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.users[username]
	return ok, nil
}

func (m *Memory) AddUser(_ context.Context, username, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; ok {
		return ErrUserExists
	}
	m.users[username] = passwordHash
	return nil
}

func (m *Memory) PasswordHash(_ context.Context, username string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash, ok := m.users[username]
	if !ok {
		return "", ErrUserNotFound
	}
	return hash, nil
}
