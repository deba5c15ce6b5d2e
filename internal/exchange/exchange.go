// Package exchange wires the order queues, ledger and matching engine together
// and owns their lifecycle.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"bourse/internal/common"
	"bourse/internal/engine"
	"bourse/internal/ledger"
	"bourse/internal/queue"
	"bourse/internal/store"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	tomb "gopkg.in/tomb.v2"
)

var (
	ErrNotRunning     = errors.New("exchange is not running")
	ErrAlreadyStarted = errors.New("exchange already started")
	ErrAccountExists  = errors.New("account already exists")
)

type State int32

const (
	StateStopped State = iota
	StateRunning
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

type Config struct {
	CompletedHistory int
	QuoteHistory     int
}

func DefaultConfig() Config {
	return Config{
		CompletedHistory: ledger.DefaultCompletedLimit,
		QuoteHistory:     ledger.DefaultQuoteLimit,
	}
}

// Exchange is the root object of a running market. Sessions hold a pointer to
// it but never own it.
type Exchange struct {
	cfg   Config
	store store.Store

	// stateMu is held for reading while an order is pushed, so the final drain
	// in Stop sees every accepted order.
	stateMu sync.RWMutex
	state   State
	started bool

	ledger *ledger.Ledger
	buys   *queue.OrderQueue
	sells  *queue.OrderQueue
	signal *queue.Signal
	engine *engine.Engine
	ids    common.IDGenerator
	t      tomb.Tomb
}

func New(cfg Config, st store.Store) *Exchange {
	l := ledger.New(cfg.CompletedHistory, cfg.QuoteHistory)
	buys, sells := queue.NewOrderQueue(), queue.NewOrderQueue()
	return &Exchange{
		cfg:    cfg,
		store:  st,
		ledger: l,
		buys:   buys,
		sells:  sells,
		signal: queue.NewSignal(),
		engine: engine.New(l, buys, sells, st),
	}
}

func (x *Exchange) SetReporter(reporter engine.Reporter) {
	x.engine.SetReporter(reporter)
}

func (x *Exchange) State() State {
	x.stateMu.RLock()
	defer x.stateMu.RUnlock()
	return x.state
}

// Start rehydrates the market from the store and starts matching. Resting
// orders are moved back into the book and cleared from storage; they are
// written again on Stop.
func (x *Exchange) Start(ctx context.Context) error {
	x.stateMu.Lock()
	defer x.stateMu.Unlock()

	if x.started {
		return ErrAlreadyStarted
	}

	if err := x.rehydrate(ctx); err != nil {
		return fmt.Errorf("%w: %w", common.ErrPersistence, err)
	}

	x.started = true
	x.state = StateRunning
	x.t.Go(x.matchLoop)

	log.Info().
		Int("accounts", len(x.ledger.Balances())).
		Int("resting", len(x.engine.Resting())).
		Msg("exchange running")
	return nil
}

func (x *Exchange) rehydrate(ctx context.Context) error {
	var resting []common.Order
	for _, side := range []common.Side{common.Buy, common.Sell} {
		orders, err := x.store.LoadActiveOrders(ctx, side)
		if err != nil {
			return fmt.Errorf("load %s orders: %w", side, err)
		}
		resting = append(resting, orders...)
	}
	balances, err := x.store.LoadBalances(ctx)
	if err != nil {
		return fmt.Errorf("load balances: %w", err)
	}
	completed, err := x.store.LoadLastCompleted(ctx, x.cfg.CompletedHistory)
	if err != nil {
		return fmt.Errorf("load completed orders: %w", err)
	}
	quotes, err := x.store.LoadQuoteHistory(ctx, x.cfg.QuoteHistory)
	if err != nil {
		return fmt.Errorf("load quotes: %w", err)
	}

	// Resting orders leave storage only once everything else has loaded.
	if err := x.store.TruncateActiveOrders(ctx); err != nil {
		return fmt.Errorf("truncate active orders: %w", err)
	}

	x.ledger.Restore(balances, completed, quotes)
	x.engine.Restore(resting)
	return nil
}

// matchLoop runs one matching cycle per wake-up until shutdown.
func (x *Exchange) matchLoop() error {
	for x.signal.WaitForWorkOrShutdown(x.buys, x.sells) {
		x.engine.RunMatchingCycle()
	}
	log.Info().Msg("matching loop exiting")
	return nil
}

// Stop halts matching, runs a last cycle over anything still queued and
// persists resting orders and balances. Stopping a stopped exchange is a no-op.
func (x *Exchange) Stop(ctx context.Context) error {
	x.stateMu.Lock()
	if x.state != StateRunning {
		x.stateMu.Unlock()
		return nil
	}
	x.state = StateDraining
	x.stateMu.Unlock()

	x.signal.Shutdown()
	x.t.Kill(nil)
	if err := x.t.Wait(); err != nil {
		log.Error().Err(err).Msg("matching loop failed")
	}
	x.engine.RunMatchingCycle()

	err := x.persist(ctx)

	x.stateMu.Lock()
	x.state = StateStopped
	x.stateMu.Unlock()

	log.Info().Msg("exchange stopped")
	return err
}

func (x *Exchange) persist(ctx context.Context) error {
	var errs []error
	if err := x.store.TruncateActiveOrders(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, order := range x.engine.Resting() {
		if err := x.store.SaveActiveOrder(ctx, order); err != nil {
			errs = append(errs, fmt.Errorf("order %d: %w", order.ID, err))
		}
	}
	for _, balance := range x.ledger.Balances() {
		if err := x.store.UpdateBalance(ctx, balance); err != nil {
			errs = append(errs, fmt.Errorf("balance %s: %w", balance.Username, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", common.ErrPersistence, errors.Join(errs...))
	}
	return nil
}

// SignUp opens a zero-balance account.
func (x *Exchange) SignUp(ctx context.Context, username string) error {
	if !x.ledger.CreateAccount(username) {
		return ErrAccountExists
	}
	balance, err := x.ledger.Balance(username)
	if err != nil {
		return err
	}
	if err := x.store.UpdateBalance(ctx, balance); err != nil {
		log.Error().
			Err(err).
			Str("username", username).
			Bool("alarm", true).
			Msg(common.ErrPersistence.Error())
	}
	log.Info().Str("username", username).Msg("account created")
	return nil
}

// SubmitOrder validates and queues an order. It returns as soon as the order
// is queued; matching happens on the next cycle.
func (x *Exchange) SubmitOrder(username string, side common.Side, price decimal.Decimal, quantity uint64) (common.Order, error) {
	switch {
	case !side.Valid():
		return common.Order{}, fmt.Errorf("%w: unknown side %d", common.ErrInvalidOrder, side)
	case quantity == 0:
		return common.Order{}, fmt.Errorf("%w: zero quantity", common.ErrInvalidOrder)
	case !price.IsPositive():
		return common.Order{}, fmt.Errorf("%w: price %s must be positive", common.ErrInvalidOrder, price)
	}
	if !x.ledger.HasAccount(username) {
		return common.Order{}, fmt.Errorf("%w: %s", common.ErrAccountNotFound, username)
	}

	x.stateMu.RLock()
	defer x.stateMu.RUnlock()
	if x.state != StateRunning {
		return common.Order{}, ErrNotRunning
	}

	now := common.Now()
	order := common.Order{
		ID:            x.ids.Next(now),
		Side:          side,
		Price:         price,
		Quantity:      quantity,
		TotalQuantity: quantity,
		Owner:         username,
		CreatedAt:     now,
	}
	if side == common.Buy {
		x.buys.Push(order)
	} else {
		x.sells.Push(order)
	}
	x.signal.Notify()

	log.Info().
		Int64("order", order.ID).
		Str("username", username).
		Str("side", side.String()).
		Str("price", price.String()).
		Uint64("quantity", quantity).
		Msg("order queued")
	return order, nil
}

// CancelOrder removes a resting order owned by username. It returns false when
// the order is unknown, already filled, still queued or owned by someone else.
func (x *Exchange) CancelOrder(username string, id int64, side common.Side) bool {
	order, ok := x.ledger.ActiveOrder(id, side)
	if !ok || order.Owner != username {
		return false
	}
	if !x.engine.RemoveOrder(id, side) {
		return false
	}
	log.Info().Int64("order", id).Str("username", username).Msg("order cancelled")
	return true
}

func (x *Exchange) HasAccount(username string) bool {
	return x.ledger.HasAccount(username)
}

func (x *Exchange) Balance(username string) (common.Balance, error) {
	return x.ledger.Balance(username)
}

func (x *Exchange) ActiveOrders(username string) []common.Order {
	return x.ledger.ActiveOrdersOf(username)
}

func (x *Exchange) CompletedOrders(n int) []common.Order {
	return x.ledger.Completed(n)
}

func (x *Exchange) Quotes(n int) []common.Quote {
	return x.ledger.Quotes(n)
}

// Book returns copies of both sides' price levels, best first.
func (x *Exchange) Book() (bids, asks []engine.FlatPriceLevel) {
	return x.engine.Levels(common.Buy), x.engine.Levels(common.Sell)
}

func (x *Exchange) Depth() engine.Depth {
	return x.engine.Depth()
}
