package queue

import (
	"sync"

	"bourse/internal/common"

	"github.com/eapache/queue"
)

// OrderQueue is an unbounded multi-producer/single-consumer queue of pending
// orders. Producers are session handlers, the consumer is the matching loop.
// Only per-producer FIFO is guaranteed.
type OrderQueue struct {
	mu    sync.Mutex
	items *queue.Queue
}

func NewOrderQueue() *OrderQueue {
	return &OrderQueue{items: queue.New()}
}

// Push never blocks on the consumer and never fails short of the runtime
// failing to allocate.
func (q *OrderQueue) Push(order common.Order) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.Add(order)
}

// TryPop returns the oldest queued order, if any.
func (q *OrderQueue) TryPop() (common.Order, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Length() == 0 {
		return common.Order{}, false
	}
	return q.items.Remove().(common.Order), true
}

func (q *OrderQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

func (q *OrderQueue) Empty() bool {
	return q.Len() == 0
}
