package common

import (
	"sync/atomic"
	"time"
)

const counterBits = 22

// IDGenerator hands out order ids made of the millisecond timestamp in the
// high bits and a wrapping per-process counter in the low 22 bits. Ids are
// unique within a process and sort roughly by creation time across cycles.
type IDGenerator struct {
	counter atomic.Uint32
}

func (g *IDGenerator) Next(now time.Time) int64 {
	count := int64(g.counter.Add(1)) & (1<<counterBits - 1)
	return now.UnixMilli()<<counterBits | count
}

// Now returns the current time truncated to the millisecond, the precision
// order timestamps are stored with.
func Now() time.Time {
	return time.UnixMilli(time.Now().UnixMilli())
}
