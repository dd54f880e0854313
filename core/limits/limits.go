// Package limits provides the per-process rate limits: a fixed number
// of in-flight operations per concern plus a bounded pending queue.
// Requests beyond the pending bound are rejected, not queued forever;
// the next reconciler tick retries.
package limits

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrOverloaded is returned when a gate's pending queue is full and the
// newest request is dropped.
var ErrOverloaded = errors.New("limit exceeded, request dropped")

// Gate bounds one concern: at most limit operations in flight, at most
// pending more waiting.
type Gate struct {
	name    string
	slots   *semaphore.Weighted
	waiting int64
	pending int64
	log     *zap.Logger
}

// NewGate creates a gate with the given in-flight and pending bounds.
func NewGate(name string, limit, pending int, log *zap.Logger) *Gate {
	return &Gate{
		name:    name,
		slots:   semaphore.NewWeighted(int64(limit)),
		pending: int64(pending),
		log:     log.Named("limits"),
	}
}

// Acquire takes a slot, waiting in the pending queue if necessary.
// Returns ErrOverloaded when the queue is already full.
func (g *Gate) Acquire(ctx context.Context) error {
	if g.slots.TryAcquire(1) {
		return nil
	}
	if atomic.AddInt64(&g.waiting, 1) > g.pending {
		atomic.AddInt64(&g.waiting, -1)
		g.log.Warn("rate limit queue full, dropping request",
			zap.String("gate", g.name))
		return ErrOverloaded
	}
	defer atomic.AddInt64(&g.waiting, -1)
	return g.slots.Acquire(ctx, 1)
}

// AcquireBlocking waits for a slot regardless of the pending bound.
// Used by drains whose backlog is already bounded elsewhere.
func (g *Gate) AcquireBlocking(ctx context.Context) error {
	return g.slots.Acquire(ctx, 1)
}

// TryAcquire takes a slot only if one is immediately free.
func (g *Gate) TryAcquire() bool {
	return g.slots.TryAcquire(1)
}

// Release returns a slot.
func (g *Gate) Release() {
	g.slots.Release(1)
}

// Limits is the full set of gates used by the scheduler process.
type Limits struct {
	// ConnMachine bounds SSH connect attempts.
	ConnMachine *Gate
	// Allocate bounds task assignment and node creation.
	Allocate *Gate
	// Consume bounds result downloads.
	Consume *Gate
	// Deallocate bounds node deletion.
	Deallocate *Gate
	// WebhookReqs bounds webhook fan-out.
	WebhookReqs *Gate
}

// Bounds carries the configured limit/pending pairs.
type Bounds struct {
	ConnMachineLimit   int
	ConnMachinePending int
	AllocateLimit      int
	AllocatePending    int
	ConsumeLimit       int
	ConsumePending     int
	DeallocateLimit    int
	DeallocatePending  int
	WebhookReqsLimit   int
}

// New builds all gates from the configured bounds.
func New(b Bounds, log *zap.Logger) *Limits {
	return &Limits{
		ConnMachine: NewGate("conn_machine", b.ConnMachineLimit, b.ConnMachinePending, log),
		Allocate:    NewGate("allocate", b.AllocateLimit, b.AllocatePending, log),
		Consume:     NewGate("consume", b.ConsumeLimit, b.ConsumePending, log),
		Deallocate:  NewGate("deallocate", b.DeallocateLimit, b.DeallocatePending, log),
		WebhookReqs: NewGate("webhook_reqs", b.WebhookReqsLimit, 0, log),
	}
}
