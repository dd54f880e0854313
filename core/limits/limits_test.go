package limits

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGateBoundsInFlight(t *testing.T) {
	g := NewGate("test", 2, 0, zap.NewNop())

	require.NoError(t, g.Acquire(context.Background()))
	require.NoError(t, g.Acquire(context.Background()))
	// no free slot and no pending allowance: newest request drops
	assert.ErrorIs(t, g.Acquire(context.Background()), ErrOverloaded)

	g.Release()
	assert.NoError(t, g.Acquire(context.Background()))
}

func TestGatePendingQueue(t *testing.T) {
	g := NewGate("test", 1, 1, zap.NewNop())
	require.NoError(t, g.Acquire(context.Background()))

	var wg sync.WaitGroup
	wg.Add(1)
	acquired := make(chan struct{})
	go func() {
		defer wg.Done()
		// sits in the pending queue until the slot frees
		if err := g.Acquire(context.Background()); err == nil {
			close(acquired)
			g.Release()
		}
	}()

	// give the waiter time to enqueue, then one more must drop
	time.Sleep(50 * time.Millisecond)
	assert.ErrorIs(t, g.Acquire(context.Background()), ErrOverloaded)

	g.Release()
	wg.Wait()
	select {
	case <-acquired:
	default:
		t.Fatal("pending request never acquired the freed slot")
	}
}

func TestGateAcquireCancellation(t *testing.T) {
	g := NewGate("test", 1, 5, zap.NewNop())
	require.NoError(t, g.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewBuildsAllGates(t *testing.T) {
	l := New(Bounds{
		ConnMachineLimit: 5, ConnMachinePending: 10,
		AllocateLimit: 10, AllocatePending: 1,
		ConsumeLimit: 5, ConsumePending: 1,
		DeallocateLimit: 5, DeallocatePending: 1,
		WebhookReqsLimit: 5,
	}, zap.NewNop())
	require.NotNil(t, l.ConnMachine)
	require.NotNil(t, l.Allocate)
	require.NotNil(t, l.Consume)
	require.NotNil(t, l.Deallocate)
	require.NotNil(t, l.WebhookReqs)

	assert.True(t, l.WebhookReqs.TryAcquire())
	l.WebhookReqs.Release()
}
