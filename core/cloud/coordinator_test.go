package cloud

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tilde-lab/yascheduler/config"
)

type fakeProvider struct {
	name string
	cfg  config.Cloud
	ips  []string
}

func (f *fakeProvider) Name() string                                { return f.name }
func (f *fakeProvider) Config() config.Cloud                        { return f.cfg }
func (f *fakeProvider) CreateNode(ctx context.Context) (string, error) { return "10.0.0.1", nil }
func (f *fakeProvider) DeleteNode(ctx context.Context, ip string) error { return nil }
func (f *fakeProvider) ListNodes(ctx context.Context) ([]string, error) { return f.ips, nil }

func newFake(name string, priority, maxNodes int) *fakeProvider {
	return &fakeProvider{
		name: name,
		cfg: config.Cloud{
			Name:          name,
			Priority:      priority,
			MaxNodes:      maxNodes,
			IdleTolerance: 2 * time.Minute,
			Platforms:     []string{"debian-11"},
		},
	}
}

func newTestCoordinator(t *testing.T, drivers ...Provider) *Coordinator {
	t.Helper()
	return NewCoordinator(drivers, nil, nil, nil, nil, nil, nil,
		time.Second, zap.NewNop())
}

func TestDisabledProviderIsDropped(t *testing.T) {
	c := newTestCoordinator(t, newFake("a", 10, 0), newFake("b", 5, 5))
	require.Len(t, c.providers, 1)
	assert.Equal(t, "b", c.providers[0].driver.Name())
}

func TestByPriorityOrdersDescending(t *testing.T) {
	c := newTestCoordinator(t,
		newFake("low", 5, 5), newFake("high", 10, 1), newFake("mid", 7, 5))

	ordered := c.byPriority(map[string]int{})
	require.Len(t, ordered, 3)
	assert.Equal(t, "high", ordered[0].driver.Name())
	assert.Equal(t, "mid", ordered[1].driver.Name())
	assert.Equal(t, "low", ordered[2].driver.Name())
}

func TestByPriorityTieBreaksOnUtilization(t *testing.T) {
	c := newTestCoordinator(t, newFake("a", 5, 10), newFake("b", 5, 10))

	// a runs 8/10, b runs 2/10: the emptier provider goes first
	ordered := c.byPriority(map[string]int{"a": 8, "b": 2})
	assert.Equal(t, "b", ordered[0].driver.Name())
	assert.Equal(t, "a", ordered[1].driver.Name())
}

func TestActiveCountIncludesInflight(t *testing.T) {
	c := newTestCoordinator(t, newFake("a", 5, 3))
	entry := c.providers[0]

	assert.Equal(t, 2, c.activeCount(entry, map[string]int{"a": 2}))
	c.markInflight("a", +1)
	assert.Equal(t, 3, c.activeCount(entry, map[string]int{"a": 2}))
	c.markInflight("a", -1)
	assert.Equal(t, 2, c.activeCount(entry, map[string]int{"a": 2}))
}

func TestShunCoolOff(t *testing.T) {
	c := newTestCoordinator(t, newFake("a", 5, 3))

	assert.False(t, c.isShunned("a"))
	c.shun("a")
	assert.True(t, c.isShunned("a"))

	// an expired cool-off no longer shuns
	c.mu.Lock()
	c.shunnedTill["a"] = time.Now().Add(-time.Second)
	c.mu.Unlock()
	assert.False(t, c.isShunned("a"))
}

func TestSupportsAny(t *testing.T) {
	c := newTestCoordinator(t, newFake("a", 5, 3))
	cfg := c.providers[0].cfg

	assert.True(t, c.supportsAny(cfg, []string{"windows-10", "debian-11"}))
	assert.False(t, c.supportsAny(cfg, []string{"windows-10"}))
	assert.False(t, c.supportsAny(cfg, nil))
}

func TestIdleTolerance(t *testing.T) {
	c := newTestCoordinator(t, newFake("a", 5, 3))
	assert.Equal(t, 2*time.Minute, c.idleTolerance("a"))
	// unknown clouds fall back to a safe default
	assert.Equal(t, time.Minute, c.idleTolerance("zzz"))
}

func TestMarkBusyMarkFree(t *testing.T) {
	c := newTestCoordinator(t, newFake("a", 5, 3))

	c.MarkFree("10.0.0.9")
	c.mu.Lock()
	first, ok := c.idleSince["10.0.0.9"]
	c.mu.Unlock()
	require.True(t, ok)

	// repeated MarkFree does not reset the idle clock
	c.MarkFree("10.0.0.9")
	c.mu.Lock()
	second := c.idleSince["10.0.0.9"]
	c.mu.Unlock()
	assert.Equal(t, first, second)

	c.MarkBusy("10.0.0.9")
	c.mu.Lock()
	_, ok = c.idleSince["10.0.0.9"]
	c.mu.Unlock()
	assert.False(t, ok)
}
