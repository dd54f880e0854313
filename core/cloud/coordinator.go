// Package cloud owns the node fleet: it scales providers up to satisfy
// pending work and down on sustained idleness, and keeps the registry
// consistent with what the providers actually run.
package cloud

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tilde-lab/yascheduler/config"
	"github.com/tilde-lab/yascheduler/core/deployer"
	"github.com/tilde-lab/yascheduler/core/limits"
	"github.com/tilde-lab/yascheduler/core/models"
	"github.com/tilde-lab/yascheduler/core/remote"
	"github.com/tilde-lab/yascheduler/core/repository"
)

// shunCoolOff is how long a provider is skipped after an API error.
const shunCoolOff = 5 * time.Minute

// Coordinator runs the scale-up and scale-down control loops.
type Coordinator struct {
	providers []providerEntry
	engines   map[string]*config.Engine
	taskRepo  *repository.TaskRepository
	nodeRepo  *repository.NodeRepository
	pool      *remote.Pool
	deployer  *deployer.Deployer
	limits    *limits.Limits
	interval  time.Duration
	log       *zap.Logger

	mu          sync.Mutex
	idleSince   map[string]time.Time
	shunnedTill map[string]time.Time
	inflight    map[string]int // creations per provider not yet registered
	wg          sync.WaitGroup
}

type providerEntry struct {
	driver Provider
	cfg    config.Cloud
}

// Provider mirrors providers.Provider; declared here so the loops can
// be tested against fakes without real SDK clients.
type Provider interface {
	Name() string
	Config() config.Cloud
	CreateNode(ctx context.Context) (string, error)
	DeleteNode(ctx context.Context, ip string) error
	ListNodes(ctx context.Context) ([]string, error)
}

// NewCoordinator creates the coordinator. Providers with max_nodes < 1
// are dropped here, disabling the cloud entirely.
func NewCoordinator(
	drivers []Provider,
	engines map[string]*config.Engine,
	taskRepo *repository.TaskRepository,
	nodeRepo *repository.NodeRepository,
	pool *remote.Pool,
	dep *deployer.Deployer,
	lim *limits.Limits,
	interval time.Duration,
	log *zap.Logger,
) *Coordinator {
	c := &Coordinator{
		engines:     engines,
		taskRepo:    taskRepo,
		nodeRepo:    nodeRepo,
		pool:        pool,
		deployer:    dep,
		limits:      lim,
		interval:    interval,
		log:         log.Named("cloud"),
		idleSince:   map[string]time.Time{},
		shunnedTill: map[string]time.Time{},
		inflight:    map[string]int{},
	}
	for _, d := range drivers {
		cfg := d.Config()
		if !cfg.Enabled() {
			c.log.Warn("cloud disabled by max_nodes < 1",
				zap.String("cloud", d.Name()))
			continue
		}
		c.providers = append(c.providers, providerEntry{driver: d, cfg: cfg})
	}
	return c
}

// Start runs both control loops until the context is canceled.
func (c *Coordinator) Start(ctx context.Context) {
	if len(c.providers) == 0 {
		c.log.Info("no cloud providers configured")
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			return
		case <-ticker.C:
			c.scaleUp(ctx)
			c.scaleDown(ctx)
		}
	}
}

// scaleUp asks providers for new nodes while there are TO_DO tasks no
// currently free node can serve.
func (c *Coordinator) scaleUp(ctx context.Context) {
	need, platforms, err := c.uncoveredBacklog(ctx)
	if err != nil {
		c.log.Error("backlog check failed", zap.Error(err))
		return
	}
	if need == 0 {
		return
	}

	counts, err := c.nodeRepo.CountByCloud(ctx)
	if err != nil {
		c.log.Error("node count failed", zap.Error(err))
		return
	}

	for _, entry := range c.byPriority(counts) {
		if need == 0 {
			break
		}
		if c.isShunned(entry.driver.Name()) {
			continue
		}
		if !c.supportsAny(entry.cfg, platforms) {
			continue
		}
		for need > 0 && c.activeCount(entry, counts) < entry.cfg.MaxNodes {
			if !c.limits.Allocate.TryAcquire() {
				// allocation slots exhausted; this tick's excess
				// demand is dropped, the next tick recomputes it
				return
			}
			c.markInflight(entry.driver.Name(), +1)
			need--
			c.wg.Add(1)
			go func(entry providerEntry) {
				defer c.wg.Done()
				defer c.limits.Allocate.Release()
				defer c.markInflight(entry.driver.Name(), -1)
				c.allocateOne(ctx, entry)
			}(entry)
		}
	}
}

// uncoveredBacklog counts TO_DO tasks whose engine has no free
// matching node right now, and collects the platforms they need.
func (c *Coordinator) uncoveredBacklog(ctx context.Context) (int, []string, error) {
	todo, err := c.taskRepo.ListByStatus(ctx, models.StatusToDo)
	if err != nil {
		return 0, nil, err
	}
	if len(todo) == 0 {
		return 0, nil, nil
	}
	free, err := c.nodeRepo.ListFree(ctx)
	if err != nil {
		return 0, nil, err
	}

	need := 0
	var platforms []string
	seen := map[string]bool{}
	for _, task := range todo {
		eng := c.engines[task.EngineName()]
		if eng == nil {
			continue
		}
		if c.freeNodeFor(eng, free) {
			continue
		}
		need++
		for _, p := range eng.Platforms {
			if !seen[p] {
				seen[p] = true
				platforms = append(platforms, p)
			}
		}
	}
	return need, platforms, nil
}

// freeNodeFor reports whether some free node can run the engine. A
// node whose platform has not been probed yet is assumed capable; the
// assignment path probes it before dispatch.
func (c *Coordinator) freeNodeFor(eng *config.Engine, free []*models.Node) bool {
	for _, node := range free {
		m := c.pool.Cached(node.IP)
		if m == nil || eng.SupportsAnyPlatform(m.Platforms) {
			return true
		}
	}
	return false
}

func (c *Coordinator) supportsAny(cfg config.Cloud, platforms []string) bool {
	for _, want := range platforms {
		for _, have := range cfg.Platforms {
			if want == have {
				return true
			}
		}
	}
	return false
}

// byPriority orders providers by descending priority, then ascending
// utilization ratio.
func (c *Coordinator) byPriority(counts map[string]int) []providerEntry {
	entries := append([]providerEntry(nil), c.providers...)
	ratio := func(e providerEntry) float64 {
		return float64(c.activeCount(e, counts)) / float64(e.cfg.MaxNodes)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].cfg.Priority != entries[j].cfg.Priority {
			return entries[i].cfg.Priority > entries[j].cfg.Priority
		}
		return ratio(entries[i]) < ratio(entries[j])
	})
	return entries
}

// activeCount is registered nodes plus creations still in flight, so
// max_nodes holds under concurrency.
func (c *Coordinator) activeCount(e providerEntry, counts map[string]int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return counts[e.driver.Name()] + c.inflight[e.driver.Name()]
}

func (c *Coordinator) markInflight(name string, delta int) {
	c.mu.Lock()
	c.inflight[name] += delta
	c.mu.Unlock()
}

func (c *Coordinator) isShunned(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Before(c.shunnedTill[name])
}

func (c *Coordinator) shun(name string) {
	c.mu.Lock()
	c.shunnedTill[name] = time.Now().Add(shunCoolOff)
	c.mu.Unlock()
	c.log.Warn("provider shunned after API error",
		zap.String("cloud", name), zap.Duration("cool_off", shunCoolOff))
}

// allocateOne creates, registers and provisions a single node.
func (c *Coordinator) allocateOne(ctx context.Context, entry providerEntry) {
	name := entry.driver.Name()
	c.log.Info("allocating node", zap.String("cloud", name))

	ip, err := entry.driver.CreateNode(ctx)
	if err != nil {
		c.log.Error("node creation failed",
			zap.String("cloud", name), zap.Error(err))
		c.shun(name)
		return
	}

	node := &models.Node{
		IP:       ip,
		Enabled:  false, // not assignable until provisioned
		Cloud:    name,
		Username: entry.cfg.User,
	}
	if err := c.nodeRepo.Add(ctx, node); err != nil {
		c.log.Error("node registration failed",
			zap.String("ip", ip), zap.Error(err))
		entry.driver.DeleteNode(ctx, ip)
		return
	}

	if err := c.provision(ctx, node); err != nil {
		c.log.Error("node setup failed, deallocating",
			zap.String("ip", ip), zap.Error(err))
		c.Deallocate(ctx, ip)
		return
	}

	c.mu.Lock()
	c.idleSince[ip] = time.Now()
	c.mu.Unlock()
	c.log.Info("node ready", zap.String("cloud", name), zap.String("ip", ip))
}

// provision waits out cloud-init, probes the machine, deploys every
// engine the platform supports and finally enables the node.
func (c *Coordinator) provision(ctx context.Context, node *models.Node) error {
	m, err := c.pool.Get(ctx, node)
	if err != nil {
		return err
	}
	if m.PlatformTag() != "" && m.Platforms[len(m.Platforms)-1] == "linux" {
		// returns once boot-time package installs are finished
		if _, err := m.Exec(ctx, "cloud-init status --wait"); err != nil {
			return err
		}
	}
	if err := c.nodeRepo.SetNCpus(ctx, node.IP, m.NCpus); err != nil {
		return err
	}
	for _, eng := range c.engines {
		if err := c.deployer.EnsureEngine(ctx, m, eng); err != nil {
			return err
		}
	}
	return c.nodeRepo.SetEnabled(ctx, node.IP, true)
}

// scaleDown reconciles the registry against the providers and deletes
// nodes that stayed idle past their provider's tolerance.
func (c *Coordinator) scaleDown(ctx context.Context) {
	c.reconcileRegistry(ctx)

	nodes, err := c.nodeRepo.List(ctx)
	if err != nil {
		c.log.Error("node list failed", zap.Error(err))
		return
	}
	busy, err := c.taskRepo.ListBusyIPs(ctx)
	if err != nil {
		c.log.Error("busy list failed", zap.Error(err))
		return
	}

	now := time.Now()
	for _, node := range nodes {
		if !node.CloudOwned() {
			continue
		}
		if busy[node.IP] {
			c.mu.Lock()
			delete(c.idleSince, node.IP)
			c.mu.Unlock()
			continue
		}
		if !node.Enabled {
			continue
		}

		c.mu.Lock()
		since, ok := c.idleSince[node.IP]
		if !ok {
			// first tick observing this node free
			since = now
			c.idleSince[node.IP] = now
		}
		c.mu.Unlock()

		tolerance := c.idleTolerance(node.Cloud)
		if now.Sub(since) < tolerance {
			continue
		}
		if !c.limits.Deallocate.TryAcquire() {
			return
		}
		c.wg.Add(1)
		go func(ip string) {
			defer c.wg.Done()
			defer c.limits.Deallocate.Release()
			c.log.Info("deallocating idle node", zap.String("ip", ip))
			c.Deallocate(ctx, ip)
		}(node.IP)
	}
}

// reconcileRegistry drops registered cloud nodes the provider no
// longer runs, recovering any tasks that were RUNNING on them.
func (c *Coordinator) reconcileRegistry(ctx context.Context) {
	nodes, err := c.nodeRepo.List(ctx)
	if err != nil {
		return
	}
	byCloud := map[string][]*models.Node{}
	for _, n := range nodes {
		if n.CloudOwned() {
			byCloud[n.Cloud] = append(byCloud[n.Cloud], n)
		}
	}

	for _, entry := range c.providers {
		registered := byCloud[entry.driver.Name()]
		if len(registered) == 0 {
			continue
		}
		live, err := entry.driver.ListNodes(ctx)
		if err != nil {
			c.log.Warn("provider list failed",
				zap.String("cloud", entry.driver.Name()), zap.Error(err))
			c.shun(entry.driver.Name())
			continue
		}
		alive := map[string]bool{}
		for _, ip := range live {
			alive[ip] = true
		}
		for _, node := range registered {
			if alive[node.IP] {
				continue
			}
			c.log.Warn("node vanished out-of-band",
				zap.String("cloud", entry.driver.Name()),
				zap.String("ip", node.IP))
			c.dropNode(ctx, node.IP)
		}
	}
}

// Deallocate disables a node, recovers its tasks, deletes the machine
// at the provider and deregisters it. Safe to call for already-deleted
// machines.
func (c *Coordinator) Deallocate(ctx context.Context, ip string) {
	node, err := c.nodeRepo.Get(ctx, ip)
	if err != nil || node == nil || !node.CloudOwned() {
		return
	}

	var driver Provider
	for _, entry := range c.providers {
		if entry.driver.Name() == node.Cloud {
			driver = entry.driver
			break
		}
	}
	if driver == nil {
		c.log.Warn("cannot deallocate, unsupported cloud",
			zap.String("ip", ip), zap.String("cloud", node.Cloud))
		return
	}

	// disable first so no new task is assigned while we tear down
	if err := c.nodeRepo.SetEnabled(ctx, ip, false); err != nil {
		c.log.Error("disable failed", zap.String("ip", ip), zap.Error(err))
		return
	}
	if err := c.taskRepo.RecoverOrphans(ctx, []string{ip}); err != nil {
		c.log.Error("orphan recovery failed", zap.String("ip", ip), zap.Error(err))
	}
	if err := driver.DeleteNode(ctx, ip); err != nil {
		c.log.Error("provider delete failed", zap.String("ip", ip), zap.Error(err))
		c.shun(node.Cloud)
		return
	}
	c.dropNode(ctx, ip)
	c.log.Info("node deallocated", zap.String("ip", ip))
}

// dropNode removes all traces of a node that no longer exists.
func (c *Coordinator) dropNode(ctx context.Context, ip string) {
	if err := c.taskRepo.RecoverOrphans(ctx, []string{ip}); err != nil {
		c.log.Error("orphan recovery failed", zap.String("ip", ip), zap.Error(err))
	}
	if err := c.nodeRepo.Remove(ctx, ip); err != nil {
		c.log.Error("deregister failed", zap.String("ip", ip), zap.Error(err))
	}
	c.pool.Forget(ip)
	c.mu.Lock()
	delete(c.idleSince, ip)
	c.mu.Unlock()
}

// MarkBusy resets idle bookkeeping when a task lands on a node.
func (c *Coordinator) MarkBusy(ip string) {
	c.mu.Lock()
	delete(c.idleSince, ip)
	c.mu.Unlock()
}

// MarkFree starts the idle clock when a node's task finishes.
func (c *Coordinator) MarkFree(ip string) {
	c.mu.Lock()
	if _, ok := c.idleSince[ip]; !ok {
		c.idleSince[ip] = time.Now()
	}
	c.mu.Unlock()
}

func (c *Coordinator) idleTolerance(cloud string) time.Duration {
	for _, entry := range c.providers {
		if entry.driver.Name() == cloud {
			return entry.cfg.IdleTolerance
		}
	}
	return time.Minute
}
