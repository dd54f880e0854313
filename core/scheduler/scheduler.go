// Package scheduler contains the central reconciler: it harvests
// finished tasks, recovers orphans at startup, assigns ready tasks to
// free nodes and drains webhooks. All state lives in the database;
// every tick re-derives the world from it.
package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
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

// shutdownGrace bounds how long Start waits for in-flight transfers
// once its context is canceled.
const shutdownGrace = 30 * time.Second

// FleetManager is the coordinator surface the reconciler needs; nil
// when no clouds are configured.
type FleetManager interface {
	MarkBusy(ip string)
	MarkFree(ip string)
	Deallocate(ctx context.Context, ip string)
}

// Scheduler drives task transitions.
type Scheduler struct {
	cfg      *config.Config
	taskRepo *repository.TaskRepository
	nodeRepo *repository.NodeRepository
	pool     *remote.Pool
	deployer *deployer.Deployer
	limits   *limits.Limits
	webhooks *WebhookSender
	fleet    FleetManager
	log      *zap.Logger

	wg sync.WaitGroup
}

// NewScheduler creates the reconciler.
func NewScheduler(
	cfg *config.Config,
	taskRepo *repository.TaskRepository,
	nodeRepo *repository.NodeRepository,
	pool *remote.Pool,
	dep *deployer.Deployer,
	lim *limits.Limits,
	webhooks *WebhookSender,
	fleet FleetManager,
	log *zap.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		taskRepo: taskRepo,
		nodeRepo: nodeRepo,
		pool:     pool,
		deployer: dep,
		limits:   lim,
		webhooks: webhooks,
		fleet:    fleet,
		log:      log.Named("scheduler"),
	}
}

// Start runs the reconciler loop until the context is canceled, then
// waits out in-flight work for a bounded grace period. RUNNING tasks
// are never killed; they resume monitoring after restart.
func (s *Scheduler) Start(ctx context.Context) {
	if err := s.recover(ctx); err != nil {
		s.log.Error("startup recovery failed", zap.Error(err))
	}

	interval := time.Duration(s.cfg.MinSleepInterval()) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.log.Info("reconciler started", zap.Duration("tick", interval))

	for {
		select {
		case <-ctx.Done():
			s.waitGrace()
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) waitGrace() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		s.log.Warn("shutdown grace period elapsed with work in flight")
	}
}

// tick is one reconciler pass: harvest, assign, webhooks.
func (s *Scheduler) tick(ctx context.Context) {
	s.harvest(ctx)
	s.assign(ctx)
	s.webhooks.Drain(ctx)
}

// recover runs once at startup: RUNNING tasks whose node left the
// registry go back to TO_DO. Tasks on live nodes just resume
// monitoring; the first harvest distinguishes alive from finished.
func (s *Scheduler) recover(ctx context.Context) error {
	running, err := s.taskRepo.ListRunning(ctx)
	if err != nil {
		return err
	}
	var dead []string
	for _, task := range running {
		node, err := s.nodeRepo.Get(ctx, task.IP)
		if err != nil {
			return err
		}
		if node == nil {
			dead = append(dead, task.IP)
		}
	}
	if len(dead) > 0 {
		s.log.Info("recovering orphaned tasks", zap.Strings("ips", dead))
		return s.taskRepo.RecoverOrphans(ctx, dead)
	}
	return nil
}

// harvest polls liveness of every RUNNING task and collects results of
// the finished ones.
func (s *Scheduler) harvest(ctx context.Context) {
	running, err := s.taskRepo.ListRunning(ctx)
	if err != nil {
		s.log.Error("list running failed", zap.Error(err))
		return
	}

	for _, task := range running {
		task := task
		eng := s.cfg.Engine(task.EngineName())
		if eng == nil {
			s.log.Error("running task has unknown engine, finishing",
				zap.Int("task_id", task.TaskID),
				zap.String("engine", task.EngineName()))
			s.finish(ctx, task, []string{"unknown engine " + task.EngineName()})
			continue
		}

		node, err := s.nodeRepo.Get(ctx, task.IP)
		if err != nil {
			s.log.Error("node lookup failed", zap.Error(err))
			continue
		}
		if node == nil {
			// node deleted while RUNNING
			if err := s.taskRepo.RecoverOrphans(ctx, []string{task.IP}); err != nil {
				s.log.Error("orphan recovery failed", zap.Error(err))
			}
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.harvestOne(ctx, task, node, eng)
		}()
	}
	s.wg.Wait()
}

func (s *Scheduler) harvestOne(ctx context.Context, task *models.Task, node *models.Node, eng *config.Engine) {
	m, err := s.pool.Get(ctx, node)
	if err != nil {
		s.nodeFailure(ctx, node, err)
		return
	}

	unlock := s.pool.Lock(node.IP)
	alive, err := m.ProcessAlive(ctx, eng.Check)
	unlock()
	if err != nil {
		// transient: the task stays RUNNING, next tick retries
		s.log.Warn("liveness check failed",
			zap.Int("task_id", task.TaskID),
			zap.String("ip", node.IP), zap.Error(err))
		return
	}
	if alive {
		return
	}

	// process gone: completion and crash look the same here, the
	// output files tell consumers apart
	if err := s.limits.Consume.Acquire(ctx); err != nil {
		return
	}
	defer s.limits.Consume.Release()

	unlock = s.pool.Lock(node.IP)
	errs := s.downloadResults(m, task, eng)
	unlock()
	s.finish(ctx, task, errs)
}

// downloadResults fetches the declared output files into the local
// task folder. Per-file failures are reported, not hidden.
func (s *Scheduler) downloadResults(m *remote.Machine, task *models.Task, eng *config.Engine) []string {
	remoteDir := m.TaskDir(task.TaskID)
	localDir := s.localTaskDir(task)

	pairs := make([]remote.FilePair, 0, len(eng.OutputFiles))
	for _, name := range eng.OutputFiles {
		pairs = append(pairs, remote.FilePair{
			Local:  filepath.Join(localDir, name),
			Remote: remoteDir + "/" + name,
		})
	}
	transferErrs := m.Download(pairs)
	errs := make([]string, 0, len(transferErrs))
	for _, te := range transferErrs {
		errs = append(errs, te.Error())
	}
	return errs
}

// finish marks a task DONE regardless of download outcome, recording
// any per-file errors, and queues its webhook.
func (s *Scheduler) finish(ctx context.Context, task *models.Task, downloadErrs []string) {
	meta := task.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	if len(downloadErrs) > 0 {
		meta[models.MetaDownloadErrors] = downloadErrs
	}
	if err := s.taskRepo.Finish(ctx, task.TaskID, meta); err != nil {
		s.log.Error("finish failed", zap.Int("task_id", task.TaskID), zap.Error(err))
		return
	}
	task.Status = models.StatusDone
	task.Metadata = meta
	if s.fleet != nil {
		s.fleet.MarkFree(task.IP)
	}
	s.log.Info("task done",
		zap.Int("task_id", task.TaskID),
		zap.String("label", task.Label),
		zap.Int("download_errors", len(downloadErrs)))
	s.webhooks.Enqueue(task)
}

// assign claims ready tasks for free nodes and dispatches them.
func (s *Scheduler) assign(ctx context.Context) {
	free, err := s.nodeRepo.ListFree(ctx)
	if err != nil {
		s.log.Error("list free nodes failed", zap.Error(err))
		return
	}
	if len(free) == 0 {
		return
	}

	// engine -> free node IPs whose platforms cover it
	eligible := map[string][]string{}
	machines := map[string]*remote.Machine{}
	nodes := map[string]*models.Node{}
	for _, node := range free {
		m, err := s.pool.Get(ctx, node)
		if err != nil {
			s.nodeFailure(ctx, node, err)
			continue
		}
		machines[node.IP] = m
		nodes[node.IP] = node
		for _, eng := range s.cfg.Engines {
			if eng.SupportsAnyPlatform(m.Platforms) {
				eligible[eng.Name] = append(eligible[eng.Name], node.IP)
			}
		}
	}
	if len(eligible) == 0 {
		return
	}

	assignments, err := s.taskRepo.ClaimReadyTasks(ctx, eligible)
	if err != nil {
		s.log.Error("claim failed", zap.Error(err))
		return
	}

	for _, a := range assignments {
		a := a
		if err := s.limits.Allocate.Acquire(ctx); err != nil {
			// over the allocation bound: hand the claim back, the
			// next tick will re-claim it
			s.requeue(ctx, a.Task)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.limits.Allocate.Release()
			s.dispatch(ctx, a.Task, nodes[a.IP], machines[a.IP])
		}()
	}
	s.wg.Wait()
}

// dispatch deploys the engine if absent, uploads inputs into a fresh
// remote task dir and spawns the engine process.
func (s *Scheduler) dispatch(ctx context.Context, task *models.Task, node *models.Node, m *remote.Machine) {
	eng := s.cfg.Engine(task.EngineName())
	if eng == nil {
		s.log.Error("claimed task has unknown engine",
			zap.Int("task_id", task.TaskID),
			zap.String("engine", task.EngineName()))
		s.finish(ctx, task, []string{"unknown engine " + task.EngineName()})
		return
	}

	unlock := s.pool.Lock(node.IP)
	defer unlock()

	if err := s.deployer.EnsureEngine(ctx, m, eng); err != nil {
		s.log.Error("engine deploy failed", zap.Error(err))
		s.nodeFailure(ctx, node, err)
		s.requeue(ctx, task)
		return
	}

	remoteDir := m.TaskDir(task.TaskID)
	if err := m.Mkdir(ctx, remoteDir); err != nil {
		s.log.Warn("task dir creation failed",
			zap.Int("task_id", task.TaskID), zap.Error(err))
		s.requeue(ctx, task)
		return
	}

	localDir := s.localTaskDir(task)
	pairs := make([]remote.FilePair, 0, len(eng.InputFiles))
	for _, name := range eng.InputFiles {
		pairs = append(pairs, remote.FilePair{
			Local:  filepath.Join(localDir, name),
			Remote: remoteDir + "/" + name,
		})
	}
	if errs := m.Upload(pairs); len(errs) > 0 {
		s.log.Warn("input upload failed",
			zap.Int("task_id", task.TaskID),
			zap.String("file", errs[0].File))
		s.requeue(ctx, task)
		return
	}

	command := SubstituteSpawn(eng.Spawn, remoteDir, m.EngineDir(eng.Name), s.ncpus(task, node, m))
	if err := m.SpawnDetached(ctx, command, remoteDir); err != nil {
		s.log.Warn("spawn failed",
			zap.Int("task_id", task.TaskID), zap.Error(err))
		s.requeue(ctx, task)
		return
	}

	if s.fleet != nil {
		s.fleet.MarkBusy(node.IP)
	}
	s.log.Info("task dispatched",
		zap.Int("task_id", task.TaskID),
		zap.String("label", task.Label),
		zap.String("ip", node.IP))
}

// ncpus resolves the placeholder: the task's requested value if set,
// else the node's probed count.
func (s *Scheduler) ncpus(task *models.Task, node *models.Node, m *remote.Machine) int {
	if n := task.RequestedNCpus(); n > 0 {
		return n
	}
	if node.NCpus > 0 {
		return node.NCpus
	}
	return m.NCpus
}

// SubstituteSpawn fills the spawn template. Templates with unknown
// placeholders never get this far: they are rejected at submission.
func SubstituteSpawn(spawn, taskPath, enginePath string, ncpus int) string {
	return strings.NewReplacer(
		"{task_path}", taskPath,
		"{engine_path}", enginePath,
		"{ncpus}", strconv.Itoa(ncpus),
	).Replace(spawn)
}

func (s *Scheduler) localTaskDir(task *models.Task) string {
	if dir, ok := task.Metadata[models.MetaLocalFolder].(string); ok && dir != "" {
		return dir
	}
	return filepath.Join(s.cfg.Local.TasksDir, strconv.Itoa(task.TaskID))
}

func (s *Scheduler) requeue(ctx context.Context, task *models.Task) {
	if err := s.taskRepo.Requeue(ctx, task.TaskID); err != nil {
		s.log.Error("requeue failed", zap.Int("task_id", task.TaskID), zap.Error(err))
	}
}

// nodeFailure handles unusable nodes: permanent auth failures and
// failed setups disable the node and, when cloud-owned, deallocate it.
// Transient connect errors leave the node active for the next tick.
func (s *Scheduler) nodeFailure(ctx context.Context, node *models.Node, err error) {
	var deployErr *deployer.ErrDeployFailed
	permanent := remote.IsAuthErr(err) || errors.As(err, &deployErr)
	if !permanent {
		s.log.Warn("node unreachable",
			zap.String("ip", node.IP), zap.Error(err))
		return
	}

	s.log.Error("disabling node", zap.String("ip", node.IP), zap.Error(err))
	if err := s.nodeRepo.SetEnabled(ctx, node.IP, false); err != nil {
		s.log.Error("disable failed", zap.String("ip", node.IP), zap.Error(err))
	}
	if node.CloudOwned() && s.fleet != nil {
		go s.fleet.Deallocate(context.WithoutCancel(ctx), node.IP)
	}
}
