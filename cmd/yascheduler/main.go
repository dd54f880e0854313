// The yascheduler daemon: runs the reconciler, the cloud coordinator
// and the status API in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tilde-lab/yascheduler/api/rest/routes"
	"github.com/tilde-lab/yascheduler/config"
	"github.com/tilde-lab/yascheduler/config/logger"
	"github.com/tilde-lab/yascheduler/core/cloud"
	"github.com/tilde-lab/yascheduler/core/deployer"
	"github.com/tilde-lab/yascheduler/core/keys"
	"github.com/tilde-lab/yascheduler/core/limits"
	"github.com/tilde-lab/yascheduler/core/remote"
	"github.com/tilde-lab/yascheduler/core/repository"
	"github.com/tilde-lab/yascheduler/core/scheduler"
	"github.com/tilde-lab/yascheduler/providers/aws"
	"github.com/tilde-lab/yascheduler/providers/hetzner"
)

func main() {
	var (
		pidFile = flag.String("p", config.PidPath(), "pid file path")
		logFile = flag.String("l", config.LogPath(), "log file path")
		debug   = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	log, err := logger.Build(*debug, *logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log, *pidFile); err != nil {
		log.Fatal("daemon failed", zap.Error(err))
	}
}

func run(log *zap.Logger, pidFile string) error {
	cfg, err := config.Load(config.ConfigPath(), log)
	if err != nil {
		return err
	}

	if err := writePidFile(pidFile); err != nil {
		return err
	}
	defer os.Remove(pidFile)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// database
	db, err := repository.NewDB(cfg.Db.ConnectionString())
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info("database connected")

	taskRepo := repository.NewTaskRepository(db)
	nodeRepo := repository.NewNodeRepository(db)

	// ssh keypair
	keyMgr := keys.NewManager(cfg.Local.KeysDir, log)
	if err := keyMgr.Init(); err != nil {
		return err
	}

	lim := limits.New(limits.Bounds{
		ConnMachineLimit:   cfg.Local.ConnMachineLimit,
		ConnMachinePending: cfg.Local.ConnMachinePending,
		AllocateLimit:      cfg.Local.AllocateLimit,
		AllocatePending:    cfg.Local.AllocatePending,
		ConsumeLimit:       cfg.Local.ConsumeLimit,
		ConsumePending:     cfg.Local.ConsumePending,
		DeallocateLimit:    cfg.Local.DeallocateLimit,
		DeallocatePending:  cfg.Local.DeallocatePending,
		WebhookReqsLimit:   cfg.Local.WebhookReqsLimit,
	}, log)

	jumps := map[string]remote.JumpHost{}
	for _, cc := range cfg.Clouds {
		if cc.JumpHost != "" {
			jumps[cc.Name] = remote.JumpHost{User: cc.JumpUser, Host: cc.JumpHost}
		}
	}
	pool := remote.NewPool(cfg.Remote, keyMgr.Signer(), lim.ConnMachine, jumps, log)
	defer pool.Close()

	dep := deployer.NewDeployer(log)

	// cloud providers
	drivers, err := buildProviders(ctx, cfg, keyMgr, log)
	if err != nil {
		return err
	}
	tick := time.Duration(cfg.MinSleepInterval()) * time.Second
	coord := cloud.NewCoordinator(
		drivers, cfg.Engines, taskRepo, nodeRepo, pool, dep, lim, tick, log)
	go coord.Start(ctx)

	// status API
	if cfg.Local.StatusAddr != "" {
		r := mux.NewRouter()
		routes.SetupRoutes(r, db, log)
		server := &http.Server{Addr: cfg.Local.StatusAddr, Handler: r}
		go func() {
			log.Info("status API listening", zap.String("addr", cfg.Local.StatusAddr))
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("status API failed", zap.Error(err))
			}
		}()
		defer server.Shutdown(context.Background())
	}

	// reconciler, in the foreground
	webhooks := scheduler.NewWebhookSender(lim.WebhookReqs, log)
	var fleet scheduler.FleetManager
	if len(drivers) > 0 {
		fleet = coord
	}
	sched := scheduler.NewScheduler(
		cfg, taskRepo, nodeRepo, pool, dep, lim, webhooks, fleet, log)
	sched.Start(ctx)

	log.Info("shut down")
	return nil
}

func buildProviders(ctx context.Context, cfg *config.Config, keyMgr *keys.Manager, log *zap.Logger) ([]cloud.Provider, error) {
	// boot-time packages for every engine a cloud machine may host
	var packages []string
	seen := map[string]bool{}
	for _, eng := range cfg.Engines {
		for _, pkg := range eng.PlatformPackages {
			if !seen[pkg] {
				seen[pkg] = true
				packages = append(packages, pkg)
			}
		}
	}

	var drivers []cloud.Provider
	for _, cc := range cfg.Clouds {
		switch cc.Name {
		case config.CloudAWS:
			driver, err := aws.NewClient(ctx, cc, keyMgr.PublicKey(), packages, log)
			if err != nil {
				return nil, err
			}
			drivers = append(drivers, driver)
		case config.CloudHetzner:
			driver, err := hetzner.NewClient(ctx, cc, keyMgr.KeyName(), keyMgr.PublicKey(), packages, log)
			if err != nil {
				return nil, err
			}
			drivers = append(drivers, driver)
		}
	}
	return drivers, nil
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}
