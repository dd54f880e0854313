// yainit creates the database schema and the local data layout.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/tilde-lab/yascheduler/config"
	"github.com/tilde-lab/yascheduler/config/logger"
	"github.com/tilde-lab/yascheduler/core/keys"
	"github.com/tilde-lab/yascheduler/core/repository"
)

func main() {
	flag.Parse()

	log, err := logger.Build(false, "")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg, err := config.Load(config.ConfigPath(), log)
	if err != nil {
		fatal(err)
	}

	db, err := repository.NewDB(cfg.Db.ConnectionString())
	if err != nil {
		fatal(fmt.Errorf("connect database: %w", err))
	}
	defer db.Close()

	if err := db.CreateSchema(context.Background()); err != nil {
		fatal(fmt.Errorf("create schema: %w", err))
	}

	for _, dir := range []string{
		cfg.Local.DataDir, cfg.Local.TasksDir, cfg.Local.EnginesDir, cfg.Local.KeysDir,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fatal(err)
		}
	}

	keyMgr := keys.NewManager(cfg.Local.KeysDir, log)
	if err := keyMgr.Init(); err != nil {
		fatal(err)
	}

	fmt.Println("database schema and data layout initialized")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "yainit:", err)
	os.Exit(1)
}
