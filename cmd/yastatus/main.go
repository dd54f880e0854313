// yastatus prints task status, by id or as per-status counts.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/tilde-lab/yascheduler/config"
	"github.com/tilde-lab/yascheduler/config/logger"
	"github.com/tilde-lab/yascheduler/core/client"
	"github.com/tilde-lab/yascheduler/core/models"
)

func main() {
	flag.Parse()

	log, err := logger.Build(false, "")
	if err != nil {
		fatal(err)
	}
	cfg, err := config.Load(config.ConfigPath(), log)
	if err != nil {
		fatal(err)
	}
	c, err := client.New(cfg, log)
	if err != nil {
		fatal(err)
	}
	ctx := context.Background()

	if flag.NArg() == 0 {
		counts, err := c.TaskCounts(ctx)
		if err != nil {
			fatal(err)
		}
		for _, status := range []models.TaskStatus{
			models.StatusToDo, models.StatusRunning, models.StatusDone,
		} {
			fmt.Printf("%s\t%d\n", status, counts[status])
		}
		return
	}

	ids := make([]int, 0, flag.NArg())
	for _, arg := range flag.Args() {
		id, err := strconv.Atoi(arg)
		if err != nil {
			fatal(fmt.Errorf("invalid task id %q", arg))
		}
		ids = append(ids, id)
	}
	tasks, err := c.Tasks(ctx, ids, nil)
	if err != nil {
		fatal(err)
	}
	for _, task := range tasks {
		ip := task.IP
		if ip == "" {
			ip = "-"
		}
		fmt.Printf("%d\t%s\t%s\t%s\n", task.TaskID, task.Status, ip, task.Label)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "yastatus:", err)
	os.Exit(1)
}
