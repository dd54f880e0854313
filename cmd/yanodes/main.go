// yanodes lists the node registry.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/tilde-lab/yascheduler/config"
	"github.com/tilde-lab/yascheduler/config/logger"
	"github.com/tilde-lab/yascheduler/core/client"
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

	nodes, err := c.Nodes(context.Background())
	if err != nil {
		fatal(err)
	}
	for _, node := range nodes {
		state := "enabled"
		if !node.Enabled {
			state = "disabled"
		}
		cloud := node.Cloud
		if cloud == "" {
			cloud = "-"
		}
		fmt.Printf("%s\t%s\t%s\tncpus=%d\t%s\n",
			node.IP, state, cloud, node.NCpus, node.Username)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "yanodes:", err)
	os.Exit(1)
}
