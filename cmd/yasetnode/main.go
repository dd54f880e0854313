// yasetnode administers the node registry: add, enable, disable or
// remove a node.
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
	username := flag.String("u", "", "ssh username for add (defaults to remote.user)")
	flag.Parse()
	if flag.NArg() != 2 {
		fatal(fmt.Errorf("usage: yasetnode [-u user] <add|enable|disable|remove> <ip>"))
	}
	action, ip := flag.Arg(0), flag.Arg(1)

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

	switch action {
	case "add":
		err = c.AddNode(ctx, ip, *username)
	case "enable":
		err = c.SetNodeEnabled(ctx, ip, true)
	case "disable":
		err = c.SetNodeEnabled(ctx, ip, false)
	case "remove":
		err = c.RemoveNode(ctx, ip)
	default:
		err = fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		fatal(err)
	}
	fmt.Printf("%s: %s\n", action, ip)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "yasetnode:", err)
	os.Exit(1)
}
