// yasubmit submits one task described by a YAML file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tilde-lab/yascheduler/config"
	"github.com/tilde-lab/yascheduler/config/logger"
	"github.com/tilde-lab/yascheduler/core/client"
)

// taskSpec is the YAML task description:
//
//	label: my calculation
//	engine: dummy
//	webhook_url: https://example.org/hook
//	ncpus: 4
//	inputs:
//	  1.input: "inline file content"
//	input_files:
//	  2.input: ./local/path/2.input
type taskSpec struct {
	Label           string            `yaml:"label"`
	Engine          string            `yaml:"engine"`
	WebhookURL      string            `yaml:"webhook_url"`
	WebhookOnSubmit bool              `yaml:"webhook_onsubmit"`
	NCpus           int               `yaml:"ncpus"`
	Inputs          map[string]string `yaml:"inputs"`
	InputFiles      map[string]string `yaml:"input_files"`
}

func main() {
	specPath := flag.String("f", "", "task spec file (YAML)")
	flag.Parse()
	if *specPath == "" {
		fatal(fmt.Errorf("usage: yasubmit -f task.yml"))
	}

	data, err := os.ReadFile(*specPath)
	if err != nil {
		fatal(err)
	}
	var spec taskSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		fatal(fmt.Errorf("parse %s: %w", *specPath, err))
	}

	inputs := map[string]string{}
	for name, content := range spec.Inputs {
		inputs[name] = content
	}
	for name, path := range spec.InputFiles {
		content, err := os.ReadFile(path)
		if err != nil {
			fatal(err)
		}
		inputs[name] = string(content)
	}

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

	taskID, err := c.Submit(context.Background(), client.SubmitRequest{
		Label:           spec.Label,
		Engine:          spec.Engine,
		Inputs:          inputs,
		WebhookURL:      spec.WebhookURL,
		WebhookOnSubmit: spec.WebhookOnSubmit,
		NCpus:           spec.NCpus,
	})
	if err != nil {
		fatal(err)
	}
	fmt.Println(taskID)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "yasubmit:", err)
	os.Exit(1)
}
