package config

import (
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/ini.v1"
)

// Local is the [local] section: paths on the scheduler host and the
// per-process rate limits.
type Local struct {
	DataDir    string
	TasksDir   string
	EnginesDir string
	KeysDir    string

	// StatusAddr is the listen address of the read-only status API;
	// empty disables it.
	StatusAddr string

	WebhookReqsLimit int

	ConnMachineLimit   int
	ConnMachinePending int
	AllocateLimit      int
	AllocatePending    int
	ConsumeLimit       int
	ConsumePending     int
	DeallocateLimit    int
	DeallocatePending  int
}

var localKnownKeys = map[string]bool{
	"data_dir": true, "tasks_dir": true, "engines_dir": true,
	"keys_dir": true, "status_addr": true,
	"webhook_reqs_limit": true,
	"conn_machine_limit": true, "conn_machine_pending": true,
	"allocate_limit": true, "allocate_pending": true,
	"consume_limit": true, "consume_pending": true,
	"deallocate_limit": true, "deallocate_pending": true,
}

func localFromSection(sec *ini.Section, log *zap.Logger) (Local, error) {
	warnUnknownKeys(sec, localKnownKeys, log)

	dataDir, err := filepath.Abs(keyOr(sec, "data_dir", "./data"))
	if err != nil {
		return Local{}, invalidf("local.data_dir: %v", err)
	}

	subdir := func(key, fallback string) (string, error) {
		v := sec.Key(key).String()
		if v == "" {
			return filepath.Join(dataDir, fallback), nil
		}
		return filepath.Abs(v)
	}

	l := Local{DataDir: dataDir}
	if l.TasksDir, err = subdir("tasks_dir", "tasks"); err != nil {
		return Local{}, invalidf("local.tasks_dir: %v", err)
	}
	if l.EnginesDir, err = subdir("engines_dir", "engines"); err != nil {
		return Local{}, invalidf("local.engines_dir: %v", err)
	}
	if l.KeysDir, err = subdir("keys_dir", "keys"); err != nil {
		return Local{}, invalidf("local.keys_dir: %v", err)
	}
	l.StatusAddr = sec.Key("status_addr").String()

	limits := []struct {
		name     string
		fallback int
		dst      *int
	}{
		{"webhook_reqs_limit", 5, &l.WebhookReqsLimit},
		{"conn_machine_limit", 5, &l.ConnMachineLimit},
		{"conn_machine_pending", 10, &l.ConnMachinePending},
		{"allocate_limit", 10, &l.AllocateLimit},
		{"allocate_pending", 1, &l.AllocatePending},
		{"consume_limit", 5, &l.ConsumeLimit},
		{"consume_pending", 1, &l.ConsumePending},
		{"deallocate_limit", 5, &l.DeallocateLimit},
		{"deallocate_pending", 1, &l.DeallocatePending},
	}
	for _, lim := range limits {
		n := sec.Key(lim.name).MustInt(lim.fallback)
		if n < 1 {
			return Local{}, invalidf("local.%s must be >= 1", lim.name)
		}
		*lim.dst = n
	}

	return l, nil
}
