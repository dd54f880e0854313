package config

import (
	"go.uber.org/zap"
	"gopkg.in/ini.v1"
)

// Remote is the [remote] section: layout on the worker nodes and the
// default SSH user for statically registered nodes.
//
// Paths here are deliberately strings, not filepath values: they are
// interpreted on the remote host. An absolute path is used verbatim;
// a relative one resolves under the remote user's home. Separator
// style is decided by the probed platform of each node.
type Remote struct {
	DataDir    string
	TasksDir   string
	EnginesDir string
	User       string
}

var remoteKnownKeys = map[string]bool{
	"data_dir": true, "tasks_dir": true, "engines_dir": true, "user": true,
}

func remoteFromSection(sec *ini.Section, log *zap.Logger) (Remote, error) {
	warnUnknownKeys(sec, remoteKnownKeys, log)
	dataDir := keyOr(sec, "data_dir", "./data")
	return Remote{
		DataDir:    dataDir,
		TasksDir:   keyOr(sec, "tasks_dir", dataDir+"/tasks"),
		EnginesDir: keyOr(sec, "engines_dir", dataDir+"/engines"),
		User:       keyOr(sec, "user", "root"),
	}, nil
}
