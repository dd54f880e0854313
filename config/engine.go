package config

import (
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/ini.v1"
)

const (
	engineSectionPrefix  = "engine."
	defaultSleepInterval = 10
)

// Engine is an immutable per-process engine declaration. Identity is
// the name; changing an engine requires a restart.
type Engine struct {
	Name             string
	Platforms        []string
	PlatformPackages []string
	Deploy           Deploy
	Spawn            string
	Check            Check
	SleepInterval    int // seconds
	InputFiles       []string
	OutputFiles      []string
}

// Deploy is the engine deployment source. Exactly one variant is set
// per engine, enforced at parse time.
type Deploy interface {
	deploy()
}

// LocalFilesDeploy uploads the named files from the engine's local dir.
type LocalFilesDeploy struct {
	Files []string // absolute local paths
}

// LocalArchiveDeploy uploads a local archive and extracts it in place.
type LocalArchiveDeploy struct {
	File string // absolute local path
}

// RemoteArchiveDeploy makes the node itself download and extract an
// archive from a trusted URL.
type RemoteArchiveDeploy struct {
	URL string
}

func (LocalFilesDeploy) deploy()    {}
func (LocalArchiveDeploy) deploy()  {}
func (RemoteArchiveDeploy) deploy() {}

// Check is the process-liveness check. Exactly one variant is set per
// engine, enforced at parse time.
type Check interface {
	check()
}

// ProcessNameCheck matches a process name, pgrep-style.
type ProcessNameCheck struct {
	Pname string
}

// CommandCheck runs a shell command and compares its exit code with
// ExitCode; equality means the task is still alive.
type CommandCheck struct {
	Cmd      string
	ExitCode int
}

func (ProcessNameCheck) check() {}
func (CommandCheck) check()     {}

// SupportsPlatform reports whether the engine may run on the platform.
func (e *Engine) SupportsPlatform(platform string) bool {
	for _, p := range e.Platforms {
		if p == platform {
			return true
		}
	}
	return false
}

// SupportsAnyPlatform reports whether any of the given platform tags is
// covered by the engine.
func (e *Engine) SupportsAnyPlatform(platforms []string) bool {
	for _, p := range platforms {
		if e.SupportsPlatform(p) {
			return true
		}
	}
	return false
}

// Spawn command placeholders. Anything else in the template is a
// configuration error surfaced at parse time, never at dispatch time.
var spawnPlaceholders = map[string]bool{
	"task_path":   true,
	"engine_path": true,
	"ncpus":       true,
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z0-9_]*)\}`)

// ValidateSpawn rejects templates with unrecognized placeholders.
func ValidateSpawn(spawn string) error {
	for _, m := range placeholderRe.FindAllStringSubmatch(spawn, -1) {
		if !spawnPlaceholders[m[1]] {
			return invalidf("unknown placeholder {%s} in spawn command", m[1])
		}
	}
	return nil
}

var engineKnownKeys = map[string]bool{
	"platforms": true, "platform_packages": true,
	"deploy_local_files": true, "deploy_local_archive": true,
	"deploy_remote_archive": true,
	"spawn":                 true,
	"check_pname":           true, "check_cmd": true, "check_cmd_code": true,
	"sleep_interval": true,
	"input_files":    true, "output_files": true,
}

func engineFromSection(sec *ini.Section, enginesDir string, log *zap.Logger) (*Engine, error) {
	warnUnknownKeys(sec, engineKnownKeys, log)

	name := strings.TrimPrefix(sec.Name(), engineSectionPrefix)
	if name == "" {
		return nil, invalidf("engine section with empty name")
	}
	engineDir := filepath.Join(enginesDir, name)

	eng := &Engine{
		Name:             name,
		Platforms:        fields(sec, "platforms"),
		PlatformPackages: fields(sec, "platform_packages"),
		Spawn:            sec.Key("spawn").String(),
		SleepInterval:    sec.Key("sleep_interval").MustInt(defaultSleepInterval),
		InputFiles:       fields(sec, "input_files"),
		OutputFiles:      fields(sec, "output_files"),
	}
	if len(eng.Platforms) == 0 {
		eng.Platforms = []string{"debian-11"}
	}

	if eng.Spawn == "" {
		return nil, invalidf("engine %s has no spawn command", name)
	}
	if err := ValidateSpawn(eng.Spawn); err != nil {
		return nil, invalidf("engine %s: %v", name, err)
	}
	if len(eng.InputFiles) == 0 {
		return nil, invalidf("engine %s has no input_files set", name)
	}
	if len(eng.OutputFiles) == 0 {
		return nil, invalidf("engine %s has no output_files set", name)
	}
	if eng.SleepInterval < 1 {
		return nil, invalidf("engine %s: sleep_interval must be >= 1", name)
	}

	// deployment source: exactly one of the three variants
	var deploys []Deploy
	if files := fields(sec, "deploy_local_files"); len(files) > 0 {
		abs := make([]string, len(files))
		for i, f := range files {
			abs[i] = filepath.Join(engineDir, f)
		}
		deploys = append(deploys, LocalFilesDeploy{Files: abs})
	}
	if archive := sec.Key("deploy_local_archive").String(); archive != "" {
		deploys = append(deploys, LocalArchiveDeploy{
			File: filepath.Join(engineDir, archive),
		})
	}
	if url := sec.Key("deploy_remote_archive").String(); url != "" {
		deploys = append(deploys, RemoteArchiveDeploy{URL: url})
	}
	switch len(deploys) {
	case 0:
		return nil, invalidf("engine %s has no deployment source", name)
	case 1:
		eng.Deploy = deploys[0]
	default:
		return nil, invalidf("engine %s has more than one deployment source", name)
	}

	// liveness check: exactly one of check_pname, check_cmd
	pname := sec.Key("check_pname").String()
	cmd := sec.Key("check_cmd").String()
	switch {
	case pname != "" && cmd != "":
		return nil, invalidf("engine %s has both check_pname and check_cmd", name)
	case pname != "":
		if sec.HasKey("check_cmd_code") {
			return nil, invalidf("engine %s: check_cmd_code without check_cmd", name)
		}
		eng.Check = ProcessNameCheck{Pname: pname}
	case cmd != "":
		eng.Check = CommandCheck{
			Cmd:      cmd,
			ExitCode: sec.Key("check_cmd_code").MustInt(0),
		}
	default:
		return nil, invalidf("engine %s has no check_pname or check_cmd set", name)
	}

	return eng, nil
}

// fields splits a whitespace-separated list value.
func fields(sec *ini.Section, key string) []string {
	return strings.Fields(sec.Key(key).String())
}
