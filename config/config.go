// Package config holds the typed yascheduler configuration.
//
// The configuration file is INI-style with sections db, local, remote,
// clouds and one engine.<name> section per engine. Values support
// %(key)s interpolation within a section. Unknown keys are reported
// but never fail the load.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/ini.v1"
)

// Default file locations, overridable through the environment.
const (
	DefaultConfigPath = "/etc/yascheduler/yascheduler.conf"
	DefaultLogPath    = "/var/log/yascheduler.log"
	DefaultPidPath    = "/var/run/yascheduler.pid"
)

// ErrInvalid marks configuration that cannot be used. It is the only
// class of error this package returns and is fatal at startup.
var ErrInvalid = errors.New("invalid configuration")

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalid}, args...)...)
}

// Config is the root configuration object.
type Config struct {
	Db      Db
	Local   Local
	Remote  Remote
	Clouds  []Cloud
	Engines map[string]*Engine
}

// ConfigPath returns the configuration file location, honoring
// YASCHEDULER_CONF_PATH.
func ConfigPath() string {
	return getEnv("YASCHEDULER_CONF_PATH", DefaultConfigPath)
}

// LogPath returns the log file location, honoring YASCHEDULER_LOG_PATH.
func LogPath() string {
	return getEnv("YASCHEDULER_LOG_PATH", DefaultLogPath)
}

// PidPath returns the pid file location, honoring YASCHEDULER_PID_PATH.
func PidPath() string {
	return getEnv("YASCHEDULER_PID_PATH", DefaultPidPath)
}

// Load reads and validates the configuration file at path.
func Load(path string, log *zap.Logger) (*Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{
		SpaceBeforeInlineComment: true,
	}, path)
	if err != nil {
		return nil, invalidf("read %s: %v", path, err)
	}
	return fromFile(f, log)
}

// LoadBytes parses configuration from memory. Used by tests and by
// tools that embed their config.
func LoadBytes(data []byte, log *zap.Logger) (*Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{
		SpaceBeforeInlineComment: true,
	}, data)
	if err != nil {
		return nil, invalidf("parse: %v", err)
	}
	return fromFile(f, log)
}

func fromFile(f *ini.File, log *zap.Logger) (*Config, error) {
	if log == nil {
		log = zap.L()
	}

	cfg := &Config{Engines: map[string]*Engine{}}

	var err error
	if cfg.Db, err = dbFromSection(section(f, "db"), log); err != nil {
		return nil, err
	}
	if cfg.Local, err = localFromSection(section(f, "local"), log); err != nil {
		return nil, err
	}
	if cfg.Remote, err = remoteFromSection(section(f, "remote"), log); err != nil {
		return nil, err
	}
	if cfg.Clouds, err = cloudsFromSection(section(f, "clouds"), log); err != nil {
		return nil, err
	}

	for _, sec := range f.Sections() {
		if !strings.HasPrefix(sec.Name(), engineSectionPrefix) {
			continue
		}
		eng, err := engineFromSection(sec, cfg.Local.EnginesDir, log)
		if err != nil {
			return nil, err
		}
		cfg.Engines[eng.Name] = eng
	}
	if len(cfg.Engines) == 0 {
		return nil, invalidf("no engine.<name> sections defined")
	}

	return cfg, nil
}

// Engine returns the named engine declaration or nil.
func (c *Config) Engine(name string) *Engine {
	return c.Engines[name]
}

// MinSleepInterval returns the shortest engine poll interval; it paces
// the reconciler tick.
func (c *Config) MinSleepInterval() (min int) {
	for _, eng := range c.Engines {
		if min == 0 || eng.SleepInterval < min {
			min = eng.SleepInterval
		}
	}
	if min == 0 {
		min = defaultSleepInterval
	}
	return min
}

// section returns the named section, adding an empty one when absent so
// that defaults apply.
func section(f *ini.File, name string) *ini.Section {
	if sec, err := f.GetSection(name); err == nil {
		return sec
	}
	sec, _ := f.NewSection(name)
	return sec
}

// warnUnknownKeys reports keys the loader does not understand, so that
// typos in the config are visible without being fatal.
func warnUnknownKeys(sec *ini.Section, known map[string]bool, log *zap.Logger) {
	for _, key := range sec.KeyStrings() {
		if !known[key] {
			log.Warn("unknown configuration key",
				zap.String("section", sec.Name()),
				zap.String("key", key))
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
