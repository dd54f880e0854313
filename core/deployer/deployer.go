// Package deployer materializes engine artifacts onto remote nodes.
package deployer

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/tilde-lab/yascheduler/config"
	"github.com/tilde-lab/yascheduler/core/remote"
)

// ErrDeployFailed marks a failed node setup; the caller disables the
// node and, if cloud-owned, schedules deallocation.
type ErrDeployFailed struct {
	Engine string
	Node   string
	Err    error
}

func (e *ErrDeployFailed) Error() string {
	return fmt.Sprintf("deploy engine %s to %s: %v", e.Engine, e.Node, e.Err)
}

func (e *ErrDeployFailed) Unwrap() error { return e.Err }

// Deployer installs engines on nodes. Each engine is deployed at most
// once per node within this process; local files already present on
// the node are not uploaded again, and the package manager treats
// present packages as no-ops. Archive sources are not checked against
// the node: after a restart they are transferred and extracted again.
type Deployer struct {
	log *zap.Logger

	mu       sync.Mutex
	deployed map[string]bool // "ip/engine" pairs done this process
}

// NewDeployer creates a deployer.
func NewDeployer(log *zap.Logger) *Deployer {
	return &Deployer{
		log:      log.Named("deployer"),
		deployed: map[string]bool{},
	}
}

// EnsureEngine makes {engines_dir}/{engine} on the node contain the
// engine's artifacts with all platform packages installed. A platform
// the engine does not support is skipped, not failed: a node may host
// a subset of engines.
func (d *Deployer) EnsureEngine(ctx context.Context, m *remote.Machine, eng *config.Engine) error {
	if !eng.SupportsAnyPlatform(m.Platforms) {
		d.log.Debug("engine not supported on platform, skipping",
			zap.String("engine", eng.Name),
			zap.String("node", m.IP),
			zap.String("platform", m.PlatformTag()))
		return nil
	}

	key := m.IP + "/" + eng.Name
	d.mu.Lock()
	done := d.deployed[key]
	d.mu.Unlock()
	if done {
		return nil
	}

	if err := d.deploy(ctx, m, eng); err != nil {
		return &ErrDeployFailed{Engine: eng.Name, Node: m.IP, Err: err}
	}

	d.mu.Lock()
	d.deployed[key] = true
	d.mu.Unlock()
	return nil
}

func (d *Deployer) deploy(ctx context.Context, m *remote.Machine, eng *config.Engine) error {
	engineDir := m.EngineDir(eng.Name)
	d.log.Info("deploying engine",
		zap.String("engine", eng.Name), zap.String("node", m.IP))

	if err := m.Mkdir(ctx, engineDir); err != nil {
		return err
	}

	switch deploy := eng.Deploy.(type) {
	case config.LocalFilesDeploy:
		if err := d.deployLocalFiles(ctx, m, engineDir, deploy.Files); err != nil {
			return err
		}
	case config.LocalArchiveDeploy:
		if err := d.deployLocalArchive(ctx, m, engineDir, deploy.File); err != nil {
			return err
		}
	case config.RemoteArchiveDeploy:
		if err := d.deployRemoteArchive(ctx, m, engineDir, deploy.URL); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown deployment source %T", eng.Deploy)
	}

	return m.InstallPackages(ctx, eng.PlatformPackages)
}

// deployLocalFiles uploads each named file into the engine dir,
// skipping files already present remotely.
func (d *Deployer) deployLocalFiles(ctx context.Context, m *remote.Machine, engineDir string, files []string) error {
	var pairs []remote.FilePair
	for _, local := range files {
		rpath := engineDir + "/" + filepath.Base(local)
		exists, err := m.FileExists(rpath)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		pairs = append(pairs, remote.FilePair{Local: local, Remote: rpath})
	}
	if errs := m.Upload(pairs); len(errs) > 0 {
		return fmt.Errorf("upload: %v", errs[0].Err)
	}
	if len(pairs) > 0 {
		// uploaded binaries must be runnable
		files := make([]string, len(pairs))
		for i, p := range pairs {
			files[i] = p.Remote
		}
		if err := d.chmodExecutable(ctx, m, files); err != nil {
			return err
		}
	}
	return nil
}

// deployLocalArchive uploads the archive, extracts it in place and
// removes the archive.
func (d *Deployer) deployLocalArchive(ctx context.Context, m *remote.Machine, engineDir, archive string) error {
	rpath := engineDir + "/" + filepath.Base(archive)
	if errs := m.Upload([]remote.FilePair{{Local: archive, Remote: rpath}}); len(errs) > 0 {
		return fmt.Errorf("upload archive: %v", errs[0].Err)
	}
	if err := d.extract(ctx, m, engineDir, filepath.Base(archive)); err != nil {
		return err
	}
	return m.RemoveFile(rpath)
}

// deployRemoteArchive downloads the archive on the node itself,
// extracts and removes it.
func (d *Deployer) deployRemoteArchive(ctx context.Context, m *remote.Machine, engineDir, url string) error {
	const name = "archive.tar.gz"
	res, err := m.Exec(ctx, fmt.Sprintf("cd %q && wget %q -O %s", engineDir, url, name))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("download %s exited %d: %s", url, res.ExitCode, res.Stderr)
	}
	if err := d.extract(ctx, m, engineDir, name); err != nil {
		return err
	}
	return m.RemoveFile(engineDir + "/" + name)
}

func (d *Deployer) extract(ctx context.Context, m *remote.Machine, dir, name string) error {
	res, err := m.Exec(ctx, fmt.Sprintf("cd %q && tar xf %q", dir, name))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("extract %s exited %d: %s", name, res.ExitCode, res.Stderr)
	}
	return nil
}

func (d *Deployer) chmodExecutable(ctx context.Context, m *remote.Machine, files []string) error {
	if m.PlatformTag() == "" || m.Platforms[len(m.Platforms)-1] != "linux" {
		return nil
	}
	cmd := "chmod +x"
	for _, f := range files {
		cmd += fmt.Sprintf(" %q", f)
	}
	res, err := m.Exec(ctx, cmd)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("chmod exited %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}
