// Package remote drives one logical SSH session per node: command
// execution, file transfer, OS probing, process checks and package
// install. Connections are pooled and rate-limited per process.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/tilde-lab/yascheduler/config"
)

// ErrAuth marks a permanent SSH authentication failure; the node
// should be disabled and, if cloud-owned, deallocated.
var ErrAuth = errors.New("ssh authentication failed")

// IsAuthErr reports whether err is the permanent authentication kind.
func IsAuthErr(err error) bool {
	return errors.Is(err, ErrAuth)
}

// ExecResult is the outcome of one remote command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Machine is one remote host with an established SSH connection.
// Obtain instances through the Pool; operations on one machine are
// serialized by the pool's per-node mutex.
type Machine struct {
	IP       string
	Username string

	// Platforms lists the probed platform tags, most specific first.
	Platforms []string
	// NCpus is the probed logical core count.
	NCpus int

	platform Platform
	client   *ssh.Client
	log      *zap.Logger

	dataDir    string
	tasksDir   string
	enginesDir string
}

// PlatformTag returns the most specific probed platform tag.
func (m *Machine) PlatformTag() string {
	if len(m.Platforms) == 0 {
		return ""
	}
	return m.Platforms[0]
}

// TaskDir returns the remote working directory of a task.
func (m *Machine) TaskDir(taskID int) string {
	return m.platform.Join(m.tasksDir, strconv.Itoa(taskID))
}

// EngineDir returns the remote directory of a deployed engine.
func (m *Machine) EngineDir(name string) string {
	return m.platform.Join(m.enginesDir, name)
}

// Exec runs a command and returns its exit code and output. A nonzero
// exit is not an error.
func (m *Machine) Exec(ctx context.Context, command string) (*ExecResult, error) {
	session, err := m.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("session on %s: %w", m.IP, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case err = <-done:
	}

	res := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return nil, fmt.Errorf("exec on %s: %w", m.IP, err)
	}
	return res, nil
}

// SpawnDetached starts a background process in cwd whose lifetime
// survives the SSH channel close.
func (m *Machine) SpawnDetached(ctx context.Context, command, cwd string) error {
	res, err := m.Exec(ctx, m.platform.SpawnCmd(command, cwd))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("spawn on %s exited %d: %s", m.IP, res.ExitCode, res.Stderr)
	}
	return nil
}

// Mkdir creates a remote directory with parents.
func (m *Machine) Mkdir(ctx context.Context, path string) error {
	res, err := m.Exec(ctx, m.platform.MkdirCmd(path))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("mkdir %s on %s exited %d: %s", path, m.IP, res.ExitCode, res.Stderr)
	}
	return nil
}

// ProcessAlive evaluates an engine's liveness check on this node.
func (m *Machine) ProcessAlive(ctx context.Context, check config.Check) (bool, error) {
	switch c := check.(type) {
	case config.ProcessNameCheck:
		res, err := m.Exec(ctx, m.platform.PgrepCmd(c.Pname))
		if err != nil {
			return false, err
		}
		return res.ExitCode == 0, nil
	case config.CommandCheck:
		res, err := m.Exec(ctx, c.Cmd)
		if err != nil {
			return false, err
		}
		return res.ExitCode == c.ExitCode, nil
	}
	return false, fmt.Errorf("unknown liveness check %T", check)
}

// InstallPackages installs platform packages, serialized behind the
// remote package-manager lock. Idempotent: installing an already
// present package is a no-op for the package manager.
func (m *Machine) InstallPackages(ctx context.Context, packages []string) error {
	if len(packages) == 0 {
		return nil
	}
	cmd, err := m.platform.InstallPackagesCmd(m.PlatformTag(), packages, m.Username == "root")
	if err != nil {
		return err
	}
	m.log.Debug("installing packages", zap.Strings("packages", packages))
	res, err := m.Exec(ctx, cmd)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("package install on %s exited %d: %s",
			m.IP, res.ExitCode, res.Stderr)
	}
	return nil
}

// Close shuts the SSH connection down.
func (m *Machine) Close() error {
	return m.client.Close()
}

// probePlatform detects the OS family and tag list. Cached on the
// machine for the lifetime of the connection.
func (m *Machine) probePlatform(ctx context.Context) error {
	res, err := m.Exec(ctx, "uname -s")
	if err != nil {
		return err
	}
	if res.ExitCode == 0 && strings.Contains(res.Stdout, "Linux") {
		m.platform = linuxPlatform
		osRelease, err := m.Exec(ctx, "cat /etc/os-release")
		if err != nil {
			return err
		}
		m.Platforms = parseOSRelease(osRelease.Stdout)
		return nil
	}

	res, err = m.Exec(ctx,
		`powershell -Command "[System.Environment]::OSVersion.Version.Major"`)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("platform probe failed on %s", m.IP)
	}
	m.platform = windowsPlatform
	m.Platforms = windowsTags(res.Stdout)
	return nil
}

// probeCPUs detects the logical core count.
func (m *Machine) probeCPUs(ctx context.Context) error {
	res, err := m.Exec(ctx, m.platform.CPUCountCmd())
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil || n < 1 {
		n = 1
	}
	m.NCpus = n
	return nil
}

// initDirs translates the configured remote layout into the probed
// platform's separator style.
func (m *Machine) initDirs(remote config.Remote) {
	m.dataDir = m.platform.Translate(remote.DataDir)
	m.tasksDir = m.platform.Translate(remote.TasksDir)
	m.enginesDir = m.platform.Translate(remote.EnginesDir)
}

// dial opens the SSH connection, optionally through a jump host.
func dial(ctx context.Context, addr, username string, signer ssh.Signer, jumpAddr, jumpUser string) (*ssh.Client, error) {
	clientConfig := func(user string) *ssh.ClientConfig {
		return &ssh.ClientConfig{
			User: user,
			Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
			// Host keys of dynamically created nodes are not known in
			// advance; checking is relaxed.
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         30 * time.Second,
		}
	}

	if jumpAddr == "" {
		client, err := ssh.Dial("tcp", net.JoinHostPort(addr, "22"), clientConfig(username))
		return client, classifyDialErr(err)
	}

	jump, err := ssh.Dial("tcp", net.JoinHostPort(jumpAddr, "22"), clientConfig(jumpUser))
	if err != nil {
		return nil, classifyDialErr(err)
	}
	conn, err := jump.DialContext(ctx, "tcp", net.JoinHostPort(addr, "22"))
	if err != nil {
		jump.Close()
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig(username))
	if err != nil {
		jump.Close()
		return nil, classifyDialErr(err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func classifyDialErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "no supported methods remain") {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return err
}

// connectBackoff is the retry policy for transient connect failures.
func connectBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = time.Minute
	return backoff.WithContext(bo, ctx)
}
