// Package providers defines the uniform cloud adapter interface and
// shared helpers for the per-provider drivers.
package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/tilde-lab/yascheduler/config"
)

// Provider is one cloud driver. Implementations are thin: create,
// delete and list nodes; all fleet policy lives in the coordinator.
type Provider interface {
	// Name returns the provider tag stored in the nodes table.
	Name() string

	// Config returns the provider's configuration slice.
	Config() config.Cloud

	// CreateNode provisions one machine and returns its public IP.
	// It returns only when the node accepts SSH connections or a
	// provider-specific timeout elapses; on timeout the partially
	// created node is deleted before the failure is returned.
	CreateNode(ctx context.Context) (string, error)

	// DeleteNode destroys the machine with the given public IP.
	DeleteNode(ctx context.Context, ip string) error

	// ListNodes returns the public IPs of this provider's machines.
	ListNodes(ctx context.Context) ([]string, error)
}

// CloudConfig is the cloud-init payload passed to new machines. JSON
// is valid YAML, so the rendered body is accepted verbatim.
type CloudConfig struct {
	SSHAuthorizedKeys []string `json:"ssh_authorized_keys,omitempty"`
	PackageUpgrade    bool     `json:"package_upgrade"`
	Packages          []string `json:"packages,omitempty"`
}

// Render produces the user-data document.
func (c CloudConfig) Render() (string, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return "#cloud-config\n" + string(body), nil
}

// RenderBase64 produces the user-data document base64-encoded, as the
// EC2 API requires.
func (c CloudConfig) RenderBase64() (string, error) {
	body, err := c.Render()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString([]byte(body)), nil
}

// NodeName generates a unique machine name.
func NodeName() string {
	return "yascheduler-node-" + uuid.NewString()[:8]
}

// WaitSSHReady blocks until the node accepts TCP connections on the
// SSH port or the timeout elapses.
func WaitSSHReady(ctx context.Context, ip string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("node %s not SSH-ready after %s", ip, timeout)
		}
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(ip, "22"), 5*time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}
