// Package hetzner implements the Hetzner Cloud node driver.
package hetzner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"go.uber.org/zap"

	"github.com/tilde-lab/yascheduler/config"
	"github.com/tilde-lab/yascheduler/providers"
)

const (
	managedByLabel = "managed-by"
	managedByValue = "yascheduler"
	createTimeout  = 5 * time.Minute
)

// Client is the Hetzner Cloud provider driver.
type Client struct {
	cfg      config.Cloud
	client   *hcloud.Client
	keyName  string
	sshKey   *hcloud.SSHKey
	userData string
	log      *zap.Logger
}

// NewClient creates the Hetzner driver and registers the scheduler's
// public key, reusing an existing key with the same name.
func NewClient(ctx context.Context, cfg config.Cloud, keyName, publicKey string, userPackages []string, log *zap.Logger) (*Client, error) {
	c := &Client{
		cfg:     cfg,
		client:  hcloud.NewClient(hcloud.WithToken(cfg.HetznerToken)),
		keyName: keyName,
		log:     log.Named("hetzner"),
	}

	userData, err := providers.CloudConfig{
		PackageUpgrade: true,
		Packages:       userPackages,
	}.Render()
	if err != nil {
		return nil, err
	}
	c.userData = userData

	if err := c.ensureSSHKey(ctx, publicKey); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) ensureSSHKey(ctx context.Context, publicKey string) error {
	key, _, err := c.client.SSHKey.Create(ctx, hcloud.SSHKeyCreateOpts{
		Name:      c.keyName,
		PublicKey: publicKey,
	})
	if err == nil {
		c.sshKey = key
		return nil
	}
	if !strings.Contains(err.Error(), "already") &&
		!hcloud.IsError(err, hcloud.ErrorCodeUniquenessError) {
		return fmt.Errorf("register ssh key: %w", err)
	}

	keys, err := c.client.SSHKey.All(ctx)
	if err != nil {
		return fmt.Errorf("list ssh keys: %w", err)
	}
	for _, k := range keys {
		if k.Name == c.keyName {
			c.sshKey = k
			return nil
		}
	}
	return fmt.Errorf("ssh key %s exists but was not found", c.keyName)
}

// Name returns the provider tag.
func (c *Client) Name() string { return config.CloudHetzner }

// Config returns the provider configuration.
func (c *Client) Config() config.Cloud { return c.cfg }

// CreateNode creates one server and waits until it is SSH-reachable.
// On timeout the server is deleted before the error returns.
func (c *Client) CreateNode(ctx context.Context) (string, error) {
	result, _, err := c.client.Server.Create(ctx, hcloud.ServerCreateOpts{
		Name:       providers.NodeName(),
		ServerType: &hcloud.ServerType{Name: c.cfg.HetznerServerType},
		Image:      &hcloud.Image{Name: c.cfg.HetznerImage},
		SSHKeys:    []*hcloud.SSHKey{c.sshKey},
		UserData:   c.userData,
		Labels:     map[string]string{managedByLabel: managedByValue},
	})
	if err != nil {
		return "", fmt.Errorf("create server: %w", err)
	}
	server := result.Server
	ip := server.PublicNet.IPv4.IP.String()
	c.log.Info("created server",
		zap.Int64("server_id", server.ID), zap.String("ip", ip))

	if err := providers.WaitSSHReady(ctx, ip, createTimeout); err != nil {
		c.log.Warn("server not ready, deleting",
			zap.Int64("server_id", server.ID), zap.Error(err))
		c.client.Server.Delete(context.Background(), server)
		return "", err
	}
	return ip, nil
}

// DeleteNode destroys the server with the given public IP.
func (c *Client) DeleteNode(ctx context.Context, ip string) error {
	server, err := c.findByIP(ctx, ip)
	if err != nil {
		return err
	}
	if server == nil {
		c.log.Info("node unknown to hetzner, nothing to delete", zap.String("ip", ip))
		return nil
	}
	if _, err := c.client.Server.Delete(ctx, server); err != nil {
		return fmt.Errorf("delete server %d: %w", server.ID, err)
	}
	c.log.Info("deleted server", zap.String("ip", ip))
	return nil
}

func (c *Client) findByIP(ctx context.Context, ip string) (*hcloud.Server, error) {
	servers, err := c.list(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range servers {
		if s.PublicNet.IPv4.IP.String() == ip {
			return s, nil
		}
	}
	return nil, nil
}

// ListNodes returns public IPs of this driver's servers.
func (c *Client) ListNodes(ctx context.Context) ([]string, error) {
	servers, err := c.list(ctx)
	if err != nil {
		return nil, err
	}
	ips := make([]string, 0, len(servers))
	for _, s := range servers {
		ips = append(ips, s.PublicNet.IPv4.IP.String())
	}
	return ips, nil
}

func (c *Client) list(ctx context.Context) ([]*hcloud.Server, error) {
	servers, err := c.client.Server.AllWithOpts(ctx, hcloud.ServerListOpts{
		ListOpts: hcloud.ListOpts{
			LabelSelector: managedByLabel + "=" + managedByValue,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	return servers, nil
}
