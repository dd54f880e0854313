package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/tilde-lab/yascheduler/config"
	"github.com/tilde-lab/yascheduler/core/limits"
	"github.com/tilde-lab/yascheduler/core/models"
)

// JumpHost routes connections for one cloud through a bastion.
type JumpHost struct {
	User string
	Host string
}

// Pool hands out one connected Machine per node IP. Connect attempts
// are bounded by the conn_machine gate; operations on one node are
// serialized by a per-node mutex so a deploy and a harvest cannot
// interleave on the same host.
type Pool struct {
	remote config.Remote
	signer ssh.Signer
	gate   *limits.Gate
	jumps  map[string]JumpHost // keyed by cloud name
	log    *zap.Logger

	mu       sync.Mutex
	machines map[string]*Machine
	nodeMu   map[string]*sync.Mutex
}

// NewPool creates the machine pool.
func NewPool(remote config.Remote, signer ssh.Signer, gate *limits.Gate, jumps map[string]JumpHost, log *zap.Logger) *Pool {
	return &Pool{
		remote:   remote,
		signer:   signer,
		gate:     gate,
		jumps:    jumps,
		log:      log.Named("remote"),
		machines: map[string]*Machine{},
		nodeMu:   map[string]*sync.Mutex{},
	}
}

// Lock serializes operations on one node. The returned func unlocks.
func (p *Pool) Lock(ip string) func() {
	p.mu.Lock()
	mu, ok := p.nodeMu[ip]
	if !ok {
		mu = &sync.Mutex{}
		p.nodeMu[ip] = mu
	}
	p.mu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Get returns the pooled machine for the node, connecting and probing
// it on first use. Transient connect failures are retried with backoff
// while the conn_machine slot is held.
func (p *Pool) Get(ctx context.Context, node *models.Node) (*Machine, error) {
	p.mu.Lock()
	if m, ok := p.machines[node.IP]; ok {
		p.mu.Unlock()
		return m, nil
	}
	p.mu.Unlock()

	if err := p.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer p.gate.Release()

	// another caller may have connected while we waited for a slot
	p.mu.Lock()
	if m, ok := p.machines[node.IP]; ok {
		p.mu.Unlock()
		return m, nil
	}
	p.mu.Unlock()

	m, err := p.connect(ctx, node)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.machines[node.IP] = m
	p.mu.Unlock()
	return m, nil
}

func (p *Pool) connect(ctx context.Context, node *models.Node) (*Machine, error) {
	var jump JumpHost
	if node.Cloud != "" {
		jump = p.jumps[node.Cloud]
	}
	username := node.Username
	if username == "" {
		username = p.remote.User
	}

	var client *ssh.Client
	op := func() error {
		var err error
		client, err = dial(ctx, node.IP, username, p.signer, jump.Host, jump.User)
		if err != nil && IsAuthErr(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, connectBackoff(ctx)); err != nil {
		return nil, fmt.Errorf("connect %s@%s: %w", username, node.IP, err)
	}

	m := &Machine{
		IP:       node.IP,
		Username: username,
		client:   client,
		log:      p.log.With(zap.String("node", node.IP)),
	}
	if err := m.probePlatform(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("probe %s: %w", node.IP, err)
	}
	if err := m.probeCPUs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("probe cpus %s: %w", node.IP, err)
	}
	m.initDirs(p.remote)
	p.log.Debug("connected",
		zap.String("node", node.IP),
		zap.String("platform", m.PlatformTag()),
		zap.Int("ncpus", m.NCpus))
	return m, nil
}

// Cached returns the pooled machine for an IP without connecting;
// nil when the node has not been contacted yet.
func (p *Pool) Cached(ip string) *Machine {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.machines[ip]
}

// Forget drops and closes the pooled connection for an IP, e.g. after
// node deletion or an unrecoverable transport error.
func (p *Pool) Forget(ip string) {
	p.mu.Lock()
	m := p.machines[ip]
	delete(p.machines, ip)
	delete(p.nodeMu, ip)
	p.mu.Unlock()
	if m != nil {
		m.Close()
	}
}

// Close shuts down every pooled connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ip, m := range p.machines {
		m.Close()
		delete(p.machines, ip)
	}
}
