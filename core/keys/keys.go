// Package keys manages the process-wide SSH keypair. One keypair is
// generated under local.keys_dir on first use and reused across all
// providers and nodes.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const keyPrefix = "yakey"

// Manager loads or generates the scheduler keypair.
type Manager struct {
	keysDir string
	log     *zap.Logger

	signer  ssh.Signer
	keyName string
}

// NewManager creates a key manager rooted at keysDir.
func NewManager(keysDir string, log *zap.Logger) *Manager {
	return &Manager{keysDir: keysDir, log: log.Named("keys")}
}

// Init loads an existing yakey-prefixed private key or generates a new
// RSA keypair with mode 0600.
func (m *Manager) Init() error {
	if err := os.MkdirAll(m.keysDir, 0o700); err != nil {
		return fmt.Errorf("create keys dir: %w", err)
	}

	entries, err := os.ReadDir(m.keysDir)
	if err != nil {
		return fmt.Errorf("read keys dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), keyPrefix) {
			continue
		}
		path := filepath.Join(m.keysDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read key %s: %w", path, err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			m.log.Warn("skipping unreadable key file", zap.String("path", path))
			continue
		}
		m.signer = signer
		m.keyName = entry.Name()
		m.log.Debug("loaded ssh key", zap.String("name", m.keyName))
		return nil
	}

	return m.generate()
}

func (m *Manager) generate() error {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})

	name := keyPrefix + uuid.NewString()[:8]
	path := filepath.Join(m.keysDir, name)
	if err := os.WriteFile(path, pemData, 0o600); err != nil {
		return fmt.Errorf("write key %s: %w", path, err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return err
	}
	m.signer = signer
	m.keyName = name
	m.log.Info("generated ssh key", zap.String("name", name))
	return nil
}

// Signer returns the private key for SSH authentication.
func (m *Manager) Signer() ssh.Signer {
	return m.signer
}

// KeyName returns the key file name; providers use it to label the
// uploaded public key.
func (m *Manager) KeyName() string {
	return m.keyName
}

// PublicKey renders the public half in authorized_keys format.
func (m *Manager) PublicKey() string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(m.signer.PublicKey())))
}
