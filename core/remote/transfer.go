package remote

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
)

// TransferError records one failed file within a batch transfer.
type TransferError struct {
	File string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s: %v", e.File, e.Err)
}

// FilePair names a local path and its remote counterpart.
type FilePair struct {
	Local  string
	Remote string
}

// transferTransient reports whether a per-file error is worth a retry:
// network-level failures, not missing files or permissions.
func transferTransient(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var statusErr *sftp.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.FxCode() {
		case sftp.ErrSSHFxConnectionLost, sftp.ErrSSHFxNoConnection:
			return true
		}
	}
	return false
}

func transferBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 30 * time.Second
	return bo
}

// Upload copies the local files onto the node. Failures are collected
// per file and returned; partial success is reported, not hidden.
func (m *Machine) Upload(files []FilePair) []TransferError {
	return m.transfer(files, uploadOne)
}

// Download copies remote files to the local side, creating local
// directories as needed.
func (m *Machine) Download(files []FilePair) []TransferError {
	return m.transfer(files, downloadOne)
}

func (m *Machine) transfer(files []FilePair, op func(*sftp.Client, FilePair) error) []TransferError {
	client, err := sftp.NewClient(m.client)
	if err != nil {
		errs := make([]TransferError, len(files))
		for i, f := range files {
			errs[i] = TransferError{File: f.Local, Err: err}
		}
		return errs
	}
	defer client.Close()

	var errs []TransferError
	for _, f := range files {
		f := f
		attempt := func() error {
			err := op(client, f)
			if err != nil && !transferTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := backoff.Retry(attempt, transferBackoff()); err != nil {
			m.log.Warn("transfer failed",
				zap.String("local", f.Local),
				zap.String("remote", f.Remote),
				zap.Error(err))
			errs = append(errs, TransferError{File: f.Remote, Err: err})
		}
	}
	return errs
}

func uploadOne(client *sftp.Client, f FilePair) error {
	src, err := os.Open(f.Local)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := client.Create(f.Remote)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func downloadOne(client *sftp.Client, f FilePair) error {
	src, err := client.Open(f.Remote)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(f.Local), 0o755); err != nil {
		return err
	}
	dst, err := os.Create(f.Local)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// RemoveFile deletes one remote file; used to drop archives after
// extraction.
func (m *Machine) RemoveFile(path string) error {
	client, err := sftp.NewClient(m.client)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.Remove(path)
}

// FileExists probes a remote path over SFTP.
func (m *Machine) FileExists(path string) (bool, error) {
	client, err := sftp.NewClient(m.client)
	if err != nil {
		return false, err
	}
	defer client.Close()
	if _, err := client.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
