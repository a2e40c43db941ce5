package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// NewHostKeyCallback creates an ssh.HostKeyCallback for the given known_hosts
// file path. If path is empty, host key checking is disabled. Otherwise, the
// callback verifies host keys against the file, automatically adding unknown
// hosts on first connection (trust on first use / TOFU).
//
// The parent directory and file are created if they don't exist.
func NewHostKeyCallback(path string, logger *zap.Logger) (ssh.HostKeyCallback, error) {
	if path == "" {
		logger.Warn("ssh host key checking disabled")
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // User explicitly disabled host key checking.
	}

	path, err := expandHome(path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating known_hosts directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("creating known_hosts file: %w", err)
	}
	_ = f.Close()

	check, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts: %w", err)
	}

	// Keys learned during this run; knownhosts.New only saw the file as it
	// was at startup.
	var (
		mu      sync.Mutex
		learned = map[string]ssh.PublicKey{}
	)

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := check(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}

		// Want is non-empty when the host is known under a different key.
		if len(keyErr.Want) > 0 {
			return fmt.Errorf("host key mismatch for %s (possible MITM attack): %w", hostname, err)
		}

		normalized := knownhosts.Normalize(hostname)

		mu.Lock()
		defer mu.Unlock()

		if prev, ok := learned[normalized]; ok {
			if string(prev.Marshal()) == string(key.Marshal()) {
				return nil
			}
			return fmt.Errorf("host key mismatch for %s (possible MITM attack)", hostname)
		}

		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
		if err != nil {
			return fmt.Errorf("opening known_hosts for writing: %w", err)
		}
		defer f.Close()

		if _, err := f.WriteString(knownhosts.Line([]string{normalized}, key) + "\n"); err != nil {
			return fmt.Errorf("writing to known_hosts: %w", err)
		}
		learned[normalized] = key

		logger.Info("ssh: added host key",
			zap.String("host", hostname),
			zap.String("type", key.Type()),
			zap.String("fingerprint", ssh.FingerprintSHA256(key)),
			zap.String("known_hosts", path))
		return nil
	}, nil
}
