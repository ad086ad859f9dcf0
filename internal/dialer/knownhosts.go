package dialer

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// NewHostKeyCallback checks host keys against the known_hosts file at path,
// creating it if needed. Unknown hosts are appended on first contact; a host
// whose key changed is rejected. An empty path disables checking.
func NewHostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // User explicitly disabled host key checking.
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating known_hosts directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("creating known_hosts file: %w", err)
	}
	_ = f.Close()

	known, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts: %w", err)
	}

	var (
		mu    sync.Mutex
		added = map[string]ssh.PublicKey{}
	)
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := known(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			return fmt.Errorf("host key mismatch for %s (possible MITM attack): %w", hostname, err)
		}

		mu.Lock()
		defer mu.Unlock()

		// knownhosts.New doesn't see lines appended after it loaded.
		host := knownhosts.Normalize(hostname)
		if prev, ok := added[host]; ok {
			if !bytes.Equal(prev.Marshal(), key.Marshal()) {
				return fmt.Errorf("host key mismatch for %s (possible MITM attack)", hostname)
			}
			return nil
		}

		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
		if err != nil {
			return fmt.Errorf("opening known_hosts for writing: %w", err)
		}
		defer f.Close()

		if _, err := f.WriteString(knownhosts.Line([]string{host}, key) + "\n"); err != nil {
			return fmt.Errorf("writing to known_hosts: %w", err)
		}
		added[host] = key

		log.Info().Str("host", hostname).Str("file", path).Msg("ssh: added host key")
		return nil
	}, nil
}
