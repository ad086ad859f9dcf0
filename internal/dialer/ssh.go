package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/sync/singleflight"
)

// AgentKeySource is the Config.SSHKeyPath value that selects the SSH agent.
const AgentKeySource = "agent"

// AgentAvailable reports whether SSH_AUTH_SOCK points at an agent.
func AgentAvailable() bool {
	return os.Getenv("SSH_AUTH_SOCK") != ""
}

// SSH forwards connections through an SSH server, like ssh -D.
//
// One SSH transport is shared by every connection the dialer opens; each
// DialContext call opens its own "direct-tcpip" channel on it. The transport
// is created on first use. If opening a channel fails for a reason other
// than the server refusing the destination, the transport is discarded and
// the dial retried once on a fresh one.
type SSH struct {
	cfg    Config
	addr   string
	config *ssh.ClientConfig
	direct *Direct

	mu     sync.Mutex
	client *ssh.Client
	sf     singleflight.Group
}

// NewSSH constructs a dialer for the SSH server at addr. Keys from
// cfg.SSHKeyPath are offered before password, and at least one of the two
// must be set.
func NewSSH(cfg Config, addr, username, password string) (*SSH, error) {
	if addr == "" {
		return nil, errors.New("ssh upstream: missing ssh address")
	}
	if username == "" {
		return nil, errors.New("ssh upstream: missing username")
	}

	auth, err := authMethods(cfg.SSHKeyPath, password)
	if err != nil {
		return nil, fmt.Errorf("ssh upstream: %w", err)
	}

	hostKeyCallback, err := NewHostKeyCallback(cfg.SSHKnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("ssh upstream: %w", err)
	}

	return &SSH{
		cfg:  cfg,
		addr: addr,
		config: &ssh.ClientConfig{
			User:            username,
			Auth:            auth,
			HostKeyCallback: hostKeyCallback,
			Timeout:         cfg.DialTimeout,
		},
		direct: NewDirect(cfg),
	}, nil
}

// DialContext opens a direct-tcpip channel to address. Canceling ctx closes
// only the returned channel, never the shared transport.
func (d *SSH) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("ssh upstream dial %s %s: unsupported network", network, address)
	}

	client, err := d.getClient(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := client.DialContext(ctx, "tcp", address)
	if err != nil {
		// The server refused this destination; the transport is fine.
		var openErr *ssh.OpenChannelError
		if errors.As(err, &openErr) {
			return nil, fmt.Errorf("ssh upstream dial %s: %w", address, err)
		}

		d.invalidateClient(client)
		client, err2 := d.getClient(ctx)
		if err2 != nil {
			return nil, err2
		}
		conn, err = client.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, fmt.Errorf("ssh upstream dial %s: %w", address, err)
		}
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	return &sshChannelConn{Conn: conn, stop: stop}, nil
}

// getClient returns the shared transport, connecting if there is none. Only
// one connection attempt runs at a time; a caller whose ctx ends stops
// waiting but the attempt carries on for the others.
func (d *SSH) getClient(ctx context.Context) (*ssh.Client, error) {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client != nil {
		return client, nil
	}

	ch := d.sf.DoChan("connect", func() (any, error) {
		d.mu.Lock()
		if c := d.client; c != nil {
			d.mu.Unlock()
			return c, nil
		}
		d.mu.Unlock()

		c, err := d.dialSSH(context.Background())
		if err != nil {
			return nil, err
		}

		d.mu.Lock()
		d.client = c
		d.mu.Unlock()
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ssh.Client), nil
	}
}

func (d *SSH) dialSSH(ctx context.Context) (*ssh.Client, error) {
	conn, err := d.direct.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport: %w", err)
	}

	var client *ssh.Client
	err = negotiate(ctx, d.cfg, conn, func(c net.Conn) error {
		cc, chans, reqs, err := ssh.NewClientConn(c, d.addr, d.config)
		if err != nil {
			return err
		}
		client = ssh.NewClient(cc, chans, reqs)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ssh handshake with %s: %w", d.addr, err)
	}
	return client, nil
}

// invalidateClient drops client if it is still the shared transport.
func (d *SSH) invalidateClient(client *ssh.Client) {
	d.mu.Lock()
	if d.client == client {
		d.client = nil
	}
	d.mu.Unlock()
	_ = client.Close()
}

// sshChannelConn is one direct-tcpip channel.
type sshChannelConn struct {
	net.Conn
	stop func() bool
}

func (c *sshChannelConn) Close() error {
	c.stop()
	return c.Conn.Close()
}

func (c *sshChannelConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// authMethods builds the client's auth list: the key source first, then the
// upstream URL's password, offered both as "password" and as the answer to
// every keyboard-interactive prompt.
func authMethods(keySource, password string) ([]ssh.AuthMethod, error) {
	var auth []ssh.AuthMethod

	switch keySource {
	case "":
	case AgentKeySource:
		m, err := agentAuth(os.Getenv("SSH_AUTH_SOCK"))
		if err != nil {
			return nil, err
		}
		auth = append(auth, m)
	default:
		signer, err := readKeyFile(keySource)
		if err != nil {
			return nil, err
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	if password != "" {
		auth = append(auth,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if len(auth) == 0 {
		return nil, errors.New("missing password or key")
	}
	return auth, nil
}

// agentAuth keeps one agent connection open for the life of the dialer and
// asks it for keys on every handshake, so keys added to the agent later are
// picked up on reconnect.
func agentAuth(socket string) (ssh.AuthMethod, error) {
	if socket == "" {
		return nil, errors.New("ssh agent: SSH_AUTH_SOCK not set")
	}

	var d net.Dialer
	conn, err := d.DialContext(context.Background(), "unix", socket)
	if err != nil {
		return nil, fmt.Errorf("ssh agent: %w", err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

func readKeyFile(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("ssh key %s: %w", path, err)
	}
	return signer, nil
}
