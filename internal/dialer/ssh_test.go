package dialer

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/sockd/internal/testutil"
)

type directTCPIPPayload struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

// sshForwardServer is a minimal ssh -D style server.
type sshForwardServer struct {
	ln      net.Listener
	hostKey ssh.Signer

	mu        sync.Mutex
	conns     []ssh.Conn
	handshake int
}

func mustGenerateKey(t *testing.T) ssh.Signer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signer
}

func startSSHForwardServer(ctx context.Context, t *testing.T, cfg *ssh.ServerConfig) *sshForwardServer {
	t.Helper()

	s := &sshForwardServer{hostKey: mustGenerateKey(t)}
	cfg.AddHostKey(s.hostKey)

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s.ln = ln
	t.Cleanup(func() { _ = ln.Close() })

	context.AfterFunc(ctx, func() {
		_ = ln.Close()
		s.dropConns()
	})

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serveConn(ctx, c, cfg)
		}
	}()
	return s
}

func (s *sshForwardServer) serveConn(ctx context.Context, c net.Conn, cfg *ssh.ServerConfig) {
	defer c.Close()

	sconn, chans, reqs, err := ssh.NewServerConn(c, cfg)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, sconn)
	s.handshake++
	s.mu.Unlock()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "direct-tcpip" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel")
			continue
		}

		var p directTCPIPPayload
		if err := ssh.Unmarshal(newChan.ExtraData(), &p); err != nil {
			_ = newChan.Reject(ssh.Prohibited, "bad direct-tcpip payload")
			continue
		}

		d := net.Dialer{}
		dst, err := d.DialContext(ctx, "tcp", net.JoinHostPort(p.Host, fmt.Sprint(p.Port)))
		if err != nil {
			_ = newChan.Reject(ssh.ConnectionFailed, "dial failed")
			continue
		}

		ch, chReqs, err := newChan.Accept()
		if err != nil {
			_ = dst.Close()
			continue
		}
		go ssh.DiscardRequests(chReqs)

		go func() {
			defer ch.Close()
			defer dst.Close()

			g := errgroup.Group{}
			g.Go(func() error {
				_, err := io.Copy(dst, ch)
				return err
			})
			g.Go(func() error {
				_, err := io.Copy(ch, dst)
				return err
			})
			_ = g.Wait()
		}()
	}
}

// dropConns kills every transport, as a server restart or network fault
// would.
func (s *sshForwardServer) dropConns() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *sshForwardServer) handshakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshake
}

func passwordConfig(username, password string) *ssh.ServerConfig {
	return &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if meta.User() != username || string(pass) != password {
				return nil, errors.New("invalid credentials")
			}
			return &ssh.Permissions{}, nil
		},
	}
}

func TestSSHDialContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn1 := testutil.StartEchoTCPServer(ctx, t)
	echoLn2 := testutil.StartEchoTCPServer(ctx, t)
	srv := startSSHForwardServer(ctx, t, passwordConfig("user", "pass"))

	d, err := NewSSH(Config{DialTimeout: 2 * time.Second, NegotiationTimeout: 2 * time.Second}, srv.ln.Addr().String(), "user", "pass")
	if err != nil {
		t.Fatal(err)
	}

	c1, err := d.DialContext(ctx, "tcp", echoLn1.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, c1, c1, []byte("hello"))
	_ = c1.Close()

	c2, err := d.DialContext(ctx, "tcp", echoLn2.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	testutil.AssertEcho(t, c2, c2, []byte("hello2"))

	if n := srv.handshakes(); n != 1 {
		t.Fatalf("got %d ssh handshakes, want one shared transport", n)
	}
}

func TestSSHRefusedDestinationKeepsTransport(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(ctx, t)
	srv := startSSHForwardServer(ctx, t, passwordConfig("user", "pass"))

	d, err := NewSSH(Config{}, srv.ln.Addr().String(), "user", "pass")
	if err != nil {
		t.Fatal(err)
	}

	_, err = d.DialContext(ctx, "tcp", testutil.UnusedAddr(t))
	var openErr *ssh.OpenChannelError
	if !errors.As(err, &openErr) {
		t.Fatalf("err=%v, want *ssh.OpenChannelError", err)
	}

	c, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	testutil.AssertEcho(t, c, c, []byte("hello"))

	if n := srv.handshakes(); n != 1 {
		t.Fatalf("got %d ssh handshakes, want 1", n)
	}
}

func TestSSHReconnectsDeadTransport(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(ctx, t)
	srv := startSSHForwardServer(ctx, t, passwordConfig("user", "pass"))

	d, err := NewSSH(Config{}, srv.ln.Addr().String(), "user", "pass")
	if err != nil {
		t.Fatal(err)
	}

	c1, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, c1, c1, []byte("hello"))
	_ = c1.Close()

	srv.dropConns()

	// Wait for the client to notice the transport is gone.
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	_ = client.Wait()

	c2, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	testutil.AssertEcho(t, c2, c2, []byte("again"))

	if n := srv.handshakes(); n != 2 {
		t.Fatalf("got %d ssh handshakes, want 2", n)
	}
}

func TestSSHPublicKeyAndKnownHosts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, clientKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(clientKey, "")
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(clientKey)
	if err != nil {
		t.Fatal(err)
	}

	srv := startSSHForwardServer(ctx, t, &ssh.ServerConfig{
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if meta.User() != "user" || !bytes.Equal(key.Marshal(), signer.PublicKey().Marshal()) {
				return nil, errors.New("unknown key")
			}
			return &ssh.Permissions{}, nil
		},
	})
	echoLn := testutil.StartEchoTCPServer(ctx, t)

	knownHosts := filepath.Join(dir, "ssh", "known_hosts")
	d, err := NewSSH(Config{SSHKeyPath: keyPath, SSHKnownHostsPath: knownHosts}, srv.ln.Addr().String(), "user", "")
	if err != nil {
		t.Fatal(err)
	}

	c, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	testutil.AssertEcho(t, c, c, []byte("hello"))

	data, err := os.ReadFile(knownHosts) //nolint:gosec // Test path from t.TempDir().
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), srv.hostKey.PublicKey().Type()) {
		t.Fatalf("known_hosts missing server key: %q", data)
	}
}

func TestSSHBadPassword(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := startSSHForwardServer(ctx, t, passwordConfig("user", "pass"))

	d, err := NewSSH(Config{}, srv.ln.Addr().String(), "user", "wrong")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.DialContext(ctx, "tcp", "192.0.2.1:80"); err == nil {
		t.Fatal("expected authentication failure")
	}
}

func writeKeyFile(t *testing.T, key ed25519.PrivateKey) string {
	t.Helper()

	block, err := ssh.MarshalPrivateKey(key, "")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAuthMethods(t *testing.T) {
	t.Parallel()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	keyPath := writeKeyFile(t, key)

	bad := filepath.Join(t.TempDir(), "bad")
	if err := os.WriteFile(bad, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		keySource string
		password  string
		want      int
		wantErr   bool
	}{
		{name: "nothing", wantErr: true},
		{name: "password", password: "pass", want: 2},
		{name: "key", keySource: keyPath, want: 1},
		{name: "key and password", keySource: keyPath, password: "pass", want: 3},
		{name: "missing key file", keySource: filepath.Join(t.TempDir(), "missing"), password: "pass", wantErr: true},
		{name: "malformed key file", keySource: bad, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			auth, err := authMethods(tt.keySource, tt.password)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(auth) != tt.want {
				t.Fatalf("got %d auth methods, want %d", len(auth), tt.want)
			}
		})
	}
}

func TestSSHKeyboardInteractive(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := startSSHForwardServer(ctx, t, &ssh.ServerConfig{
		KeyboardInteractiveCallback: func(meta ssh.ConnMetadata, client ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := client("", "", []string{"Password: ", "OTP: "}, []bool{false, false})
			if err != nil {
				return nil, err
			}
			if meta.User() != "user" || len(answers) != 2 || answers[0] != "pass" {
				return nil, errors.New("invalid credentials")
			}
			return &ssh.Permissions{}, nil
		},
	})
	echoLn := testutil.StartEchoTCPServer(ctx, t)

	d, err := NewSSH(Config{}, srv.ln.Addr().String(), "user", "pass")
	if err != nil {
		t.Fatal(err)
	}
	c, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	testutil.AssertEcho(t, c, c, []byte("hello"))
}

func TestSSHAgentKeys(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keyring := agent.NewKeyring()
	sock := filepath.Join(t.TempDir(), "agent.sock")
	lc := net.ListenConfig{}
	agentLn, err := lc.Listen(ctx, "unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = agentLn.Close() })
	go func() {
		for {
			c, err := agentLn.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_ = agent.ServeAgent(keyring, c)
			}()
		}
	}()

	auth, err := agentAuth(sock)
	if err != nil {
		t.Fatal(err)
	}

	// Added after the agent connection exists; the next handshake sees it.
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if err := keyring.Add(agent.AddedKey{PrivateKey: key}); err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatal(err)
	}

	srv := startSSHForwardServer(ctx, t, &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, k ssh.PublicKey) (*ssh.Permissions, error) {
			if !bytes.Equal(k.Marshal(), signer.PublicKey().Marshal()) {
				return nil, errors.New("unknown key")
			}
			return &ssh.Permissions{}, nil
		},
	})

	client, err := ssh.Dial("tcp", srv.ln.Addr().String(), &ssh.ClientConfig{
		User:            "user",
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // Test server.
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = client.Close()

	if _, err := agentAuth(""); err == nil {
		t.Fatal("expected error without an agent socket")
	}
}
