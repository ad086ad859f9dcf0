package main

import (
	"net"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/die-net/sockd/internal/socks"
)

func TestParseTCPKeepAlive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    net.KeepAliveConfig
		wantErr bool
	}{
		{in: "on", want: net.KeepAliveConfig{Enable: true}},
		{in: " OFF ", want: net.KeepAliveConfig{}},
		{in: "45:45:3", want: net.KeepAliveConfig{Enable: true, Idle: 45 * time.Second, Interval: 45 * time.Second, Count: 3}},
		{in: "", wantErr: true},
		{in: "45:45", wantErr: true},
		{in: "0:45:3", wantErr: true},
		{in: "45:x:3", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTCPKeepAlive(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Fatalf("got %+v want %+v", got, tt.want)
			}
		})
	}
}

func TestParseAuthMethods(t *testing.T) {
	t.Parallel()

	v := socks.VerifierFunc(func(string, string) bool { return true })

	tests := []struct {
		name     string
		in       string
		verifier socks.Verifier
		want     []byte
		wantErr  bool
	}{
		{name: "default without credentials", want: []byte{0}},
		{name: "default with credentials", verifier: v, want: []byte{2}},
		{name: "preference order", in: "userpass, none", verifier: v, want: []byte{2, 0}},
		{name: "userpass without credentials", in: "userpass", wantErr: true},
		{name: "unknown", in: "gssapi", wantErr: true},
		{name: "duplicate", in: "none,none", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			methods, err := parseAuthMethods(tt.in, tt.verifier)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			var got []byte
			for _, m := range methods {
				got = append(got, m.Code())
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %v want %v", got, tt.want)
			}
		})
	}
}

func TestLoadVerifier(t *testing.T) {
	t.Parallel()

	hash, err := bcrypt.GenerateFromPassword([]byte("filepw"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "users")
	if err := os.WriteFile(path, append([]byte("bob:"), hash...), 0o600); err != nil {
		t.Fatal(err)
	}

	v, err := loadVerifier("", "", "")
	if err != nil || v != nil {
		t.Fatalf("no credentials: v=%v err=%v", v, err)
	}

	if _, err := loadVerifier("", "orphan", ""); err == nil {
		t.Fatal("expected error for password without username")
	}

	v, err = loadVerifier("alice", "pw", path)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Verify("alice", "pw") || !v.Verify("bob", "filepw") || v.Verify("bob", "pw") {
		t.Fatal("combined store verified the wrong credentials")
	}
}
