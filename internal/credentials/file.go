package credentials

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// File is a store of bcrypt password hashes, loaded from lines of the form
// "username:hash". Blank lines and lines starting with '#' are ignored.
type File struct {
	hashes map[string][]byte
}

// Load reads a credentials file from path.
func Load(path string) (*File, error) {
	f, err := os.Open(path) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("open credentials file: %w", err)
	}
	defer f.Close()

	store, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return store, nil
}

// Parse reads credentials from r.
func Parse(r io.Reader) (*File, error) {
	store := &File{hashes: make(map[string][]byte)}

	sc := bufio.NewScanner(r)
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		username, hash, ok := strings.Cut(line, ":")
		if !ok || username == "" {
			return nil, fmt.Errorf("line %d: want username:hash", lineNo)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("line %d: user %q: %w", lineNo, username, err)
		}
		if _, dup := store.hashes[username]; dup {
			return nil, fmt.Errorf("line %d: duplicate user %q", lineNo, username)
		}
		store.hashes[username] = []byte(hash)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	return store, nil
}

// Len is the number of users in the store.
func (f *File) Len() int {
	return len(f.hashes)
}

func (f *File) Verify(username, password string) bool {
	hash, ok := f.hashes[username]
	if !ok {
		return false
	}

	err := bcrypt.CompareHashAndPassword(hash, []byte(password))
	if err != nil && !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		log.Warn().Err(err).Str("user", username).Msg("comparing password hash")
	}
	return err == nil
}
