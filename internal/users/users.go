// Package users holds the set of identities allowed to obtain signaling
// tokens.
//
// The directory is a YAML file:
//
//	users:
//	  - username: alice
//	    password_hash: $2a$10$...   # optional bcrypt hash
//	  - username: bob
//
// With no file configured the directory is open and admits any well-formed
// username.
package users

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

const MaxUsernameLen = 64

var (
	ErrInvalidUsername = errors.New("invalid username")
	ErrUnknownUser     = errors.New("unknown user")
	ErrWrongPassword   = errors.New("wrong password")
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// ValidUsername reports whether name is acceptable as a signaling identity.
func ValidUsername(name string) bool {
	return usernamePattern.MatchString(name)
}

type fileFormat struct {
	Users []fileEntry `yaml:"users"`
}

type fileEntry struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

type Directory struct {
	path string
	log  *slog.Logger

	mu    sync.RWMutex
	users map[string][]byte // username -> bcrypt hash, nil when passwordless
}

// Open returns a directory that admits every valid username.
func Open() *Directory {
	return &Directory{log: slog.Default()}
}

// Load reads the YAML directory at path. An empty path is equivalent to Open.
func Load(path string, logger *slog.Logger) (*Directory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Directory{path: path, log: logger}
	if path == "" {
		return d, nil
	}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload re-reads the backing file. On error the previous contents are kept.
func (d *Directory) Reload() error {
	if d.path == "" {
		return nil
	}
	raw, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("read users file: %w", err)
	}
	users, err := parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", d.path, err)
	}

	d.mu.Lock()
	d.users = users
	d.mu.Unlock()
	return nil
}

func parse(raw []byte) (map[string][]byte, error) {
	var f fileFormat
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	users := make(map[string][]byte, len(f.Users))
	for i, u := range f.Users {
		if !ValidUsername(u.Username) {
			return nil, fmt.Errorf("users[%d]: %w: %q", i, ErrInvalidUsername, u.Username)
		}
		if _, dup := users[u.Username]; dup {
			return nil, fmt.Errorf("users[%d]: duplicate username %q", i, u.Username)
		}
		var hash []byte
		if u.PasswordHash != "" {
			if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
				return nil, fmt.Errorf("users[%d]: password_hash: %w", i, err)
			}
			hash = []byte(u.PasswordHash)
		}
		users[u.Username] = hash
	}
	return users, nil
}

// Authenticate checks a username/password pair. Entries without a hash
// ignore the password.
func (d *Directory) Authenticate(username, password string) error {
	if !ValidUsername(username) {
		return ErrInvalidUsername
	}
	if d.path == "" {
		return nil
	}

	d.mu.RLock()
	hash, ok := d.users[username]
	d.mu.RUnlock()
	if !ok {
		return ErrUnknownUser
	}
	if hash == nil {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return ErrWrongPassword
	}
	return nil
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

func (d *Directory) Path() string { return d.path }
