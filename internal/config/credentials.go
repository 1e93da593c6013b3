package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

var ErrNotLoggedIn = errors.New("config: not logged in")

// Credentials is the login saved by the client between invocations.
type Credentials struct {
	UserID   int
	Username string
	Cookie   string
}

// LoadCredentials reads the saved login, returning ErrNotLoggedIn if there
// is none.
func LoadCredentials(path string) (*Credentials, error) {
	creds := new(Credentials)
	if _, err := toml.DecodeFile(path, creds); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotLoggedIn
		}
		return nil, err
	}
	if creds.UserID <= 0 || creds.Cookie == "" {
		return nil, ErrNotLoggedIn
	}
	return creds, nil
}

// Save writes the login readable by the owner only.
func (c *Credentials) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		f.Close()
		return fmt.Errorf("config: write credentials: %w", err)
	}
	return f.Close()
}
