// Package config loads the TOML configuration shared by the relay server
// and the command line client.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultAddress        = ":8080"
	DefaultDriver         = "sqlite3"
	DefaultDataSourceName = "sealedchat.db"
	DefaultLogLevel       = "NOTICE"
	DefaultServerURL      = "http://localhost:8080"
	DefaultDirectoryTTL   = 30 * time.Second
	DefaultRequestTimeout = 15 * time.Second
	DefaultRetryAttempts  = 3
	DefaultRetryBaseDelay = 500 * time.Millisecond
	DefaultVaultTimeout   = time.Second
	DefaultDecryptWorkers = 4
	DefaultSessionTTL     = 24 * time.Hour

	credentialsFile = "session.toml"
	keyVaultFile    = "keys.db"
)

// Server configures the relay.
type Server struct {
	// Address is the HTTP listen address.
	Address string

	// CookieSecret keys the session cookie HMAC. Changing it logs every
	// user out.
	CookieSecret string

	SessionTTL time.Duration
}

type Database struct {
	// Driver is "sqlite3" or "postgres".
	Driver         string
	DataSourceName string
}

type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

// Client configures the command line client.
type Client struct {
	ServerURL string

	// DataDir holds the device key vault and the saved login.
	DataDir string

	DirectoryTTL     time.Duration
	RequestTimeout   time.Duration
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration

	// VaultOpenTimeout bounds the wait for another process holding the
	// key vault.
	VaultOpenTimeout time.Duration

	// DecryptWorkers bounds parallel decryption when reading a
	// conversation.
	DecryptWorkers int
}

type Metrics struct {
	// Enable serves Prometheus metrics on /metrics.
	Enable bool
}

type Config struct {
	Server   *Server
	Database *Database
	Logging  *Logging
	Client   *Client
	Metrics  *Metrics
}

// Default returns a configuration usable without any file.
func Default() *Config {
	cfg := new(Config)
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server == nil {
		c.Server = new(Server)
	}
	if c.Server.Address == "" {
		c.Server.Address = DefaultAddress
	}
	if c.Server.SessionTTL <= 0 {
		c.Server.SessionTTL = DefaultSessionTTL
	}

	if c.Database == nil {
		c.Database = new(Database)
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}
	if c.Database.DataSourceName == "" && c.Database.Driver == DefaultDriver {
		c.Database.DataSourceName = DefaultDataSourceName
	}

	if c.Logging == nil {
		c.Logging = new(Logging)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}

	if c.Client == nil {
		c.Client = new(Client)
	}
	if c.Client.ServerURL == "" {
		c.Client.ServerURL = DefaultServerURL
	}
	if c.Client.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Client.DataDir = filepath.Join(home, ".sealedchat")
		} else {
			c.Client.DataDir = ".sealedchat"
		}
	}
	if c.Client.DirectoryTTL <= 0 {
		c.Client.DirectoryTTL = DefaultDirectoryTTL
	}
	if c.Client.RequestTimeout <= 0 {
		c.Client.RequestTimeout = DefaultRequestTimeout
	}
	if c.Client.RetryMaxAttempts <= 0 {
		c.Client.RetryMaxAttempts = DefaultRetryAttempts
	}
	if c.Client.RetryBaseDelay <= 0 {
		c.Client.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.Client.VaultOpenTimeout <= 0 {
		c.Client.VaultOpenTimeout = DefaultVaultTimeout
	}
	if c.Client.DecryptWorkers <= 0 {
		c.Client.DecryptWorkers = DefaultDecryptWorkers
	}

	if c.Metrics == nil {
		c.Metrics = new(Metrics)
	}
}

// Validate fills in defaults and rejects unusable values.
func (c *Config) Validate() error {
	c.applyDefaults()

	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("config: Database: Driver '%v' is invalid", c.Database.Driver)
	}
	if c.Database.DataSourceName == "" {
		return errors.New("config: Database: DataSourceName is not set")
	}

	lvl := strings.ToUpper(c.Logging.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", c.Logging.Level)
	}
	c.Logging.Level = lvl

	u, err := url.Parse(c.Client.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: Client: ServerURL '%v' is invalid", c.Client.ServerURL)
	}
	c.Client.ServerURL = strings.TrimSuffix(c.Client.ServerURL, "/")
	return nil
}

// KeyVaultPath is where the device key pair is kept.
func (c *Client) KeyVaultPath() string {
	return filepath.Join(c.DataDir, keyVaultFile)
}

func (c *Client) CredentialsPath() string {
	return filepath.Join(c.DataDir, credentialsFile)
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
