// Package directory maps user ids to their published public keys.
package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/pliu/sealedchat/internal/crypto"
	"github.com/pliu/sealedchat/internal/log"
	"github.com/pliu/sealedchat/internal/metrics"
	"github.com/pliu/sealedchat/internal/retry"
)

// DefaultTTL is how long a lookup result is reused.
const DefaultTTL = 30 * time.Second

// Profiles is the central profile record holding one public key per user.
// A user without a key is reported with ok == false and a nil error.
// Setting an empty key withdraws the published one.
type Profiles interface {
	GetPublicKey(ctx context.Context, userID int) (key []byte, ok bool, err error)
	SetPublicKey(ctx context.Context, userID int, key []byte) error
}

// DirectoryError reports a failed publish or lookup. It is recoverable:
// the caller may retry later, and sends fall back to plaintext meanwhile.
type DirectoryError struct {
	Op     string
	UserID int
	Err    error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("directory: %s user %d: %v", e.Op, e.UserID, e.Err)
}

func (e *DirectoryError) Unwrap() error { return e.Err }

type cacheEntry struct {
	key     *crypto.PublicKey
	expires time.Time
}

type Option func(*Directory)

// WithTTL sets the cache lifetime. Zero disables caching.
func WithTTL(ttl time.Duration) Option {
	return func(d *Directory) {
		d.ttl = ttl
	}
}

func WithRetry(cfg *retry.Config) Option {
	return func(d *Directory) {
		d.retry = cfg
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(d *Directory) {
		d.log = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Directory) {
		d.metrics = m
	}
}

type Directory struct {
	profiles Profiles
	ttl      time.Duration
	retry    *retry.Config
	log      *logging.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	cache map[int]cacheEntry

	now func() time.Time
}

func New(profiles Profiles, opts ...Option) *Directory {
	d := &Directory{
		profiles: profiles,
		ttl:      DefaultTTL,
		retry:    retry.Default(),
		cache:    make(map[int]cacheEntry),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = log.Discard().GetLogger("directory")
	}
	return d
}

// Publish writes key as userID's current public key, replacing any
// previous one.
func (d *Directory) Publish(ctx context.Context, userID int, key *crypto.PublicKey) error {
	exported := crypto.ExportPublicKey(key)
	err := d.retry.Do(ctx, func(ctx context.Context) error {
		return d.profiles.SetPublicKey(ctx, userID, exported)
	})
	if err != nil {
		return &DirectoryError{Op: "publish", UserID: userID, Err: err}
	}

	d.store(userID, key)
	d.log.Infof("Published key %s for user %d", key.Fingerprint(), userID)
	return nil
}

// Retract withdraws userID's published key, so senders fall back to
// plaintext instead of encrypting to a key nobody can read.
func (d *Directory) Retract(ctx context.Context, userID int) error {
	err := d.retry.Do(ctx, func(ctx context.Context) error {
		return d.profiles.SetPublicKey(ctx, userID, nil)
	})
	if err != nil {
		return &DirectoryError{Op: "retract", UserID: userID, Err: err}
	}

	d.store(userID, nil)
	d.log.Noticef("Retracted key for user %d", userID)
	return nil
}

// Lookup returns userID's current public key, or nil if the user has never
// published one. A missing key is not an error.
func (d *Directory) Lookup(ctx context.Context, userID int) (*crypto.PublicKey, error) {
	if key, ok := d.cached(userID); ok {
		d.metrics.DirectoryLookup("cached")
		return key, nil
	}

	var (
		raw   []byte
		found bool
	)
	err := d.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		raw, found, err = d.profiles.GetPublicKey(ctx, userID)
		return err
	})
	if err != nil {
		d.metrics.DirectoryLookup("error")
		return nil, &DirectoryError{Op: "lookup", UserID: userID, Err: err}
	}
	if !found {
		d.metrics.DirectoryLookup("absent")
		d.store(userID, nil)
		return nil, nil
	}

	// A record that exists but does not parse is not an outage: the
	// recipient has a key and it is unusable.
	key, err := crypto.ImportPublicKey(raw)
	if err != nil {
		d.metrics.DirectoryLookup("invalid")
		return nil, fmt.Errorf("directory: key of user %d: %w", userID, err)
	}
	d.metrics.DirectoryLookup("found")
	d.store(userID, key)
	return key, nil
}

// Forget drops any cached result for userID.
func (d *Directory) Forget(userID int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cache, userID)
}

func (d *Directory) cached(userID int) (*crypto.PublicKey, bool) {
	if d.ttl <= 0 {
		return nil, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.cache[userID]
	if !ok {
		return nil, false
	}
	if !d.now().Before(e.expires) {
		delete(d.cache, userID)
		return nil, false
	}
	return e.key, true
}

func (d *Directory) store(userID int, key *crypto.PublicKey) {
	if d.ttl <= 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache[userID] = cacheEntry{key: key, expires: d.now().Add(d.ttl)}
}
