// Package session ties the E2EE components together for one signed-in
// user on one device.
//
// A Session owns the device key pair. Start loads it from the key vault or
// generates and publishes a new one; concurrent callers share a single
// in-flight initialization, so a second generation can never replace a key
// that was already published.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
	"gopkg.in/op/go-logging.v1"

	"github.com/pliu/sealedchat/internal/codec"
	"github.com/pliu/sealedchat/internal/conversation"
	"github.com/pliu/sealedchat/internal/crypto"
	"github.com/pliu/sealedchat/internal/inbox"
	"github.com/pliu/sealedchat/internal/keystore"
	"github.com/pliu/sealedchat/internal/log"
	"github.com/pliu/sealedchat/internal/metrics"
	"github.com/pliu/sealedchat/internal/models"
)

var (
	// ErrDegraded is returned by Start when the key vault is unusable. The
	// session keeps working in plaintext only: it sends PlaintextFallback
	// payloads and withdraws its published key so peers do the same.
	ErrDegraded = errors.New("session: key store unavailable, encryption degraded")

	// ErrStale is returned by Open when another conversation was selected
	// before the reconciliation finished.
	ErrStale = errors.New("session: conversation no longer active")

	ErrNoActiveConversation = errors.New("session: no active conversation")
)

// KeyVault is the device-local key pair storage.
type KeyVault interface {
	Get(userID int) (*crypto.KeyPair, bool, error)
	Put(userID int, kp *crypto.KeyPair) error
	Delete(userID int) error
}

// Directory publishes and resolves public keys.
type Directory interface {
	codec.KeyLookup
	Publish(ctx context.Context, userID int, key *crypto.PublicKey) error
	Retract(ctx context.Context, userID int) error
	Forget(userID int)
}

// MessageStore is the authoritative message store.
type MessageStore interface {
	inbox.Messages
	SaveMessage(ctx context.Context, m *models.Message) error
	UserMessages(ctx context.Context, self int) ([]models.Message, error)
}

type Config struct {
	UserID   int
	DeviceID string

	// DecryptConcurrency bounds parallel decryption when a conversation
	// is opened. Zero keeps the inbox default.
	DecryptConcurrency int
}

type Deps struct {
	Vault     KeyVault
	Directory Directory
	Messages  MessageStore
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
}

type Session struct {
	cfg      Config
	vault    KeyVault
	dir      Directory
	messages MessageStore
	codec    *codec.Codec
	inbox    *inbox.Reconciler
	log      *logging.Logger
	metrics  *metrics.Metrics

	init singleflight.Group

	mu        sync.RWMutex
	keys      *crypto.KeyPair
	loaded    bool
	published bool
	degraded  bool

	activeMu    sync.Mutex
	active      int
	generation  uint64
	cancelOpen  context.CancelFunc
	currentView *inbox.View
}

func New(cfg Config, deps Deps) *Session {
	l := deps.Logger
	if l == nil {
		l = log.Discard().GetLogger("session")
	}
	inboxOpts := []inbox.Option{inbox.WithLogger(l), inbox.WithMetrics(deps.Metrics)}
	if cfg.DecryptConcurrency > 0 {
		inboxOpts = append(inboxOpts, inbox.WithConcurrency(cfg.DecryptConcurrency))
	}
	return &Session{
		cfg:      cfg,
		vault:    deps.Vault,
		dir:      deps.Directory,
		messages: deps.Messages,
		codec:    codec.New(deps.Directory, codec.WithLogger(l), codec.WithMetrics(deps.Metrics)),
		inbox:    inbox.New(deps.Messages, inboxOpts...),
		log:      l,
		metrics:  deps.Metrics,
	}
}

func (s *Session) UserID() int { return s.cfg.UserID }

// Start makes sure the device key pair exists and is published. It is safe
// to call any number of times from any goroutine; work that already
// succeeded is not repeated.
func (s *Session) Start(ctx context.Context) error {
	if done, err := s.initialized(); done {
		return err
	}

	// The shared initialization must not die with whichever caller
	// happened to trigger it.
	ictx := context.WithoutCancel(ctx)
	ch := s.init.DoChan("keys", func() (interface{}, error) {
		return nil, s.initialize(ictx)
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (s *Session) initialized() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case s.degraded:
		return true, ErrDegraded
	case s.loaded && s.published:
		return true, nil
	}
	return false, nil
}

func (s *Session) initialize(ctx context.Context) error {
	uid := s.cfg.UserID

	s.mu.RLock()
	kp := s.keys
	s.mu.RUnlock()

	generated := false
	if kp == nil {
		stored, ok, err := s.vault.Get(uid)
		if err != nil {
			return s.degrade(ctx, err)
		}
		if ok {
			kp = stored
		} else if kp, generated, err = s.generate(ctx, uid); err != nil {
			return err
		}

		s.mu.Lock()
		s.keys = kp
		s.loaded = true
		s.mu.Unlock()
	}

	if !generated {
		// A restart after a failed publish, or another device publishing
		// later, leaves the directory out of step with this device.
		current, err := s.dir.Lookup(ctx, uid)
		if err == nil && current != nil && current.Equal(kp.Public()) {
			s.markPublished()
			return nil
		}
	}

	if err := s.dir.Publish(ctx, uid, kp.Public()); err != nil {
		s.log.Warningf("Publishing key for user %d failed: %v", uid, err)
		return err
	}
	s.markPublished()
	return nil
}

// generate creates and stores a new key pair. If another process stored
// one first, that pair is used instead.
func (s *Session) generate(ctx context.Context, uid int) (*crypto.KeyPair, bool, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, false, fmt.Errorf("session: %w", err)
	}

	// The private key must be durable before anyone can encrypt to its
	// public half.
	err = s.vault.Put(uid, kp)
	if errors.Is(err, keystore.ErrKeyPairExists) {
		stored, ok, gerr := s.vault.Get(uid)
		switch {
		case gerr != nil:
			return nil, false, s.degrade(ctx, gerr)
		case !ok:
			return nil, false, s.degrade(ctx, err)
		}
		s.log.Infof("Using key pair %s stored concurrently for user %d", stored.Public().Fingerprint(), uid)
		return stored, false, nil
	}
	if err != nil {
		return nil, false, s.degrade(ctx, err)
	}

	s.metrics.KeyPairGenerated()
	s.log.Noticef("Generated key pair %s for user %d on device %s", kp.Public().Fingerprint(), uid, s.cfg.DeviceID)
	return kp, true, nil
}

func (s *Session) markPublished() {
	s.mu.Lock()
	s.published = true
	s.mu.Unlock()
}

// degrade switches the session to plaintext only. Any key this user has
// published is withdrawn, since this device can no longer prove it holds
// the private half.
func (s *Session) degrade(ctx context.Context, err error) error {
	s.log.Errorf("Key store unusable for user %d, switching to plaintext: %v", s.cfg.UserID, err)

	s.mu.Lock()
	s.degraded = true
	s.mu.Unlock()

	if rerr := s.dir.Retract(ctx, s.cfg.UserID); rerr != nil {
		s.log.Warningf("Withdrawing key for user %d failed: %v", s.cfg.UserID, rerr)
	}
	return fmt.Errorf("%w: %w", ErrDegraded, err)
}

// Degraded reports whether the key vault failed and the session is
// sending plaintext only.
func (s *Session) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// PublicKey returns the device public key, or nil before Start succeeded
// in loading one.
func (s *Session) PublicKey() *crypto.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.keys == nil {
		return nil
	}
	return s.keys.Public()
}

func (s *Session) keyPair() *crypto.KeyPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys
}

// awaitInit runs Start and only fails on cancellation. Degradation or a
// failed publish does not stop messaging; it has already been logged and
// returned from Start.
func (s *Session) awaitInit(ctx context.Context) error {
	err := s.Start(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		s.log.Debugf("Continuing without complete key setup: %v", err)
	}
	return nil
}

// Wipe deletes the device key pair. The published key is withdrawn when it
// is the one being deleted; a key published since by another device is
// left alone. Start creates a fresh pair afterwards.
func (s *Session) Wipe(ctx context.Context) error {
	uid := s.cfg.UserID
	kp, ok, err := s.vault.Get(uid)
	if err != nil {
		return fmt.Errorf("session: wipe: %w", err)
	}
	if err := s.vault.Delete(uid); err != nil {
		return fmt.Errorf("session: wipe: %w", err)
	}

	s.mu.Lock()
	s.keys = nil
	s.loaded = false
	s.published = false
	s.mu.Unlock()
	s.log.Noticef("Wiped key pair for user %d on device %s", uid, s.cfg.DeviceID)

	if !ok {
		return nil
	}
	current, err := s.dir.Lookup(ctx, uid)
	if err != nil {
		return err
	}
	if current != nil && current.Equal(kp.Public()) {
		return s.dir.Retract(ctx, uid)
	}
	return nil
}

// Send encodes text for recipientID and stores it. Any failure, whether in
// encryption or in the store, is returned. A degraded session sends
// plaintext.
func (s *Session) Send(ctx context.Context, recipientID int, text string) (*models.Message, error) {
	if err := s.awaitInit(ctx); err != nil {
		return nil, err
	}

	var (
		payload models.Payload
		err     error
	)
	if s.Degraded() {
		payload, err = s.codec.Plaintext(text)
	} else {
		payload, err = s.codec.Encode(ctx, recipientID, text)
	}
	if err != nil {
		if errors.Is(err, crypto.ErrEncrypt) {
			// The next attempt should see a freshly published key.
			s.dir.Forget(recipientID)
		}
		return nil, fmt.Errorf("session: send to %d: %w", recipientID, err)
	}

	m := &models.Message{
		SenderID:    s.cfg.UserID,
		RecipientID: recipientID,
		Payload:     payload,
	}
	if err := s.messages.SaveMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("session: send to %d: %w", recipientID, err)
	}
	return m, nil
}

// Conversations lists the user's conversations, most recent first.
func (s *Session) Conversations(ctx context.Context) ([]models.Conversation, error) {
	msgs, err := s.messages.UserMessages(ctx, s.cfg.UserID)
	if err != nil {
		return nil, fmt.Errorf("session: list messages: %w", err)
	}
	return conversation.Aggregate(s.cfg.UserID, msgs), nil
}
