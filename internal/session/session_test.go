package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/sealedchat/internal/crypto"
	"github.com/pliu/sealedchat/internal/inbox"
	"github.com/pliu/sealedchat/internal/keystore"
	"github.com/pliu/sealedchat/internal/models"
)

type memVault struct {
	mu     sync.Mutex
	keys   map[int]*crypto.KeyPair
	err    error
	putErr error
	puts   atomic.Int32

	// racer, when set, is stored under the user just before a Put, as if
	// another process had won the race to create the key pair.
	racer *crypto.KeyPair
}

func newMemVault() *memVault {
	return &memVault{keys: make(map[int]*crypto.KeyPair)}
}

func (v *memVault) Get(userID int) (*crypto.KeyPair, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return nil, false, v.err
	}
	kp, ok := v.keys[userID]
	return kp, ok, nil
}

func (v *memVault) Delete(userID int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return v.err
	}
	delete(v.keys, userID)
	return nil
}

func (v *memVault) Put(userID int, kp *crypto.KeyPair) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return v.err
	}
	if v.putErr != nil {
		return v.putErr
	}
	if v.racer != nil {
		v.keys[userID] = v.racer
	}
	if _, ok := v.keys[userID]; ok {
		return keystore.ErrKeyPairExists
	}
	v.puts.Add(1)
	v.keys[userID] = kp
	return nil
}

type memDirectory struct {
	mu        sync.Mutex
	keys      map[int]*crypto.PublicKey
	publishes atomic.Int32
	retracts  atomic.Int32
	forgets   atomic.Int32
	delay     time.Duration

	// invalid makes Lookup report an unusable key for these users.
	invalid map[int]bool
}

func newMemDirectory() *memDirectory {
	return &memDirectory{keys: make(map[int]*crypto.PublicKey)}
}

func (d *memDirectory) Lookup(_ context.Context, userID int) (*crypto.PublicKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.invalid[userID] {
		return nil, fmt.Errorf("directory: key of user %d: %w", userID, crypto.ErrInvalidPublicKey)
	}
	return d.keys[userID], nil
}

func (d *memDirectory) Retract(_ context.Context, userID int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retracts.Add(1)
	delete(d.keys, userID)
	return nil
}

func (d *memDirectory) Forget(int) {
	d.forgets.Add(1)
}

func (d *memDirectory) Publish(_ context.Context, userID int, key *crypto.PublicKey) error {
	time.Sleep(d.delay)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.publishes.Add(1)
	d.keys[userID] = key
	return nil
}

type memStore struct {
	mu     sync.Mutex
	rows   []models.Message
	nextID int64
	base   time.Time

	// block, when set, holds ConversationMessages for that counterpart
	// until the context is done.
	block int
}

func newMemStore() *memStore {
	return &memStore{base: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (s *memStore) SaveMessage(_ context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	m.ID = s.nextID
	m.CreatedAt = s.base.Add(time.Duration(s.nextID) * time.Second)
	s.rows = append(s.rows, *m)
	return nil
}

func (s *memStore) UserMessages(_ context.Context, self int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.rows {
		if m.Involves(self) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) ConversationMessages(ctx context.Context, self, counterpart int) ([]models.Message, error) {
	s.mu.Lock()
	block := s.block
	s.mu.Unlock()
	if block == counterpart {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.rows {
		if m.Involves(self) && m.Counterpart(self) == counterpart {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) MarkRead(_ context.Context, self int, ids []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var n int64
	for i := range s.rows {
		m := &s.rows[i]
		if want[m.ID] && m.RecipientID == self && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	return n, nil
}

type world struct {
	dir   *memDirectory
	store *memStore
}

func newWorld() *world {
	return &world{dir: newMemDirectory(), store: newMemStore()}
}

func (w *world) session(userID int, vault KeyVault) *Session {
	return New(Config{UserID: userID, DeviceID: "test-device"}, Deps{
		Vault:     vault,
		Directory: w.dir,
		Messages:  w.store,
	})
}

func TestStartGeneratesAndPublishes(t *testing.T) {
	w := newWorld()
	vault := newMemVault()
	s := w.session(1, vault)

	require.NoError(t, s.Start(context.Background()))
	require.NotNil(t, s.PublicKey())
	assert.False(t, s.Degraded())

	published, _ := w.dir.Lookup(context.Background(), 1)
	assert.True(t, published.Equal(s.PublicKey()))

	require.NoError(t, s.Start(context.Background()))
	assert.EqualValues(t, 1, vault.puts.Load())
	assert.EqualValues(t, 1, w.dir.publishes.Load())
}

func TestStartConcurrentCallersShareInit(t *testing.T) {
	w := newWorld()
	w.dir.delay = 20 * time.Millisecond
	vault := newMemVault()
	s := w.session(1, vault)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Start(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.EqualValues(t, 1, vault.puts.Load())
	assert.EqualValues(t, 1, w.dir.publishes.Load())
}

func TestStartReusesStoredKey(t *testing.T) {
	w := newWorld()
	vault := newMemVault()
	first := w.session(1, vault)
	require.NoError(t, first.Start(context.Background()))

	second := w.session(1, vault)
	require.NoError(t, second.Start(context.Background()))

	assert.True(t, first.PublicKey().Equal(second.PublicKey()))
	assert.EqualValues(t, 1, vault.puts.Load())
	assert.EqualValues(t, 1, w.dir.publishes.Load(), "directory already current")
}

func TestStartRepublishesWhenDirectoryDiffers(t *testing.T) {
	w := newWorld()
	vault := newMemVault()
	require.NoError(t, w.session(1, vault).Start(context.Background()))

	other, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, w.dir.Publish(context.Background(), 1, other.Public()))

	s := w.session(1, vault)
	require.NoError(t, s.Start(context.Background()))

	current, _ := w.dir.Lookup(context.Background(), 1)
	assert.True(t, current.Equal(s.PublicKey()))
}

func TestStartCancelledCaller(t *testing.T) {
	w := newWorld()
	w.dir.delay = 50 * time.Millisecond
	s := w.session(1, newMemVault())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Start(ctx), context.Canceled)

	// The shared initialization carried on without the cancelled caller.
	require.NoError(t, s.Start(context.Background()))
}

func TestDegradedVault(t *testing.T) {
	w := newWorld()
	vault := newMemVault()
	alice := w.session(1, vault)
	bob := w.session(2, newMemVault())
	require.NoError(t, bob.Start(context.Background()))

	// An earlier run of this device published a key it can no longer read.
	old, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, w.dir.Publish(context.Background(), 1, old.Public()))
	vault.err = errors.New("disk on fire")

	err = alice.Start(context.Background())
	require.ErrorIs(t, err, ErrDegraded)
	assert.True(t, alice.Degraded())
	assert.Nil(t, alice.PublicKey())

	pk, _ := w.dir.Lookup(context.Background(), 1)
	assert.Nil(t, pk, "degraded session must withdraw its key")
	assert.EqualValues(t, 1, w.dir.retracts.Load())

	// Start keeps reporting the degradation without retracting again.
	assert.ErrorIs(t, alice.Start(context.Background()), ErrDegraded)
	assert.EqualValues(t, 1, w.dir.retracts.Load())

	// Outbound messages go as plaintext even though bob has a key.
	m, err := alice.Send(context.Background(), 2, "sent in the clear")
	require.NoError(t, err)
	assert.False(t, m.Payload.IsEncrypted())
	assert.Equal(t, "sent in the clear", string(m.Payload.Body))

	// Peers fall back to plaintext for the degraded user.
	m, err = bob.Send(context.Background(), 1, "readable")
	require.NoError(t, err)
	assert.False(t, m.Payload.IsEncrypted())

	view, err := alice.Open(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, view.Entries, 2)
	assert.Equal(t, inbox.StatePlaintext, view.Entries[0].State)
	assert.Equal(t, inbox.StatePlaintext, view.Entries[1].State)
	assert.Equal(t, "readable", view.Entries[1].Text)

	_, err = alice.Send(context.Background(), 2, "")
	assert.ErrorIs(t, err, crypto.ErrEmptyPlaintext)
}

func TestDegradedWhenPutFails(t *testing.T) {
	w := newWorld()
	vault := newMemVault()
	vault.putErr = errors.New("read-only filesystem")
	alice := w.session(1, vault)

	err := alice.Start(context.Background())
	require.ErrorIs(t, err, ErrDegraded)
	assert.True(t, alice.Degraded())
	assert.Nil(t, alice.PublicKey())
	assert.EqualValues(t, 0, w.dir.publishes.Load())

	pk, _ := w.dir.Lookup(context.Background(), 1)
	assert.Nil(t, pk)

	bob := w.session(2, newMemVault())
	require.NoError(t, bob.Start(context.Background()))
	m, err := alice.Send(context.Background(), 2, "hello")
	require.NoError(t, err)
	assert.False(t, m.Payload.IsEncrypted())
}

func TestStartUsesKeyPairStoredConcurrently(t *testing.T) {
	w := newWorld()
	winner, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	vault := newMemVault()
	vault.racer = winner
	s := w.session(1, vault)

	require.NoError(t, s.Start(context.Background()))
	assert.False(t, s.Degraded())
	assert.True(t, s.PublicKey().Equal(winner.Public()))

	published, _ := w.dir.Lookup(context.Background(), 1)
	assert.True(t, published.Equal(winner.Public()))
}

func TestSendFailsOnUnusableRecipientKey(t *testing.T) {
	w := newWorld()
	alice := w.session(1, newMemVault())
	require.NoError(t, alice.Start(context.Background()))
	w.dir.invalid = map[int]bool{2: true}

	m, err := alice.Send(context.Background(), 2, "secret")
	require.Error(t, err)
	assert.Nil(t, m)
	assert.ErrorIs(t, err, crypto.ErrEncrypt)
	assert.EqualValues(t, 1, w.dir.forgets.Load())

	msgs, err := w.store.UserMessages(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendAndOpen(t *testing.T) {
	w := newWorld()
	alice := w.session(1, newMemVault())
	bob := w.session(2, newMemVault())
	require.NoError(t, alice.Start(context.Background()))
	require.NoError(t, bob.Start(context.Background()))

	_, err := alice.Send(context.Background(), 2, "hi bob")
	require.NoError(t, err)
	_, err = bob.Send(context.Background(), 1, "hi alice")
	require.NoError(t, err)

	view, err := bob.Open(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, view.Entries, 2)
	assert.Equal(t, inbox.StateDecrypted, view.Entries[0].State)
	assert.Equal(t, "hi bob", view.Entries[0].Text)
	assert.Equal(t, inbox.StateSentUnrecoverable, view.Entries[1].State)
	assert.EqualValues(t, 1, view.MarkedRead)

	assert.Equal(t, 1, bob.Active())
	assert.Same(t, view, bob.View())

	convs, err := alice.Conversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, 2, convs[0].CounterpartID)
	assert.Equal(t, 1, convs[0].UnreadCount)
}

func TestSendPlaintextWithoutRecipientKey(t *testing.T) {
	w := newWorld()
	alice := w.session(1, newMemVault())

	m, err := alice.Send(context.Background(), 3, "nobody home")
	require.NoError(t, err)
	assert.Equal(t, models.PayloadPlaintext, m.Payload.Kind)
	assert.Equal(t, "nobody home", string(m.Payload.Body))
}

func TestSendRejectsInvalidPlaintext(t *testing.T) {
	w := newWorld()
	alice := w.session(1, newMemVault())

	_, err := alice.Send(context.Background(), 2, "")
	assert.ErrorIs(t, err, crypto.ErrEmptyPlaintext)
	assert.Empty(t, w.store.rows)
}

func TestOpenSupersededIsStale(t *testing.T) {
	w := newWorld()
	w.store.block = 2
	alice := w.session(1, newMemVault())
	require.NoError(t, alice.Start(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := alice.Open(context.Background(), 2)
		done <- err
	}()

	require.Eventually(t, func() bool { return alice.Active() == 2 }, time.Second, 5*time.Millisecond)

	view, err := alice.Open(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, view.Counterpart)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStale)
	case <-time.After(2 * time.Second):
		t.Fatal("superseded Open did not return")
	}
	assert.Equal(t, 3, alice.Active())
	assert.Same(t, view, alice.View())
}

func TestRefreshAndClose(t *testing.T) {
	w := newWorld()
	alice := w.session(1, newMemVault())

	_, err := alice.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveConversation)

	_, err = alice.Open(context.Background(), 2)
	require.NoError(t, err)

	require.NoError(t, w.store.SaveMessage(context.Background(), &models.Message{
		SenderID: 2, RecipientID: 1, Payload: models.PlaintextFallback("later"),
	}))

	view, err := alice.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, view.Entries, 1)
	assert.Equal(t, "later", view.Entries[0].Text)

	alice.Close()
	assert.Zero(t, alice.Active())
	assert.Nil(t, alice.View())
}

func TestWatchRefreshesActiveConversation(t *testing.T) {
	w := newWorld()
	alice := w.session(1, newMemVault())
	bob := w.session(2, newMemVault())
	require.NoError(t, alice.Start(context.Background()))

	_, err := alice.Open(context.Background(), 2)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notes := make(chan models.Notification, 4)
	views := make(chan *inbox.View, 4)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- alice.Watch(ctx, notes, func(v *inbox.View, err error) {
			if err == nil {
				views <- v
			}
		})
	}()

	_, err = bob.Send(context.Background(), 1, "ping")
	require.NoError(t, err)
	notes <- models.Notification{Type: models.NotificationNewMessage, ConversationWith: 2}
	notes <- models.Notification{Type: models.NotificationNewMessage, ConversationWith: 2}

	select {
	case v := <-views:
		require.Len(t, v.Entries, 1)
		assert.Equal(t, "ping", v.Entries[0].Text)
		assert.Equal(t, inbox.StateDecrypted, v.Entries[0].State)
	case <-time.After(2 * time.Second):
		t.Fatal("no refresh after notification")
	}

	cancel()
	assert.ErrorIs(t, <-watchErr, context.Canceled)
}

func TestWatchStopsOnClosedChannel(t *testing.T) {
	w := newWorld()
	alice := w.session(1, newMemVault())

	notes := make(chan models.Notification)
	close(notes)
	err := alice.Watch(context.Background(), notes, func(*inbox.View, error) {
		t.Fatal("no refresh expected")
	})
	assert.NoError(t, err)
}

func TestWipe(t *testing.T) {
	w := newWorld()
	vault := newMemVault()
	s := w.session(1, vault)
	require.NoError(t, s.Start(context.Background()))
	old := s.PublicKey()

	require.NoError(t, s.Wipe(context.Background()))
	assert.Nil(t, s.PublicKey())
	assert.Empty(t, vault.keys)
	pk, _ := w.dir.Lookup(context.Background(), 1)
	assert.Nil(t, pk)

	require.NoError(t, s.Start(context.Background()))
	require.NotNil(t, s.PublicKey())
	assert.False(t, s.PublicKey().Equal(old))
	pk, _ = w.dir.Lookup(context.Background(), 1)
	assert.True(t, pk.Equal(s.PublicKey()))
}

func TestWipeLeavesOtherDevicesKey(t *testing.T) {
	w := newWorld()
	s := w.session(1, newMemVault())
	require.NoError(t, s.Start(context.Background()))

	other, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, w.dir.Publish(context.Background(), 1, other.Public()))

	require.NoError(t, s.Wipe(context.Background()))
	assert.EqualValues(t, 0, w.dir.retracts.Load())
	pk, _ := w.dir.Lookup(context.Background(), 1)
	assert.True(t, pk.Equal(other.Public()))
}
