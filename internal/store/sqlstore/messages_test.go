package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/sealedchat/internal/models"
	"github.com/pliu/sealedchat/internal/store"
)

var _ store.Store = (*SQLStore)(nil)

func saveMessage(t *testing.T, from, to int, p models.Payload) *models.Message {
	t.Helper()
	m := &models.Message{SenderID: from, RecipientID: to, Payload: p}
	require.NoError(t, testStore.SaveMessage(context.Background(), m))
	return m
}

func TestSaveMessage(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	alice, bob := createUser(t, "alice"), createUser(t, "bob")

	m := saveMessage(t, alice.ID, bob.ID, models.Encrypted([]byte{0x84, 0x01, 0xff}))
	assert.NotZero(t, m.ID)
	assert.False(t, m.CreatedAt.IsZero())

	saveMessage(t, bob.ID, alice.ID, models.PlaintextFallback("Hello"))

	messages, err := testStore.ConversationMessages(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)

	assert.Equal(t, m.ID, messages[0].ID)
	assert.Equal(t, models.PayloadEncrypted, messages[0].Payload.Kind)
	assert.Equal(t, []byte{0x84, 0x01, 0xff}, messages[0].Payload.Body)
	assert.WithinDuration(t, m.CreatedAt, messages[0].CreatedAt, time.Millisecond)

	assert.Equal(t, models.PayloadPlaintext, messages[1].Payload.Kind)
	assert.Equal(t, "Hello", string(messages[1].Payload.Body))
	assert.False(t, messages[1].IsRead)
}

func TestSaveMessageRejectsUnknownKind(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	err := testStore.SaveMessage(context.Background(), &models.Message{
		SenderID: 1, RecipientID: 2, Payload: models.Payload{Kind: "rot13", Body: []byte("x")},
	})
	assert.Error(t, err)
}

func TestConversationMessagesScoped(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	alice, bob, carol := createUser(t, "alice"), createUser(t, "bob"), createUser(t, "carol")
	saveMessage(t, alice.ID, bob.ID, models.PlaintextFallback("a->b"))
	saveMessage(t, carol.ID, alice.ID, models.PlaintextFallback("c->a"))
	saveMessage(t, bob.ID, carol.ID, models.PlaintextFallback("b->c"))

	messages, err := testStore.ConversationMessages(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "a->b", string(messages[0].Payload.Body))

	all, err := testStore.UserMessages(ctx, alice.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestConversationMessagesOrdered(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	alice, bob := createUser(t, "alice"), createUser(t, "bob")
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, offset := range []time.Duration{3 * time.Second, time.Second, 2 * time.Second} {
		m := &models.Message{
			SenderID:    alice.ID,
			RecipientID: bob.ID,
			Payload:     models.PlaintextFallback(string(rune('a' + i))),
			CreatedAt:   base.Add(offset),
		}
		require.NoError(t, testStore.SaveMessage(ctx, m))
	}

	messages, err := testStore.ConversationMessages(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "b", string(messages[0].Payload.Body))
	assert.Equal(t, "c", string(messages[1].Payload.Body))
	assert.Equal(t, "a", string(messages[2].Payload.Body))
	assert.True(t, messages[0].CreatedAt.Equal(base.Add(time.Second)))
}

func TestMarkRead(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	alice, bob := createUser(t, "alice"), createUser(t, "bob")
	in1 := saveMessage(t, bob.ID, alice.ID, models.PlaintextFallback("one"))
	in2 := saveMessage(t, bob.ID, alice.ID, models.PlaintextFallback("two"))
	out := saveMessage(t, alice.ID, bob.ID, models.PlaintextFallback("three"))

	n, err := testStore.MarkRead(ctx, alice.ID, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Messages alice sent are not hers to mark.
	n, err = testStore.MarkRead(ctx, alice.ID, []int64{in1.ID, in2.ID, out.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = testStore.MarkRead(ctx, alice.ID, []int64{in1.ID, in2.ID})
	require.NoError(t, err)
	assert.Zero(t, n, "already read")

	messages, err := testStore.ConversationMessages(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	for _, m := range messages {
		assert.Equal(t, m.RecipientID == alice.ID, m.IsRead, "message %d", m.ID)
	}
}
