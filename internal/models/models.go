package models

import "time"

type User struct {
	ID        int    `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"-"`
	PublicKey []byte `json:"public_key,omitempty"`
}

// PayloadKind tags how a message body was produced. It is fixed when the
// message is created and stored in its own column next to the body, so a
// reader never has to inspect the body bytes to classify a message.
type PayloadKind string

const (
	PayloadEncrypted PayloadKind = "encrypted"
	PayloadPlaintext PayloadKind = "plaintext"
)

func (k PayloadKind) Valid() bool {
	return k == PayloadEncrypted || k == PayloadPlaintext
}

type Payload struct {
	Kind PayloadKind `json:"kind"`
	Body []byte      `json:"body"`
}

// Encrypted wraps a ciphertext produced under the recipient's public key.
func Encrypted(ciphertext []byte) Payload {
	return Payload{Kind: PayloadEncrypted, Body: ciphertext}
}

// PlaintextFallback wraps text sent to a recipient that had no public key.
func PlaintextFallback(text string) Payload {
	return Payload{Kind: PayloadPlaintext, Body: []byte(text)}
}

func (p Payload) IsEncrypted() bool {
	return p.Kind == PayloadEncrypted
}

type Message struct {
	ID          int64     `json:"id"`
	SenderID    int       `json:"sender_id"`
	RecipientID int       `json:"recipient_id"`
	Payload     Payload   `json:"payload"`
	IsRead      bool      `json:"is_read"`
	CreatedAt   time.Time `json:"created_at"`
}

// Counterpart returns the other party of the message as seen by self.
func (m *Message) Counterpart(self int) int {
	if m.SenderID == self {
		return m.RecipientID
	}
	return m.SenderID
}

// Involves reports whether self is the sender or the recipient.
func (m *Message) Involves(self int) bool {
	return m.SenderID == self || m.RecipientID == self
}

// Conversation is derived from the message set and never persisted.
type Conversation struct {
	CounterpartID int       `json:"counterpart_id"`
	LastMessageAt time.Time `json:"last_message_at"`
	UnreadCount   int       `json:"unread_count"`
}

const (
	NotificationNewMessage = "new_message"
	NotificationRead       = "read"
)

// Notification is pushed over the change feed. Receivers only use it as a
// trigger to refetch; its fields are hints.
type Notification struct {
	Type             string `json:"type"`
	ConversationWith int    `json:"conversation_with"`
	MessageID        int64  `json:"message_id,omitempty"`
}
