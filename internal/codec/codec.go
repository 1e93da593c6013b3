// Package codec turns outgoing text into a message payload, encrypting it
// whenever the recipient has a published public key.
package codec

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/op/go-logging.v1"

	"github.com/pliu/sealedchat/internal/crypto"
	"github.com/pliu/sealedchat/internal/directory"
	"github.com/pliu/sealedchat/internal/log"
	"github.com/pliu/sealedchat/internal/metrics"
	"github.com/pliu/sealedchat/internal/models"
)

// KeyLookup resolves a recipient's public key. A nil key with a nil error
// means the recipient has none.
type KeyLookup interface {
	Lookup(ctx context.Context, userID int) (*crypto.PublicKey, error)
}

type Option func(*Codec)

func WithLogger(l *logging.Logger) Option {
	return func(c *Codec) {
		c.log = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Codec) {
		c.metrics = m
	}
}

type Codec struct {
	keys    KeyLookup
	log     *logging.Logger
	metrics *metrics.Metrics
}

func New(keys KeyLookup, opts ...Option) *Codec {
	c := &Codec{keys: keys}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = log.Discard().GetLogger("codec")
	}
	return c
}

// Encode builds the payload for a message to recipientID.
//
// The payload is Encrypted when the directory has a key for the recipient
// and PlaintextFallback when it reports none or cannot be reached. A
// published key that cannot be used, like any failure inside the
// encryption itself, is returned to the caller wrapping crypto.ErrEncrypt
// and never downgraded to plaintext.
func (c *Codec) Encode(ctx context.Context, recipientID int, text string) (models.Payload, error) {
	body := []byte(text)
	if err := crypto.ValidatePlaintext(body); err != nil {
		return models.Payload{}, err
	}

	key, err := c.keys.Lookup(ctx, recipientID)
	if err != nil {
		if errors.Is(err, crypto.ErrInvalidPublicKey) {
			return models.Payload{}, fmt.Errorf("%w: %w", crypto.ErrEncrypt, err)
		}
		var de *directory.DirectoryError
		if !errors.As(err, &de) || ctx.Err() != nil {
			return models.Payload{}, err
		}
		c.log.Noticef("No reachable key for user %d, sending plaintext: %v", recipientID, err)
		key = nil
	}

	if key == nil {
		c.metrics.MessageEncoded(string(models.PayloadPlaintext))
		return models.PlaintextFallback(text), nil
	}

	ciphertext, err := crypto.Encrypt(body, key)
	if err != nil {
		return models.Payload{}, err
	}
	c.metrics.MessageEncoded(string(models.PayloadEncrypted))
	return models.Encrypted(ciphertext), nil
}

// Plaintext builds a PlaintextFallback payload without consulting the
// directory, for senders that have lost the ability to encrypt.
func (c *Codec) Plaintext(text string) (models.Payload, error) {
	if err := crypto.ValidatePlaintext([]byte(text)); err != nil {
		return models.Payload{}, err
	}
	c.metrics.MessageEncoded(string(models.PayloadPlaintext))
	return models.PlaintextFallback(text), nil
}
