// Package inbox reconciles one conversation: it orders the raw messages,
// decrypts or classifies each one, and marks incoming messages read.
package inbox

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"github.com/pliu/sealedchat/internal/crypto"
	"github.com/pliu/sealedchat/internal/log"
	"github.com/pliu/sealedchat/internal/metrics"
	"github.com/pliu/sealedchat/internal/models"
)

// State describes how an entry's content was obtained.
type State string

const (
	// StatePlaintext is a PlaintextFallback message, shown as is.
	StatePlaintext State = "plaintext"
	// StateDecrypted is an incoming encrypted message opened with the
	// local private key.
	StateDecrypted State = "decrypted"
	// StateUndecryptable is an incoming encrypted message that could not
	// be opened.
	StateUndecryptable State = "undecryptable"
	// StateSentUnrecoverable is an encrypted message this user sent. It
	// was sealed for the recipient's key, so the sender cannot read it
	// back. This is expected and is not a failure.
	StateSentUnrecoverable State = "sent_unrecoverable"
)

// ErrNoKeyPair is recorded on incoming encrypted entries when the session
// has no usable key pair.
var ErrNoKeyPair = errors.New("inbox: no local key pair")

// Messages is the slice of the message store the reconciler needs.
type Messages interface {
	// ConversationMessages returns every message between self and
	// counterpart.
	ConversationMessages(ctx context.Context, self, counterpart int) ([]models.Message, error)
	// MarkRead flags the given messages addressed to self as read and
	// returns how many changed. Already read ids are skipped.
	MarkRead(ctx context.Context, self int, ids []int64) (int64, error)
}

// Entry is one reconciled message.
type Entry struct {
	Message     models.Message
	Text        string
	IsEncrypted bool
	State       State
	// Err holds the decryption failure for StateUndecryptable entries.
	Err error
}

// View is a reconciled conversation, oldest message first.
type View struct {
	Self        int
	Counterpart int
	Entries     []Entry
	// MarkedRead is the number of messages flipped to read by this pass.
	MarkedRead int64
}

type Option func(*Reconciler)

func WithLogger(l *logging.Logger) Option {
	return func(r *Reconciler) {
		r.log = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

// WithConcurrency bounds the number of parallel decryptions.
func WithConcurrency(n int) Option {
	return func(r *Reconciler) {
		r.concurrency = n
	}
}

type Reconciler struct {
	messages    Messages
	log         *logging.Logger
	metrics     *metrics.Metrics
	concurrency int
}

func New(messages Messages, opts ...Option) *Reconciler {
	r := &Reconciler{messages: messages, concurrency: 4}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = log.Discard().GetLogger("inbox")
	}
	return r
}

// Reconcile fetches the conversation between self and counterpart and
// returns it in created_at order. keys may be nil, in which case incoming
// encrypted messages are reported as undecryptable.
//
// A message that fails to decrypt never aborts the pass. Once every
// message is classified, unread messages addressed to self are marked read
// in one batch. If ctx is cancelled first nothing is marked.
func (r *Reconciler) Reconcile(ctx context.Context, self int, keys *crypto.KeyPair, counterpart int) (*View, error) {
	msgs, err := r.messages.ConversationMessages(ctx, self, counterpart)
	if err != nil {
		return nil, fmt.Errorf("inbox: fetch conversation with %d: %w", counterpart, err)
	}

	// The store is not trusted for ordering: deliveries can be retried
	// and arrive out of order.
	slices.SortStableFunc(msgs, func(a, b models.Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	entries := make([]Entry, len(msgs))
	g, gctx := errgroup.WithContext(ctx)
	if r.concurrency > 0 {
		g.SetLimit(r.concurrency)
	}
	for i := range msgs {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			entries[i] = r.classify(self, keys, msgs[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var unread []int64
	for i := range entries {
		m := &entries[i].Message
		if m.RecipientID == self && !m.IsRead {
			unread = append(unread, m.ID)
		}
		r.metrics.MessageReconciled(string(entries[i].State))
	}

	view := &View{Self: self, Counterpart: counterpart, Entries: entries}
	if len(unread) == 0 {
		return view, nil
	}

	n, err := r.messages.MarkRead(ctx, self, unread)
	if err != nil {
		return nil, fmt.Errorf("inbox: mark read: %w", err)
	}
	view.MarkedRead = n
	r.metrics.MarkedRead(n)
	for i := range entries {
		if entries[i].Message.RecipientID == self {
			entries[i].Message.IsRead = true
		}
	}
	return view, nil
}

func (r *Reconciler) classify(self int, keys *crypto.KeyPair, m models.Message) Entry {
	e := Entry{Message: m}

	switch {
	case m.Payload.Kind == models.PayloadPlaintext:
		e.Text = string(m.Payload.Body)
		e.State = StatePlaintext

	case m.Payload.Kind != models.PayloadEncrypted:
		e.IsEncrypted = true
		e.State = StateUndecryptable
		e.Err = fmt.Errorf("inbox: unknown payload kind %q", m.Payload.Kind)
		r.log.Warningf("Message %d has unknown payload kind %q", m.ID, m.Payload.Kind)

	case m.RecipientID == self:
		e.IsEncrypted = true
		if keys == nil {
			e.State = StateUndecryptable
			e.Err = ErrNoKeyPair
			r.log.Warningf("Message %d: no local key pair to decrypt with", m.ID)
			break
		}
		pt, err := crypto.Decrypt(m.Payload.Body, keys)
		if err != nil {
			e.State = StateUndecryptable
			e.Err = err
			r.log.Warningf("Message %d from %d is undecryptable: %v", m.ID, m.SenderID, err)
			break
		}
		e.Text = string(pt)
		e.State = StateDecrypted

	default:
		// Sent by self, sealed for the counterpart.
		e.IsEncrypted = true
		e.State = StateSentUnrecoverable
		r.log.Debugf("Message %d was sent encrypted to %d, content not locally recoverable", m.ID, m.RecipientID)
	}
	return e
}
