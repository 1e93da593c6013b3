package session

import (
	"context"
	"errors"

	"github.com/pliu/sealedchat/internal/inbox"
	"github.com/pliu/sealedchat/internal/models"
)

// Open makes counterpart the active conversation and reconciles it. Any
// reconciliation still running for the previously active conversation is
// cancelled, and its result is never applied.
func (s *Session) Open(ctx context.Context, counterpart int) (*inbox.View, error) {
	s.activeMu.Lock()
	if s.cancelOpen != nil {
		s.cancelOpen()
	}
	s.generation++
	gen := s.generation
	if s.active != counterpart {
		s.currentView = nil
	}
	s.active = counterpart
	rctx, cancel := context.WithCancel(ctx)
	s.cancelOpen = cancel
	s.activeMu.Unlock()
	defer cancel()

	if err := s.awaitInit(rctx); err != nil {
		return nil, s.staleOr(gen, err)
	}

	view, err := s.inbox.Reconcile(rctx, s.cfg.UserID, s.keyPair(), counterpart)

	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	if gen != s.generation {
		return nil, ErrStale
	}
	if err != nil {
		return nil, err
	}
	s.currentView = view
	return view, nil
}

func (s *Session) staleOr(gen uint64, err error) error {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	if gen != s.generation {
		return ErrStale
	}
	return err
}

// Active returns the active counterpart, or zero.
func (s *Session) Active() int {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return s.active
}

// View returns the last reconciled view of the active conversation.
func (s *Session) View() *inbox.View {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return s.currentView
}

// Close deselects the active conversation and cancels its reconciliation.
func (s *Session) Close() {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	if s.cancelOpen != nil {
		s.cancelOpen()
		s.cancelOpen = nil
	}
	s.generation++
	s.active = 0
	s.currentView = nil
}

// Refresh re-reconciles the active conversation from the store.
func (s *Session) Refresh(ctx context.Context) (*inbox.View, error) {
	counterpart := s.Active()
	if counterpart == 0 {
		return nil, ErrNoActiveConversation
	}
	return s.Open(ctx, counterpart)
}

// Watch refreshes the active conversation whenever a notification arrives
// and hands the result to fn. Notifications are only triggers: bursts are
// coalesced and the content is always re-read from the store, so lost or
// repeated notifications do no harm. Watch returns when ctx is done or the
// channel is closed.
func (s *Session) Watch(ctx context.Context, notes <-chan models.Notification, fn func(*inbox.View, error)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-notes:
			if !ok {
				return nil
			}
			if !drain(notes) {
				return nil
			}

			view, err := s.Refresh(ctx)
			switch {
			case errors.Is(err, ErrNoActiveConversation), errors.Is(err, ErrStale):
				continue
			case ctx.Err() != nil:
				return ctx.Err()
			}
			fn(view, err)
		}
	}
}

// drain discards queued notifications. It reports false if the channel
// was closed.
func drain(notes <-chan models.Notification) bool {
	for {
		select {
		case _, ok := <-notes:
			if !ok {
				return false
			}
		default:
			return true
		}
	}
}
