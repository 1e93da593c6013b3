// Package conversation derives the conversation list from a user's
// message history.
package conversation

import (
	"cmp"
	"slices"

	"github.com/pliu/sealedchat/internal/models"
)

// Aggregate groups messages by counterpart and returns one Conversation per
// counterpart, most recent activity first. Conversations with the same
// last activity are ordered by counterpart id so the output is
// deterministic. Messages that do not involve self are ignored.
func Aggregate(self int, messages []models.Message) []models.Conversation {
	byCounterpart := make(map[int]*models.Conversation)
	for i := range messages {
		m := &messages[i]
		if !m.Involves(self) {
			continue
		}

		id := m.Counterpart(self)
		c, ok := byCounterpart[id]
		if !ok {
			c = &models.Conversation{CounterpartID: id, LastMessageAt: m.CreatedAt}
			byCounterpart[id] = c
		}
		if m.CreatedAt.After(c.LastMessageAt) {
			c.LastMessageAt = m.CreatedAt
		}
		if m.RecipientID == self && !m.IsRead {
			c.UnreadCount++
		}
	}

	out := make([]models.Conversation, 0, len(byCounterpart))
	for _, c := range byCounterpart {
		out = append(out, *c)
	}
	slices.SortFunc(out, func(a, b models.Conversation) int {
		if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
			return c
		}
		return cmp.Compare(a.CounterpartID, b.CounterpartID)
	})
	return out
}

// UnreadTotal sums unread counts across conversations.
func UnreadTotal(convs []models.Conversation) int {
	n := 0
	for _, c := range convs {
		n += c.UnreadCount
	}
	return n
}
