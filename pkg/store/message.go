package store

import (
	"sync"
	"time"
)

// PublicRecipient is the reserved recipient marker carried by broadcast
// messages.
const PublicRecipient = "__public__"

// Message is immutable once created except for ReadAt, which is stamped
// when a private message is delivered to its recipient.
type Message struct {
	Sender    string
	Recipient string // user name, or PublicRecipient for broadcasts
	Text      string
	CreatedAt int64 // ms
	ReadAt    int64 // ms, 0 = unread; only meaningful for private messages
}

// IsPublic reports whether the message is a broadcast.
func (m Message) IsPublic() bool {
	return m.Recipient == PublicRecipient
}

// MessageStore owns the public message list and the per-recipient private
// message lists. All access goes through its message lock; callers receive
// value copies so nothing escapes the lock.
//
// Public messages are never deleted, only the delivery to a fresh login is
// capped. Private messages are removed by the read-message reaper once read
// and past their TTL.
type MessageStore struct {
	mu      sync.Mutex
	public  []*Message
	private map[string][]*Message
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		private: make(map[string][]*Message),
	}
}

// AppendPublic records a broadcast message and returns a copy of it.
func (s *MessageStore) AppendPublic(sender, text string, now time.Time) Message {
	msg := &Message{
		Sender:    sender,
		Recipient: PublicRecipient,
		Text:      text,
		CreatedAt: now.UnixMilli(),
	}

	s.mu.Lock()
	s.public = append(s.public, msg)
	s.mu.Unlock()

	return *msg
}

// AppendPrivate records a message addressed to recipient. When delivered is
// true the recipient is receiving it right now, so ReadAt is stamped at
// creation; otherwise the message waits unread for the recipient's next
// login. Returns a copy of the stored message.
func (s *MessageStore) AppendPrivate(sender, recipient, text string, now time.Time, delivered bool) Message {
	msg := &Message{
		Sender:    sender,
		Recipient: recipient,
		Text:      text,
		CreatedAt: now.UnixMilli(),
	}
	if delivered {
		msg.ReadAt = now.UnixMilli()
	}

	s.mu.Lock()
	s.private[recipient] = append(s.private[recipient], msg)
	s.mu.Unlock()

	return *msg
}

// RecentPublic returns the newest n public messages in insertion order.
func (s *MessageStore) RecentPublic(n int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := len(s.public) - n
	if start < 0 {
		start = 0
	}
	out := make([]Message, 0, len(s.public)-start)
	for _, m := range s.public[start:] {
		out = append(out, *m)
	}
	return out
}

// PublicSince returns every public message created after the given time, in
// insertion order.
func (s *MessageStore) PublicSince(since int64) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Message
	for _, m := range s.public {
		if m.CreatedAt > since {
			out = append(out, *m)
		}
	}
	return out
}

// UnreadPrivateFor returns the recipient's unread private messages in
// insertion order, marking each one read as a side effect. A message is
// handed out at most once.
func (s *MessageStore) UnreadPrivateFor(recipient string, now time.Time) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Message
	for _, m := range s.private[recipient] {
		if m.ReadAt == 0 {
			m.ReadAt = now.UnixMilli()
			out = append(out, *m)
		}
	}
	return out
}

// SweepExpired removes private messages that were read at least ttl ago.
// The lock is taken per candidate, not for the whole sweep, so sends and
// deliveries interleave with removal. Returns the removed messages; a
// second pass with no new reads in between removes nothing.
func (s *MessageStore) SweepExpired(now time.Time, ttl time.Duration) []Message {
	s.mu.Lock()
	recipients := make([]string, 0, len(s.private))
	for name := range s.private {
		recipients = append(recipients, name)
	}
	s.mu.Unlock()

	cutoff := now.UnixMilli() - ttl.Milliseconds()

	var removed []Message
	for _, name := range recipients {
		i := 0
		for {
			s.mu.Lock()
			list := s.private[name]
			if i >= len(list) {
				s.mu.Unlock()
				break
			}
			m := list[i]
			if m.ReadAt != 0 && m.ReadAt < cutoff {
				s.private[name] = append(list[:i], list[i+1:]...)
				removed = append(removed, *m)
			} else {
				i++
			}
			s.mu.Unlock()
		}
	}
	return removed
}

// PublicCount returns the number of stored public messages.
func (s *MessageStore) PublicCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.public)
}

// PrivateCount returns the total number of stored private messages.
func (s *MessageStore) PrivateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, list := range s.private {
		n += len(list)
	}
	return n
}

// AllMessages returns every stored message (public first, then private
// lists) as value copies. Used by the snapshot writer after all sessions
// and reapers have stopped.
func (s *MessageStore) AllMessages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, 0, len(s.public))
	for _, m := range s.public {
		out = append(out, *m)
	}
	for _, list := range s.private {
		for _, m := range list {
			out = append(out, *m)
		}
	}
	return out
}

// restore inserts a message loaded from a snapshot, preserving insertion
// order within its list.
func (s *MessageStore) restore(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := m
	if msg.IsPublic() {
		s.public = append(s.public, &msg)
		return
	}
	s.private[msg.Recipient] = append(s.private[msg.Recipient], &msg)
}
