package chat

import (
	"sort"
	"time"
)

// DefaultSupersedeWindow bounds how far apart the optimistic and the server
// timestamps of the same message may be. Client and server clocks disagree.
const DefaultSupersedeWindow = 2 * time.Minute

// PeerOf returns the party of m that is not self.
func PeerOf(m Message, self Username) Username {
	if m.Sender.Username == self {
		return m.Recipient.Username
	}
	return m.Sender.Username
}

// SortMessages orders by CreatedAt ascending. Ties keep arrival order.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// Supersedes reports whether server is the authoritative copy of the
// optimistic message local.
func Supersedes(server, local Message, window time.Duration) bool {
	if server.ID.IsLocal() {
		return false
	}
	if server.Sender.Username != local.Sender.Username ||
		server.Recipient.Username != local.Recipient.Username ||
		server.Content != local.Content {
		return false
	}
	if window <= 0 {
		return true
	}
	d := server.CreatedAt.Sub(local.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// ReplaceHistory returns the server history sorted, followed by the still
// pending optimistic entries of prev that no server message accounts for.
// A server message accounts for at most one optimistic entry.
func ReplaceHistory(server, prev []Message, window time.Duration) []Message {
	out := make([]Message, 0, len(server)+2)
	out = append(out, server...)
	SortMessages(out)

	used := make([]bool, len(out))
	for _, m := range prev {
		if !m.Optimistic() || m.State != DeliveryPending {
			continue
		}
		matched := false
		for i := range out[:len(used)] {
			if used[i] {
				continue
			}
			if Supersedes(out[i], m, window) {
				used[i] = true
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, m)
		}
	}
	SortMessages(out)
	return out
}

// ContainsID reports whether msgs already holds a server message with id.
func ContainsID(msgs []Message, id ID) bool {
	if id.IsZero() {
		return false
	}
	for _, m := range msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}
