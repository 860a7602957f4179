package dock

import (
	"sort"
	"time"

	"github.com/foundersbase/chatdock/internal/chat"
)

// Patch is a partial update of a conversation row. Unread counts can only
// be bumped by one or reset, never set to an arbitrary value.
type Patch struct {
	ID              chat.ID
	UpdatedAt       time.Time
	LastMessage     *string
	LastMessageAt   *time.Time
	IncrementUnread bool
	ResetUnread     bool
}

// Directory is the conversation list keyed by peer username. It is not
// safe for concurrent use; the Manager serialises access.
type Directory struct {
	convs []chat.Conversation
}

func NewDirectory() *Directory {
	return &Directory{}
}

func (d *Directory) index(peer chat.Username) int {
	for i := range d.convs {
		if d.convs[i].OtherUsername == peer {
			return i
		}
	}
	return -1
}

func (d *Directory) Get(peer chat.Username) (chat.Conversation, bool) {
	if i := d.index(peer); i >= 0 {
		return d.convs[i], true
	}
	return chat.Conversation{}, false
}

func (d *Directory) Len() int { return len(d.convs) }

// Ensure guarantees a row for peer. server is the backend's row when the
// ensure call succeeded; without it a placeholder with a local id is used.
func (d *Directory) Ensure(peer chat.Username, server *chat.Conversation, now time.Time) chat.Conversation {
	if i := d.index(peer); i >= 0 {
		c := &d.convs[i]
		if server != nil && !server.ID.IsZero() && (c.ID.IsZero() || c.ID.IsLocal()) {
			c.ID = server.ID
		}
		return *c
	}
	var c chat.Conversation
	if server != nil {
		c = *server
		c.OtherUsername = peer
		if c.ID.IsZero() {
			c.ID = chat.NewLocalID()
		}
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = now
		}
	} else {
		c = chat.Placeholder(peer, now)
	}
	d.convs = append([]chat.Conversation{c}, d.convs...)
	return c
}

// Upsert merges p into peer's row, inserting a new row at the front when
// there is none.
func (d *Directory) Upsert(peer chat.Username, p Patch, now time.Time) chat.Conversation {
	i := d.index(peer)
	if i < 0 {
		d.convs = append([]chat.Conversation{chat.Placeholder(peer, now)}, d.convs...)
		i = 0
	}
	c := &d.convs[i]
	if !p.ID.IsZero() && (c.ID.IsZero() || c.ID.IsLocal()) {
		c.ID = p.ID
	}
	if !p.UpdatedAt.IsZero() {
		c.UpdatedAt = p.UpdatedAt
	}
	if p.LastMessage != nil {
		c.LastMessage = *p.LastMessage
	}
	if p.LastMessageAt != nil {
		t := *p.LastMessageAt
		c.LastMessageAt = &t
	}
	switch {
	case p.ResetUnread:
		c.UnreadCount = 0
	case p.IncrementUnread:
		c.UnreadCount++
	}
	return *c
}

// Replace swaps in the server list wholesale. Duplicate usernames collapse
// to the most recently updated row. keep names a peer whose local row
// survives even when the server does not know it yet.
func (d *Directory) Replace(list []chat.Conversation, keep chat.Username) {
	out := make([]chat.Conversation, 0, len(list)+1)
	seen := make(map[chat.Username]int, len(list))
	for _, c := range list {
		if c.OtherUsername == "" {
			continue
		}
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		if j, ok := seen[c.OtherUsername]; ok {
			if c.UpdatedAt.After(out[j].UpdatedAt) {
				out[j] = c
			}
			continue
		}
		seen[c.OtherUsername] = len(out)
		out = append(out, c)
	}
	if keep != "" {
		if _, ok := seen[keep]; !ok {
			if local, ok := d.Get(keep); ok {
				out = append(out, local)
			}
		}
	}
	d.convs = out
}

// Sorted returns a copy ordered by UpdatedAt, most recent first.
func (d *Directory) Sorted() []chat.Conversation {
	out := make([]chat.Conversation, len(d.convs))
	copy(out, d.convs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

func (d *Directory) TotalUnread() int {
	n := 0
	for _, c := range d.convs {
		n += c.UnreadCount
	}
	return n
}
