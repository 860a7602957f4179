package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

var ErrEmptyUsername = errors.New("chat: empty username")

// Username is the account handle used as the key for every client-side
// lookup. Server ids are never used for that.
type Username string

func ParseUsername(s string) (Username, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrEmptyUsername
	}
	return Username(s), nil
}

func (u Username) String() string { return string(u) }

// ID is an opaque identifier. The backend emits numbers, placeholders
// created on this side carry the local- prefix.
type ID string

const localPrefix = "local-"

func NewLocalID() ID {
	return ID(localPrefix + NewULID())
}

func (id ID) IsLocal() bool { return strings.HasPrefix(string(id), localPrefix) }

func (id ID) IsZero() bool { return id == "" }

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	// only canonical integers go out bare; "007" or "+5" stay strings
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(id) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

type UserRef struct {
	Username Username `json:"username"`
}

type UserSummary struct {
	ID       ID       `json:"id,omitempty"`
	Username Username `json:"username"`
	Name     string   `json:"name,omitempty"`
	Avatar   string   `json:"avatar,omitempty"`
}

type Message struct {
	ID        ID        `json:"id"`
	Content   string    `json:"content"`
	Sender    UserRef   `json:"sender"`
	Recipient UserRef   `json:"recipient"`
	CreatedAt time.Time `json:"createdAt"`

	// client-only bookkeeping for optimistic entries
	CorrelationID string        `json:"-"`
	State         DeliveryState `json:"-"`
}

func (m *Message) UnmarshalJSON(b []byte) error {
	type alias Message
	aux := struct {
		*alias
		CreatedAt flexTime `json:"createdAt"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	m.CreatedAt = time.Time(aux.CreatedAt)
	return nil
}

// Optimistic reports whether m was synthesised locally and has not been
// replaced by a server copy yet.
func (m Message) Optimistic() bool { return m.ID.IsLocal() }

type Conversation struct {
	ID            ID         `json:"id"`
	OtherUsername Username   `json:"otherUsername"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	LastMessage   string     `json:"lastMessage,omitempty"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	UnreadCount   int        `json:"unreadCount"`
}

func (c *Conversation) UnmarshalJSON(b []byte) error {
	type alias Conversation
	aux := struct {
		*alias
		UpdatedAt     flexTime  `json:"updatedAt"`
		LastMessage   *string   `json:"lastMessage"`
		LastMessageAt *flexTime `json:"lastMessageAt"`
		UnreadCount   *int      `json:"unreadCount"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	c.UpdatedAt = time.Time(aux.UpdatedAt)
	c.LastMessage = ""
	if aux.LastMessage != nil {
		c.LastMessage = *aux.LastMessage
	}
	c.LastMessageAt = nil
	if aux.LastMessageAt != nil && !time.Time(*aux.LastMessageAt).IsZero() {
		t := time.Time(*aux.LastMessageAt)
		c.LastMessageAt = &t
	}
	c.UnreadCount = 0
	if aux.UnreadCount != nil && *aux.UnreadCount > 0 {
		c.UnreadCount = *aux.UnreadCount
	}
	return nil
}

// Placeholder builds the local row used when the server could not confirm a
// conversation yet.
func Placeholder(peer Username, now time.Time) Conversation {
	return Conversation{
		ID:            NewLocalID(),
		OtherUsername: peer,
		UpdatedAt:     now,
	}
}

// flexTime decodes the timestamp variants the backend produces: RFC3339,
// zone-less ISO-8601 local date-times (read as UTC) and epoch millis.
type flexTime time.Time

var zonelessLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
}

func (t *flexTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) || len(b) == 0 {
		*t = flexTime{}
		return nil
	}
	if b[0] != '"' {
		ms, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			return err
		}
		*t = flexTime(time.UnixMilli(ms).UTC())
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	*t = flexTime(parsed)
	return nil
}

func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &time.ParseError{Layout: time.RFC3339Nano, Value: s, Message: ": unsupported timestamp"}
}
