package dock

import (
	"strings"
	"time"

	"github.com/foundersbase/chatdock/internal/chat"
)

type DayGroup struct {
	Date  string // YYYY-MM-DD in the display location
	Items []chat.Message
}

// GroupByDay splits an ordered thread into consecutive per-day runs.
func GroupByDay(msgs []chat.Message, loc *time.Location) []DayGroup {
	if loc == nil {
		loc = time.Local
	}
	var groups []DayGroup
	for _, m := range msgs {
		key := m.CreatedAt.In(loc).Format("2006-01-02")
		if n := len(groups); n > 0 && groups[n-1].Date == key {
			groups[n-1].Items = append(groups[n-1].Items, m)
			continue
		}
		groups = append(groups, DayGroup{Date: key, Items: []chat.Message{m}})
	}
	return groups
}

// FilterConversations keeps rows whose username contains q, ignoring case.
func FilterConversations(convs []chat.Conversation, q string) []chat.Conversation {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return convs
	}
	out := make([]chat.Conversation, 0, len(convs))
	for _, c := range convs {
		if strings.Contains(strings.ToLower(string(c.OtherUsername)), q) {
			out = append(out, c)
		}
	}
	return out
}

func FormatClock(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format("15:04")
}
