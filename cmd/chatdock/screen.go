package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/foundersbase/chatdock/internal/chat"
	"github.com/foundersbase/chatdock/internal/dock"
	"github.com/foundersbase/chatdock/internal/transport"
)

// screen renders dock events as lines. Only server-confirmed messages are
// printed, each once.
type screen struct {
	mu      sync.Mutex
	out     io.Writer
	m       *dock.Manager
	printed map[chat.ID]bool
	unread  int
}

func newScreen(out io.Writer, m *dock.Manager) *screen {
	return &screen{out: out, m: m, printed: make(map[chat.ID]bool)}
}

func (s *screen) header() {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := "closed"
	if s.m.IsOpen() {
		state = "open"
	}
	fmt.Fprintf(s.out, "chatdock: signed in as %s, dock %s, %d unread\n", s.m.Self(), state, s.m.TotalUnread())
	if active := s.m.Active(); active != "" {
		fmt.Fprintf(s.out, "active conversation: %s\n", active)
		s.threadLocked(active)
	}
}

func (s *screen) event(ev dock.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Kind {
	case dock.EventConnection:
		fmt.Fprintf(s.out, "[live %s]\n", ev.State)
		if ev.State == transport.StateGaveUp {
			fmt.Fprintln(s.out, "[live channel gave up, sending over rest]")
		}
	case dock.EventDeliveryFailed:
		content := ""
		if ev.Message != nil {
			content = ev.Message.Content
		}
		fmt.Fprintf(s.out, "! not delivered to %s: %q (%v)\n", ev.Peer, content, ev.Err)
	case dock.EventUpdated:
		if ev.Peer != "" && ev.Peer == s.m.Active() {
			s.newMessagesLocked(ev.Peer)
		}
		if n := s.m.TotalUnread(); n != s.unread {
			s.unread = n
			fmt.Fprintf(s.out, "[%d unread]\n", n)
		}
	}
}

func (s *screen) newMessagesLocked(peer chat.Username) {
	for _, msg := range s.m.Messages(peer) {
		if msg.Optimistic() || s.printed[msg.ID] {
			continue
		}
		s.printed[msg.ID] = true
		s.lineLocked(msg)
	}
}

func (s *screen) lineLocked(msg chat.Message) {
	fmt.Fprintf(s.out, "  %s %s: %s\n", dock.FormatClock(msg.CreatedAt, time.Local), msg.Sender.Username, msg.Content)
}

func (s *screen) thread(peer chat.Username) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threadLocked(peer)
}

func (s *screen) threadLocked(peer chat.Username) {
	if peer == "" {
		fmt.Fprintln(s.out, "no active conversation")
		return
	}
	for _, g := range dock.GroupByDay(s.m.Messages(peer), time.Local) {
		fmt.Fprintf(s.out, "-- %s --\n", g.Date)
		for _, msg := range g.Items {
			if !msg.Optimistic() {
				s.printed[msg.ID] = true
			}
			s.lineLocked(msg)
		}
	}
}

func (s *screen) conversations(convs []chat.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeConversations(s.out, convs, s.m.Active())
}

func (s *screen) searchResult(r dock.SearchResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Query == "" {
		return
	}
	if r.Err != nil {
		fmt.Fprintf(s.out, "search %q failed: %v\n", r.Query, r.Err)
		return
	}
	writeUsers(s.out, r.Users)
}

func (s *screen) errorf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, "! "+format+"\n", args...)
}

func (s *screen) infof(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format+"\n", args...)
}

func writeConversations(out io.Writer, convs []chat.Conversation, active chat.Username) {
	if len(convs) == 0 {
		fmt.Fprintln(out, "no conversations")
		return
	}
	for _, c := range convs {
		mark := " "
		if c.OtherUsername == active {
			mark = "*"
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d)", c.UnreadCount)
		}
		fmt.Fprintf(out, "%s %-20s%s  %s\n", mark, c.OtherUsername, unread, c.LastMessage)
	}
}

func writeUsers(out io.Writer, users []chat.UserSummary) {
	if len(users) == 0 {
		fmt.Fprintln(out, "no users found")
		return
	}
	for _, u := range users {
		if u.Name != "" {
			fmt.Fprintf(out, "  %s (%s)\n", u.Username, u.Name)
			continue
		}
		fmt.Fprintf(out, "  %s\n", u.Username)
	}
}

func sortConversations(list []chat.Conversation) []chat.Conversation {
	d := dock.NewDirectory()
	d.Replace(list, "")
	return d.Sorted()
}

func printConversations(cmd *cobra.Command, convs []chat.Conversation) {
	writeConversations(cmd.OutOrStdout(), convs, "")
}

func printUsers(cmd *cobra.Command, users []chat.UserSummary) {
	writeUsers(cmd.OutOrStdout(), users)
}
