package dock

import (
	"testing"
	"time"

	"github.com/foundersbase/chatdock/internal/chat"
)

func TestDirectory_EnsureAdoptsServerID(t *testing.T) {
	d := NewDirectory()
	now := time.Now()

	local := d.Ensure("bob", nil, now)
	if !local.ID.IsLocal() {
		t.Fatalf("expected local placeholder id, got %q", local.ID)
	}

	server := chat.Conversation{ID: "42", OtherUsername: "bob"}
	got := d.Ensure("bob", &server, now)
	if got.ID != "42" {
		t.Fatalf("expected server id to replace placeholder, got %q", got.ID)
	}
	if d.Len() != 1 {
		t.Fatalf("expected 1 row, got %d", d.Len())
	}

	// a real id is never replaced
	other := chat.Conversation{ID: "43", OtherUsername: "bob"}
	if got := d.Ensure("bob", &other, now); got.ID != "42" {
		t.Fatalf("expected id 42 to stick, got %q", got.ID)
	}
}

func TestDirectory_UpsertUnread(t *testing.T) {
	d := NewDirectory()
	now := time.Now()

	d.Upsert("bob", Patch{IncrementUnread: true}, now)
	d.Upsert("bob", Patch{IncrementUnread: true}, now)
	if c, _ := d.Get("bob"); c.UnreadCount != 2 {
		t.Fatalf("expected 2 unread, got %d", c.UnreadCount)
	}

	text := "hi"
	d.Upsert("bob", Patch{ResetUnread: true, IncrementUnread: true, LastMessage: &text}, now)
	c, _ := d.Get("bob")
	if c.UnreadCount != 0 {
		t.Fatalf("reset must win over increment, got %d", c.UnreadCount)
	}
	if c.LastMessage != "hi" {
		t.Fatalf("expected preview hi, got %q", c.LastMessage)
	}
}

func TestDirectory_ReplaceDedupesAndKeeps(t *testing.T) {
	d := NewDirectory()
	now := time.Now()
	d.Ensure("carol", nil, now)
	d.Ensure("zed", nil, now)

	d.Replace([]chat.Conversation{
		{ID: "1", OtherUsername: "bob", UpdatedAt: now.Add(-time.Hour)},
		{ID: "2", OtherUsername: "bob", UpdatedAt: now},
		{ID: "3", OtherUsername: ""},
		{ID: "4", OtherUsername: "dave", UpdatedAt: now.Add(-time.Minute), UnreadCount: -3},
	}, "carol")

	if d.Len() != 3 {
		t.Fatalf("expected bob, dave and carol, got %d rows", d.Len())
	}
	if c, _ := d.Get("bob"); c.ID != "2" {
		t.Fatalf("expected newest bob row, got %q", c.ID)
	}
	if c, _ := d.Get("dave"); c.UnreadCount != 0 {
		t.Fatalf("negative unread must clamp to 0, got %d", c.UnreadCount)
	}
	if _, ok := d.Get("carol"); !ok {
		t.Fatalf("kept peer dropped")
	}
	if _, ok := d.Get("zed"); ok {
		t.Fatalf("unknown local row should be dropped")
	}
}

func TestDirectory_SortedAndTotal(t *testing.T) {
	d := NewDirectory()
	now := time.Now()
	d.Replace([]chat.Conversation{
		{ID: "1", OtherUsername: "old", UpdatedAt: now.Add(-time.Hour), UnreadCount: 1},
		{ID: "2", OtherUsername: "new", UpdatedAt: now, UnreadCount: 2},
		{ID: "3", OtherUsername: "mid", UpdatedAt: now.Add(-time.Minute)},
	}, "")

	sorted := d.Sorted()
	want := []chat.Username{"new", "mid", "old"}
	for i, c := range sorted {
		if c.OtherUsername != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], c.OtherUsername)
		}
	}
	if d.TotalUnread() != 3 {
		t.Fatalf("expected 3 unread in total, got %d", d.TotalUnread())
	}
}
