package dock

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foundersbase/chatdock/internal/apiclient"
	"github.com/foundersbase/chatdock/internal/chat"
	"github.com/foundersbase/chatdock/internal/live"
	"github.com/foundersbase/chatdock/internal/transport"
	"github.com/foundersbase/chatdock/internal/uistate"
)

const self chat.Username = "alice"

// fakeBFF is an in-memory stand-in for the BFF chat routes.
type fakeBFF struct {
	mu          sync.Mutex
	convs       []chat.Conversation
	history     map[chat.Username][]chat.Message
	sent        []apiclient.SendRequest
	markRead    []chat.Username
	ensured     []chat.Username
	historyHits map[chat.Username]int
	nextID      int

	ticket      string
	failEnsure  bool
	failHistory bool
	failSend    bool
	failList    bool

	listCalls atomic.Int32
}

func newFakeBFF() *fakeBFF {
	return &fakeBFF{
		history:     make(map[chat.Username][]chat.Message),
		historyHits: make(map[chat.Username]int),
		nextID:      100,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (b *fakeBFF) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chat/conversations", func(w http.ResponseWriter, r *http.Request) {
		b.listCalls.Add(1)
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.failList {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "down"})
			return
		}
		writeJSON(w, http.StatusOK, append([]chat.Conversation{}, b.convs...))
	})
	mux.HandleFunc("POST /api/chat/conversations/{username}/ensure", func(w http.ResponseWriter, r *http.Request) {
		peer := chat.Username(r.PathValue("username"))
		b.mu.Lock()
		defer b.mu.Unlock()
		b.ensured = append(b.ensured, peer)
		if b.failEnsure {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "down"})
			return
		}
		for _, c := range b.convs {
			if c.OtherUsername == peer {
				writeJSON(w, http.StatusOK, c)
				return
			}
		}
		b.nextID++
		c := chat.Conversation{ID: chat.ID(strconv.Itoa(b.nextID)), OtherUsername: peer, UpdatedAt: time.Now()}
		b.convs = append(b.convs, c)
		writeJSON(w, http.StatusOK, c)
	})
	mux.HandleFunc("POST /api/chat/conversations/{username}/mark-read", func(w http.ResponseWriter, r *http.Request) {
		peer := chat.Username(r.PathValue("username"))
		b.mu.Lock()
		b.markRead = append(b.markRead, peer)
		for i := range b.convs {
			if b.convs[i].OtherUsername == peer {
				b.convs[i].UnreadCount = 0
			}
		}
		b.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/chat/messages/{username}", func(w http.ResponseWriter, r *http.Request) {
		peer := chat.Username(r.PathValue("username"))
		b.mu.Lock()
		defer b.mu.Unlock()
		b.historyHits[peer]++
		if b.failHistory {
			writeJSON(w, http.StatusBadGateway, []chat.Message{})
			return
		}
		writeJSON(w, http.StatusOK, append([]chat.Message{}, b.history[peer]...))
	})
	mux.HandleFunc("POST /api/chat/send", func(w http.ResponseWriter, r *http.Request) {
		var req apiclient.SendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad body"})
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		b.sent = append(b.sent, req)
		if b.failSend {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "boom"})
			return
		}
		msg := b.appendLocked(self, req.To, req.Content)
		writeJSON(w, http.StatusOK, msg)
	})
	mux.HandleFunc("GET /api/chat/ws-ticket", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		tk := b.ticket
		b.mu.Unlock()
		if tk == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": tk})
	})
	return mux
}

// appendLocked stores a server message in the history of the conversation
// between from and to.
func (b *fakeBFF) appendLocked(from, to chat.Username, content string) chat.Message {
	b.nextID++
	msg := chat.Message{
		ID:        chat.ID(strconv.Itoa(b.nextID)),
		Content:   content,
		Sender:    chat.UserRef{Username: from},
		Recipient: chat.UserRef{Username: to},
		CreatedAt: time.Now().UTC(),
	}
	peer := chat.PeerOf(msg, self)
	b.history[peer] = append(b.history[peer], msg)
	return msg
}

func (b *fakeBFF) addMessage(from, to chat.Username, content string) chat.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appendLocked(from, to, content)
}

func (b *fakeBFF) setConversations(convs ...chat.Conversation) {
	b.mu.Lock()
	b.convs = convs
	b.mu.Unlock()
}

func (b *fakeBFF) sends() []apiclient.SendRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]apiclient.SendRequest(nil), b.sent...)
}

func (b *fakeBFF) markedRead(peer chat.Username) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.markRead {
		if p == peer {
			return true
		}
	}
	return false
}

func (b *fakeBFF) hits(peer chat.Username) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.historyHits[peer]
}

func (b *fakeBFF) set(fn func(b *fakeBFF)) {
	b.mu.Lock()
	fn(b)
	b.mu.Unlock()
}

// fakeChannel is a broker session driven by the test.
type fakeChannel struct {
	mu        sync.Mutex
	subs      map[string]chan live.Frame
	published chan live.Frame

	done chan struct{}
	once sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		subs:      make(map[string]chan live.Frame),
		published: make(chan live.Frame, 16),
		done:      make(chan struct{}),
	}
}

func (c *fakeChannel) Subscribe(dest string) (<-chan live.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan live.Frame, 16)
	c.subs[dest] = ch
	return ch, nil
}

func (c *fakeChannel) Publish(ctx context.Context, dest string, headers map[string]string, body []byte) error {
	c.published <- live.Frame{Destination: dest, Headers: headers, Body: body}
	return nil
}

func (c *fakeChannel) push(dest string, headers map[string]string, v any) {
	body, _ := json.Marshal(v)
	c.mu.Lock()
	ch := c.subs[dest]
	c.mu.Unlock()
	ch <- live.Frame{Destination: dest, Headers: headers, Body: body}
}

func (c *fakeChannel) Done() <-chan struct{} { return c.done }

func (c *fakeChannel) Err() error {
	select {
	case <-c.done:
		return live.ErrClosed
	default:
		return nil
	}
}

func (c *fakeChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

type fakeDialer struct {
	mu   sync.Mutex
	next []*fakeChannel
}

func (d *fakeDialer) Dial(ctx context.Context, ticket string) (live.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.next) == 0 {
		return nil, context.DeadlineExceeded
	}
	ch := d.next[0]
	d.next = d.next[1:]
	return ch, nil
}

type harness struct {
	bff   *fakeBFF
	srv   *httptest.Server
	api   *apiclient.Client
	tr    *transport.Transport
	store *uistate.Memory
	m     *Manager
}

// newHarness wires a Manager to the fake BFF over real HTTP. With a nil
// channel the live side is unavailable and every send goes over REST.
func newHarness(t *testing.T, ch *fakeChannel, tweak func(*Options)) *harness {
	t.Helper()
	h := &harness{bff: newFakeBFF(), store: uistate.NewMemory()}
	h.srv = httptest.NewServer(h.bff.handler())

	d := &fakeDialer{}
	if ch != nil {
		h.bff.ticket = "live-ticket"
		d.next = append(d.next, ch)
	}

	h.api = apiclient.New(h.srv.URL, apiclient.WithTimeout(2*time.Second))
	h.tr = transport.New(h.api, d, transport.Options{
		ReconnectDelay:    time.Millisecond,
		MaxReconnectDelay: 5 * time.Millisecond,
		MaxReconnects:     1,
	})

	opts := Options{
		Self:         self,
		AckTimeout:   time.Second,
		PollInterval: time.Hour,
		PollAttempts: 1,
	}
	if tweak != nil {
		tweak(&opts)
	}
	h.m = New(h.api, h.tr, h.store, opts)

	t.Cleanup(func() {
		h.m.Close()
		_ = h.tr.Close()
		h.srv.Close()
	})
	return h
}

func message(id string, from, to chat.Username, content string, at time.Time) chat.Message {
	return chat.Message{
		ID:        chat.ID(id),
		Content:   content,
		Sender:    chat.UserRef{Username: from},
		Recipient: chat.UserRef{Username: to},
		CreatedAt: at,
	}
}

func conversation(id string, peer chat.Username, updated time.Time, unread int) chat.Conversation {
	return chat.Conversation{ID: chat.ID(id), OtherUsername: peer, UpdatedAt: updated, UnreadCount: unread}
}

func countPeer(convs []chat.Conversation, peer chat.Username) int {
	n := 0
	for _, c := range convs {
		if c.OtherUsername == peer {
			n++
		}
	}
	return n
}

func httptestServer(t *testing.T, b *fakeBFF) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(b.handler())
	t.Cleanup(srv.Close)
	return srv
}
