package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/foundersbase/chatdock/internal/chat"
	"github.com/foundersbase/chatdock/internal/live"
)

type published struct {
	dest    string
	headers map[string]string
	body    []byte
}

type fakeChannel struct {
	mu         sync.Mutex
	subs       map[string]chan live.Frame
	publishErr error
	published  chan published

	done chan struct{}
	once sync.Once
	err  error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		subs:      make(map[string]chan live.Frame),
		published: make(chan published, 16),
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
	c.mu.Lock()
	err := c.publishErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.published <- published{dest: dest, headers: headers, body: body}
	return nil
}

func (c *fakeChannel) push(dest string, headers map[string]string, body string) {
	c.mu.Lock()
	ch := c.subs[dest]
	c.mu.Unlock()
	ch <- live.Frame{Destination: dest, Headers: headers, Body: []byte(body)}
}

func (c *fakeChannel) drop(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *fakeChannel) Done() <-chan struct{} { return c.done }

func (c *fakeChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeChannel) Close() error {
	c.drop(live.ErrClosed)
	return nil
}

// fakeDialer hands out channels from next, or fails when next is empty.
type fakeDialer struct {
	mu      sync.Mutex
	next    []*fakeChannel
	dials   int
	tickets []string
	delay   time.Duration
}

func (d *fakeDialer) Dial(ctx context.Context, ticket string) (live.Channel, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.tickets = append(d.tickets, ticket)
	if len(d.next) == 0 {
		return nil, errors.New("connection refused")
	}
	ch := d.next[0]
	d.next = d.next[1:]
	return ch, nil
}

func (d *fakeDialer) add(ch *fakeChannel) {
	d.mu.Lock()
	d.next = append(d.next, ch)
	d.mu.Unlock()
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeAPI struct {
	ticket    string
	ticketErr error
	tickets   atomic.Int32

	mu      sync.Mutex
	sendErr error
	sent    []sendCall
}

type sendCall struct {
	peer    chat.Username
	content string
}

func (a *fakeAPI) Ticket(ctx context.Context) (string, error) {
	a.tickets.Add(1)
	if a.ticketErr != nil {
		return "", a.ticketErr
	}
	return a.ticket, nil
}

func (a *fakeAPI) Send(ctx context.Context, peer chat.Username, content string) (chat.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, sendCall{peer, content})
	if a.sendErr != nil {
		return chat.Message{}, a.sendErr
	}
	return chat.Message{
		ID:        chat.ID("100"),
		Content:   content,
		Sender:    chat.UserRef{Username: "alice"},
		Recipient: chat.UserRef{Username: peer},
		CreatedAt: time.Now(),
	}, nil
}

func (a *fakeAPI) calls() []sendCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sendCall(nil), a.sent...)
}

func signedTicket(exp time.Time) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		panic(err)
	}
	return s
}

func testOptions() Options {
	return Options{
		ReconnectDelay:    time.Millisecond,
		MaxReconnectDelay: 5 * time.Millisecond,
		InboundBuffer:     16,
	}
}
