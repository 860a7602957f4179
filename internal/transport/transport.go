// Package transport owns the session's live broker connection and the
// send primitive that prefers it over REST.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/foundersbase/chatdock/internal/chat"
	"github.com/foundersbase/chatdock/internal/live"
)

var (
	ErrNoTicket     = errors.New("transport: no live ticket")
	ErrNotConnected = errors.New("transport: live channel not connected")
	ErrAckTimeout   = errors.New("transport: ack timed out")
	ErrClosed       = errors.New("transport: closed")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateGaveUp
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateGaveUp:
		return "gave_up"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// API is the REST side the transport needs.
type API interface {
	Ticket(ctx context.Context) (string, error)
	Send(ctx context.Context, peer chat.Username, content string) (chat.Message, error)
}

// Inbound is one pushed frame. Message is nil when the body was not a chat
// message, Raw then holds the text.
type Inbound struct {
	Message *chat.Message
	Raw     string
	Ack     bool
}

type Options struct {
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	// MaxReconnects bounds reconnect attempts after a drop. 0 retries forever.
	MaxReconnects int
	// TicketSkew is how long before expiry a cached ticket is re-minted.
	TicketSkew    time.Duration
	InboundBuffer int
	Logger        *zap.Logger
}

type Transport struct {
	api    API
	dialer live.Dialer
	opts   Options
	logger *zap.Logger

	sf singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	ch          live.Channel
	state       State
	ticket      string
	ticketExp   time.Time
	pending     []*Dispatch
	supervising bool
	closed      bool

	inbound chan Inbound
	states  chan State
}

func New(api API, dialer live.Dialer, opts Options) *Transport {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = 30 * opts.ReconnectDelay
	}
	if opts.TicketSkew <= 0 {
		opts.TicketSkew = 5 * time.Second
	}
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = 128
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		api:     api,
		dialer:  dialer,
		opts:    opts,
		logger:  opts.Logger.Named("transport"),
		ctx:     ctx,
		cancel:  cancel,
		inbound: make(chan Inbound, opts.InboundBuffer),
		states:  make(chan State, 16),
	}
}

// Inbound delivers pushed messages in arrival order. It is closed by Close.
func (t *Transport) Inbound() <-chan Inbound { return t.inbound }

// States reports connection state changes. Slow readers may miss
// intermediate states; State always has the latest.
func (t *Transport) States() <-chan State { return t.states }

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Connected() bool { return t.State() == StateConnected }

func (t *Transport) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setStateLocked(s)
}

func (t *Transport) setStateLocked(s State) {
	if t.closed || t.state == s {
		return
	}
	t.state = s
	select {
	case t.states <- s:
	default:
	}
}

// Connect opens the live channel. It is idempotent: while a channel is up,
// or a reconnect loop owns it, no second connection is made. Concurrent
// callers share one attempt. A wrapped ErrNoTicket means the caller should
// carry on over REST only.
func (t *Transport) Connect(ctx context.Context) error {
	_, err, _ := t.sf.Do("connect", func() (any, error) {
		return nil, t.connect(ctx)
	})
	return err
}

func (t *Transport) connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.supervising {
		connected := t.state == StateConnected
		t.mu.Unlock()
		if connected {
			return nil
		}
		return ErrNotConnected
	}
	t.setStateLocked(StateConnecting)
	t.mu.Unlock()

	ticket, err := t.Ticket(ctx)
	if err != nil {
		t.setState(StateDisconnected)
		t.logger.Info("live channel unavailable, using rest", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrNoTicket, err)
	}

	ch, dialErr := t.open(ctx, ticket)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		if ch != nil {
			_ = ch.Close()
		}
		return ErrClosed
	}
	t.supervising = true
	t.wg.Add(1)
	t.mu.Unlock()

	go t.supervise(ch)

	if dialErr != nil {
		return fmt.Errorf("transport: live dial: %w", dialErr)
	}
	return nil
}

// Ticket returns a live-channel credential, reusing the cached one while
// its exp claim is comfortably in the future.
func (t *Transport) Ticket(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.ticket != "" && time.Now().Add(t.opts.TicketSkew).Before(t.ticketExp) {
		tk := t.ticket
		t.mu.Unlock()
		return tk, nil
	}
	t.mu.Unlock()

	tk, err := t.api.Ticket(ctx)
	if err != nil {
		return "", err
	}
	if tk == "" {
		return "", ErrNoTicket
	}

	t.mu.Lock()
	t.ticket = tk
	t.ticketExp = ticketExpiry(tk)
	t.mu.Unlock()
	return tk, nil
}

func (t *Transport) dropTicket() {
	t.mu.Lock()
	t.ticket = ""
	t.ticketExp = time.Time{}
	t.mu.Unlock()
}

// ticketExpiry reads exp without verifying the signature. The ticket is
// verified by the broker, here it only drives caching.
func ticketExpiry(tok string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// open dials, subscribes both private queues and installs the channel.
func (t *Transport) open(ctx context.Context, ticket string) (live.Channel, error) {
	ch, err := t.dialer.Dial(ctx, ticket)
	if err != nil {
		t.dropTicket()
		return nil, err
	}

	msgs, err := ch.Subscribe(live.QueueMessages)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	acks, err := ch.Subscribe(live.QueueAck)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = ch.Close()
		return nil, ErrClosed
	}
	t.ch = ch
	t.setStateLocked(StateConnected)
	t.wg.Add(2)
	t.mu.Unlock()

	go t.pump(ch, msgs)
	go t.pump(ch, acks)

	t.logger.Info("live channel connected")
	return ch, nil
}

func (t *Transport) supervise(ch live.Channel) {
	defer t.wg.Done()

	for {
		if ch != nil {
			select {
			case <-ch.Done():
				t.lost(ch)
			case <-t.ctx.Done():
				return
			}
		} else {
			t.setState(StateReconnecting)
		}

		next, err := t.reconnect()
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.logger.Error("live channel gave up", zap.Int("max_reconnects", t.opts.MaxReconnects), zap.Error(err))
			// a Connect issued after seeing GaveUp must be free to start over
			t.mu.Lock()
			t.supervising = false
			t.setStateLocked(StateGaveUp)
			t.mu.Unlock()
			return
		}
		ch = next
	}
}

func (t *Transport) lost(ch live.Channel) {
	t.mu.Lock()
	if t.ch == ch {
		t.ch = nil
	}
	pending := t.pending
	t.pending = nil
	t.setStateLocked(StateReconnecting)
	t.mu.Unlock()

	cause := ch.Err()
	t.logger.Warn("live channel lost", zap.Error(cause), zap.Int("pending", len(pending)))
	_ = ch.Close()

	for _, d := range pending {
		d.settle(chat.DeliveryFailed, nil, fmt.Errorf("%w: %v", ErrNotConnected, cause))
	}
}

// reconnect retries with exponential backoff and jitter until a channel is
// up, MaxReconnects is exhausted or the transport is closed.
func (t *Transport) reconnect() (live.Channel, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.opts.ReconnectDelay
	b.MaxInterval = t.opts.MaxReconnectDelay
	b.MaxElapsedTime = 0
	b.Reset()

	var bo backoff.BackOff = b
	if t.opts.MaxReconnects > 0 {
		bo = backoff.WithMaxRetries(b, uint64(t.opts.MaxReconnects-1))
	}
	bo = backoff.WithContext(bo, t.ctx)

	timer := time.NewTimer(t.opts.ReconnectDelay)
	select {
	case <-t.ctx.Done():
		timer.Stop()
		return nil, t.ctx.Err()
	case <-timer.C:
	}

	attempt := 0
	var ch live.Channel
	op := func() error {
		attempt++
		ticket, err := t.Ticket(t.ctx)
		if err != nil {
			return err
		}
		c, err := t.open(t.ctx, ticket)
		if err != nil {
			return err
		}
		ch = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		t.logger.Warn("live reconnect failed", zap.Int("attempt", attempt), zap.Duration("next", next), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		return nil, err
	}
	return ch, nil
}

func (t *Transport) pump(ch live.Channel, frames <-chan live.Frame) {
	defer t.wg.Done()
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return
			}
			t.handleFrame(f)
		case <-ch.Done():
			return
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Transport) handleFrame(f live.Frame) {
	in := Inbound{Ack: f.Destination == live.QueueAck}
	var m chat.Message
	if err := json.Unmarshal(f.Body, &m); err == nil {
		in.Message = &m
	} else {
		in.Raw = string(f.Body)
	}

	if in.Ack && t.resolveAck(f.Headers[live.HeaderCorrelationID], in.Message) {
		return
	}

	select {
	case t.inbound <- in:
	case <-t.ctx.Done():
	}
}

// resolveAck settles the pending dispatch an ack belongs to: by
// correlation id when the server echoes it, else the oldest pending send
// with the same recipient and content.
func (t *Transport) resolveAck(corr string, msg *chat.Message) bool {
	t.mu.Lock()
	idx := -1
	if corr != "" {
		for i, d := range t.pending {
			if d.CorrelationID == corr {
				idx = i
				break
			}
		}
	}
	if idx < 0 && msg != nil {
		for i, d := range t.pending {
			if d.Peer == msg.Recipient.Username && d.Content == msg.Content {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		t.mu.Unlock()
		return false
	}
	d := t.pending[idx]
	t.pending = append(t.pending[:idx], t.pending[idx+1:]...)
	t.mu.Unlock()

	d.settle(chat.DeliveryAcked, msg, nil)
	return true
}

func (t *Transport) forget(d *Dispatch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, p := range t.pending {
		if p == d {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return
		}
	}
}

type sendBody struct {
	Content string `json:"content"`
}

// Send hands content to peer. Over the live channel the dispatch stays
// pending until the ack arrives. Otherwise, or when publishing fails, it
// goes over REST and is settled before Send returns.
func (t *Transport) Send(ctx context.Context, peer chat.Username, content string) *Dispatch {
	d := newDispatch(peer, content)
	d.forget = t.forget

	t.mu.Lock()
	ch := t.ch
	if ch != nil && t.state == StateConnected {
		d.Via = RouteLive
		t.pending = append(t.pending, d)
	} else {
		ch = nil
	}
	t.mu.Unlock()

	if ch != nil {
		body, _ := json.Marshal(sendBody{Content: content})
		headers := map[string]string{live.HeaderCorrelationID: d.CorrelationID}
		err := ch.Publish(ctx, live.SendDestination(peer), headers, body)
		if err == nil {
			return d
		}
		t.forget(d)
		t.logger.Warn("live publish failed, falling back to rest", zap.String("peer", string(peer)), zap.Error(err))
	}

	d.Via = RouteREST
	msg, err := t.api.Send(ctx, peer, content)
	if err != nil {
		d.settle(chat.DeliveryFailed, nil, err)
		return d
	}
	d.settle(chat.DeliveryAcked, &msg, nil)
	return d
}

// Close tears the channel down, fails whatever is still pending and waits
// for every goroutine the transport started.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.setStateLocked(StateDisconnected)
	t.closed = true
	ch := t.ch
	t.ch = nil
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	t.cancel()
	var err error
	if ch != nil {
		err = ch.Close()
	}
	for _, d := range pending {
		d.settle(chat.DeliveryFailed, nil, ErrClosed)
	}
	t.wg.Wait()
	close(t.inbound)
	close(t.states)
	return err
}
