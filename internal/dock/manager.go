// Package dock is the chat dock's session manager: it merges optimistic
// sends, live pushes and REST history into one ordered thread per peer and
// keeps the conversation directory consistent with the server.
package dock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/foundersbase/chatdock/internal/chat"
	"github.com/foundersbase/chatdock/internal/transport"
	"github.com/foundersbase/chatdock/internal/uistate"
)

var (
	ErrEmptyContent = errors.New("dock: empty message")
	ErrNoActivePeer = errors.New("dock: no active conversation")
	ErrNotDelivered = errors.New("dock: message could not be delivered")
)

// API is the REST surface the dock reads from.
type API interface {
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	EnsureConversation(ctx context.Context, peer chat.Username) (chat.Conversation, error)
	MarkRead(ctx context.Context, peer chat.Username) error
	Messages(ctx context.Context, peer chat.Username) ([]chat.Message, error)
	DirectMessages(ctx context.Context, ticket string, peer chat.Username) ([]chat.Message, error)
}

// Transport is the session's live channel.
type Transport interface {
	Connect(ctx context.Context) error
	Ticket(ctx context.Context) (string, error)
	Send(ctx context.Context, peer chat.Username, content string) *transport.Dispatch
	Inbound() <-chan transport.Inbound
	States() <-chan transport.State
	State() transport.State
}

type EventKind int

const (
	EventUpdated EventKind = iota
	EventDeliveryFailed
	EventConnection
)

type Event struct {
	Kind    EventKind
	Peer    chat.Username
	Message *chat.Message
	State   transport.State
	Err     error
}

type Options struct {
	Self            chat.Username
	AckTimeout      time.Duration
	PollInterval    time.Duration
	PollAttempts    int
	SupersedeWindow time.Duration
	EventBuffer     int
	Bus             *Bus
	Logger          *zap.Logger
	Now             func() time.Time
}

type Manager struct {
	api    API
	tr     Transport
	store  uistate.Store
	bus    *Bus
	opts   Options
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	open       bool
	active     chat.Username
	messages   map[chat.Username][]chat.Message
	dir        *Directory
	pollCancel context.CancelFunc

	events chan Event
}

func New(api API, tr Transport, store uistate.Store, opts Options) *Manager {
	if opts.Self == "" {
		opts.Self = "me"
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 5 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = 10
	}
	if opts.SupersedeWindow <= 0 {
		opts.SupersedeWindow = chat.DefaultSupersedeWindow
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.Bus == nil {
		opts.Bus = NewBus(0)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if store == nil {
		store = uistate.NewMemory()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		api:      api,
		tr:       tr,
		store:    store,
		bus:      opts.Bus,
		opts:     opts,
		logger:   opts.Logger.Named("dock"),
		ctx:      ctx,
		cancel:   cancel,
		messages: make(map[chat.Username][]chat.Message),
		dir:      NewDirectory(),
		events:   make(chan Event, opts.EventBuffer),
	}
}

func (m *Manager) Bus() *Bus { return m.bus }

func (m *Manager) Self() chat.Username { return m.opts.Self }

// Events carries change notifications for the presentation layer.
// Updates are dropped when the buffer is full. A delivery failure waits up
// to the ack timeout for room and is then dropped with a warning, so a
// caller that never drains Events slows failed sends but never hangs them.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) emit(ev Event) {
	if ev.Kind == EventDeliveryFailed {
		// the one alert the user must see
		timer := time.NewTimer(m.opts.AckTimeout)
		defer timer.Stop()
		select {
		case m.events <- ev:
		case <-m.ctx.Done():
		case <-timer.C:
			m.logger.Warn("delivery failure event dropped, events not drained", zap.String("peer", string(ev.Peer)))
		}
		return
	}
	select {
	case m.events <- ev:
	default:
	}
}

// Start restores the persisted UI state, connects the live channel (its
// failure leaves the dock on REST), loads the directory and the active
// thread, and starts polling when the dock was left open.
func (m *Manager) Start(ctx context.Context) error {
	st, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn("restore ui state failed", zap.Error(err))
	}

	if err := m.tr.Connect(ctx); err != nil {
		m.logger.Info("live channel not connected", zap.Error(err))
	}

	if err := m.RefreshAll(ctx); err != nil {
		m.logger.Warn("initial conversation load failed", zap.Error(err))
	}

	m.mu.Lock()
	m.active = st.Active
	if m.active == "" {
		if sorted := m.dir.Sorted(); len(sorted) > 0 {
			m.active = sorted[0].OtherUsername
		}
	}
	active := m.active
	m.mu.Unlock()

	if active != "" {
		m.persistActive(ctx, active)
		m.markReadAsync(active)
		m.Refresh(ctx, active)
	}
	if st.Open {
		m.SetOpen(true)
	}
	m.emit(Event{Kind: EventUpdated})
	return nil
}

// Run drains live pushes, connection state changes and bus commands until
// ctx ends or the transport is closed.
func (m *Manager) Run(ctx context.Context) error {
	inbound := m.tr.Inbound()
	states := m.tr.States()
	requests := m.bus.Requests()
	for inbound != nil || states != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			m.HandleInbound(ctx, in)
		case s, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			m.handleState(ctx, s)
		case req := <-requests:
			m.OpenChat(ctx, req.Username)
		}
	}
	return nil
}

func (m *Manager) handleState(ctx context.Context, s transport.State) {
	m.emit(Event{Kind: EventConnection, State: s})
	if s != transport.StateConnected {
		return
	}
	// pushes may have been missed while the channel was down
	if err := m.RefreshAll(ctx); err != nil {
		m.logger.Debug("refresh after reconnect failed", zap.Error(err))
	}
	if active := m.Active(); active != "" {
		m.Refresh(ctx, active)
	}
}

// HandleInbound applies one live push. A push for the active peer marks it
// read and reloads the thread; any other peer gets the message buffered and
// one more unread. Either way the dock opens.
func (m *Manager) HandleInbound(ctx context.Context, in transport.Inbound) {
	if in.Message == nil {
		m.logger.Debug("ignoring non-message push", zap.String("raw", in.Raw))
		return
	}
	msg := *in.Message
	peer := chat.PeerOf(msg, m.opts.Self)
	if peer == "" {
		return
	}
	own := msg.Sender.Username == m.opts.Self
	now := m.opts.Now()

	m.mu.Lock()
	isActive := peer == m.active
	buffered := m.messages[peer]
	dup := chat.ContainsID(buffered, msg.ID)
	if !dup {
		m.messages[peer] = append(buffered, msg)
	}
	patch := Patch{UpdatedAt: now, LastMessage: &msg.Content}
	if !msg.CreatedAt.IsZero() {
		at := msg.CreatedAt
		patch.LastMessageAt = &at
	}
	switch {
	case isActive:
		patch.ResetUnread = true
	case !dup && !own:
		patch.IncrementUnread = true
	}
	m.dir.Upsert(peer, patch, now)
	m.mu.Unlock()

	m.SetOpen(true)
	m.emit(Event{Kind: EventUpdated, Peer: peer})

	if isActive {
		m.markReadAsync(peer)
		m.Refresh(ctx, peer)
	}
}

// Send posts content to the active peer.
func (m *Manager) Send(ctx context.Context, content string) error {
	peer := m.Active()
	if peer == "" {
		return ErrNoActivePeer
	}
	return m.SendTo(ctx, peer, content)
}

// SendTo appends an optimistic copy, dispatches, and either reloads the
// thread from the server or removes the copy again if nothing confirmed
// delivery within the ack timeout.
func (m *Manager) SendTo(ctx context.Context, peer chat.Username, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyContent
	}
	if peer == "" {
		return ErrNoActivePeer
	}

	now := m.opts.Now()
	optimistic := chat.Message{
		ID:        chat.NewLocalID(),
		Content:   content,
		Sender:    chat.UserRef{Username: m.opts.Self},
		Recipient: chat.UserRef{Username: peer},
		CreatedAt: now,
		State:     chat.DeliveryPending,
	}

	m.mu.Lock()
	m.messages[peer] = append(m.messages[peer], optimistic)
	m.dir.Upsert(peer, Patch{UpdatedAt: now, LastMessage: &content, LastMessageAt: &now}, now)
	m.mu.Unlock()
	m.emit(Event{Kind: EventUpdated, Peer: peer})

	d := m.tr.Send(ctx, peer, content)

	wctx, cancel := context.WithTimeout(ctx, m.opts.AckTimeout)
	state, err := d.Wait(wctx)
	cancel()

	if state != chat.DeliveryAcked {
		m.rollback(peer, optimistic.ID)
		optimistic.State = chat.DeliveryFailed
		m.logger.Warn("send failed",
			zap.String("peer", string(peer)),
			zap.String("via", string(d.Via)),
			zap.String("correlation_id", d.CorrelationID),
			zap.Error(err),
		)
		m.emit(Event{Kind: EventDeliveryFailed, Peer: peer, Message: &optimistic, Err: err})
		return fmt.Errorf("%w: %v", ErrNotDelivered, err)
	}

	server, hasServer := d.Message()
	m.mu.Lock()
	msgs := m.messages[peer]
	for i := range msgs {
		if msgs[i].ID != optimistic.ID {
			continue
		}
		if hasServer && !server.ID.IsZero() {
			msgs[i] = server
		} else {
			msgs[i].State = chat.DeliveryAcked
			msgs[i].CorrelationID = d.CorrelationID
		}
		break
	}
	m.mu.Unlock()

	m.Refresh(ctx, peer)
	return nil
}

func (m *Manager) rollback(peer chat.Username, id chat.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[peer]
	out := msgs[:0]
	for _, msg := range msgs {
		if msg.ID != id {
			out = append(out, msg)
		}
	}
	m.messages[peer] = out

	// the preview must not advertise a message that was never sent
	p := Patch{}
	if n := len(out); n > 0 {
		last := out[n-1]
		p.LastMessage = &last.Content
		p.LastMessageAt = &last.CreatedAt
	} else {
		empty := ""
		p.LastMessage = &empty
	}
	if _, ok := m.dir.Get(peer); ok {
		m.dir.Upsert(peer, p, m.opts.Now())
	}
}

// Refresh reloads peer's full history and replaces the buffered thread.
// It never fails: when both the BFF and the direct backend fetch fail the
// current buffer is kept (or an empty thread shown).
func (m *Manager) Refresh(ctx context.Context, peer chat.Username) {
	msgs, err := m.fetchHistory(ctx, peer)
	now := m.opts.Now()

	m.mu.Lock()
	if err != nil {
		if _, ok := m.messages[peer]; !ok {
			m.messages[peer] = []chat.Message{}
		}
		m.mu.Unlock()
		m.logger.Warn("history unavailable", zap.String("peer", string(peer)), zap.Error(err))
		m.emit(Event{Kind: EventUpdated, Peer: peer})
		return
	}

	merged := chat.ReplaceHistory(msgs, m.messages[peer], m.opts.SupersedeWindow)
	m.messages[peer] = merged

	patch := Patch{UpdatedAt: now}
	if n := len(msgs); n > 0 {
		chat.SortMessages(msgs)
		last := msgs[n-1]
		if !last.CreatedAt.IsZero() {
			patch.UpdatedAt = last.CreatedAt
			patch.LastMessageAt = &last.CreatedAt
		}
		patch.LastMessage = &last.Content
	}
	if peer == m.active {
		patch.ResetUnread = true
	}
	m.dir.Upsert(peer, patch, now)
	m.mu.Unlock()

	m.emit(Event{Kind: EventUpdated, Peer: peer})
}

func (m *Manager) fetchHistory(ctx context.Context, peer chat.Username) ([]chat.Message, error) {
	msgs, err := m.api.Messages(ctx, peer)
	if err == nil {
		return msgs, nil
	}
	m.logger.Debug("bff history failed, trying backend", zap.String("peer", string(peer)), zap.Error(err))

	ticket, terr := m.tr.Ticket(ctx)
	if terr != nil {
		return nil, fmt.Errorf("history: %v; ticket: %w", err, terr)
	}
	msgs, derr := m.api.DirectMessages(ctx, ticket, peer)
	if derr != nil {
		return nil, fmt.Errorf("history: %v; direct: %w", err, derr)
	}
	return msgs, nil
}

// Select makes peer the active conversation: unread drops to zero, the
// server is told, and the thread is reloaded.
func (m *Manager) Select(ctx context.Context, peer chat.Username) {
	if peer == "" {
		return
	}
	m.mu.Lock()
	m.active = peer
	m.dir.Upsert(peer, Patch{ResetUnread: true}, m.opts.Now())
	m.mu.Unlock()

	m.persistActive(ctx, peer)
	m.emit(Event{Kind: EventUpdated, Peer: peer})
	m.markReadAsync(peer)
	m.Refresh(ctx, peer)
}

// Ensure asks the backend for peer's conversation. On failure a local
// placeholder keeps the dock usable; sending stays the real gate.
func (m *Manager) Ensure(ctx context.Context, peer chat.Username) chat.Conversation {
	conv, err := m.api.EnsureConversation(ctx, peer)
	now := m.opts.Now()

	m.mu.Lock()
	var c chat.Conversation
	if err != nil {
		m.logger.Info("ensure conversation failed, using placeholder", zap.String("peer", string(peer)), zap.Error(err))
		c = m.dir.Ensure(peer, nil, now)
	} else {
		c = m.dir.Ensure(peer, &conv, now)
	}
	m.mu.Unlock()

	m.emit(Event{Kind: EventUpdated, Peer: peer})
	return c
}

// MarkRead zeroes peer's unread count locally and tells the server in the
// background. A failed notification is corrected by the next refresh.
func (m *Manager) MarkRead(ctx context.Context, peer chat.Username) {
	m.mu.Lock()
	if _, ok := m.dir.Get(peer); ok {
		m.dir.Upsert(peer, Patch{ResetUnread: true}, m.opts.Now())
	}
	m.mu.Unlock()
	m.emit(Event{Kind: EventUpdated, Peer: peer})
	m.markReadAsync(peer)
}

func (m *Manager) markReadAsync(peer chat.Username) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, m.opts.AckTimeout)
		defer cancel()
		if err := m.api.MarkRead(ctx, peer); err != nil {
			m.logger.Debug("mark read failed", zap.String("peer", string(peer)), zap.Error(err))
		}
	}()
}

// RefreshAll replaces the directory with the server list. The active
// peer's row survives even if the server has not persisted it yet.
func (m *Manager) RefreshAll(ctx context.Context) error {
	list, err := m.api.ListConversations(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.dir.Replace(list, m.active)
	if m.active != "" {
		if _, ok := m.dir.Get(m.active); ok {
			m.dir.Upsert(m.active, Patch{ResetUnread: true}, m.opts.Now())
		}
	}
	m.mu.Unlock()
	m.emit(Event{Kind: EventUpdated})
	return nil
}

// OpenChat handles an external "open chat with peer" command: the dock
// opens at once, then the conversation is ensured and selected. The peer is
// marked active before opening so polls keep its row while ensure runs.
func (m *Manager) OpenChat(ctx context.Context, peer chat.Username) {
	if peer == "" {
		return
	}
	m.mu.Lock()
	m.active = peer
	m.mu.Unlock()

	m.SetOpen(true)
	m.Ensure(ctx, peer)
	m.Select(ctx, peer)
}

// SetOpen expands or collapses the dock. Opening restarts the bounded
// directory poll from its first iteration; closing cancels it.
func (m *Manager) SetOpen(open bool) {
	m.mu.Lock()
	if m.open == open {
		m.mu.Unlock()
		return
	}
	m.open = open
	if open {
		m.startPollingLocked()
	} else {
		m.stopPollingLocked()
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, time.Second)
	defer cancel()
	if err := m.store.SaveOpen(ctx, open); err != nil {
		m.logger.Debug("persist open flag failed", zap.Error(err))
	}
	m.emit(Event{Kind: EventUpdated})
}

func (m *Manager) persistActive(ctx context.Context, peer chat.Username) {
	if err := m.store.SaveActive(ctx, peer); err != nil {
		m.logger.Debug("persist active peer failed", zap.Error(err))
	}
}

func (m *Manager) startPollingLocked() {
	m.stopPollingLocked()
	if m.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.pollCancel = cancel
	m.wg.Add(1)
	go m.poll(ctx)
}

func (m *Manager) stopPollingLocked() {
	if m.pollCancel != nil {
		m.pollCancel()
		m.pollCancel = nil
	}
}

func (m *Manager) poll(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for i := 0; i < m.opts.PollAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
		if err := m.RefreshAll(ctx); err != nil && ctx.Err() == nil {
			m.logger.Debug("conversation poll failed", zap.Int("iteration", i), zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Close stops polling and waits for background requests. The transport
// belongs to the caller.
func (m *Manager) Close() {
	m.mu.Lock()
	m.stopPollingLocked()
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) Active() chat.Username {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Manager) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// Messages returns a copy of peer's thread.
func (m *Manager) Messages(peer chat.Username) []chat.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chat.Message(nil), m.messages[peer]...)
}

func (m *Manager) Conversation(peer chat.Username) (chat.Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dir.Get(peer)
}

// Conversations returns the directory, most recent first.
func (m *Manager) Conversations() []chat.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dir.Sorted()
}

func (m *Manager) Filter(q string) []chat.Conversation {
	return FilterConversations(m.Conversations(), q)
}

func (m *Manager) TotalUnread() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dir.TotalUnread()
}
