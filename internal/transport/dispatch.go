package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/foundersbase/chatdock/internal/chat"
)

type Route string

const (
	RouteLive Route = "live"
	RouteREST Route = "rest"
)

// Dispatch tracks one send from hand-off until it is acked or failed.
type Dispatch struct {
	CorrelationID string
	Peer          chat.Username
	Content       string
	Via           Route

	done   chan struct{}
	once   sync.Once
	forget func(*Dispatch)

	mu    sync.Mutex
	state chat.DeliveryState
	msg   *chat.Message
	err   error
}

func newDispatch(peer chat.Username, content string) *Dispatch {
	return &Dispatch{
		CorrelationID: chat.NewCorrelationID(),
		Peer:          peer,
		Content:       content,
		done:          make(chan struct{}),
		state:         chat.DeliveryPending,
	}
}

func (d *Dispatch) settle(state chat.DeliveryState, msg *chat.Message, err error) bool {
	settled := false
	d.once.Do(func() {
		d.mu.Lock()
		d.state = state
		d.msg = msg
		d.err = err
		d.mu.Unlock()
		close(d.done)
		settled = true
	})
	return settled
}

func (d *Dispatch) State() chat.DeliveryState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Message returns the server copy, when the ack or REST response carried
// one.
func (d *Dispatch) Message() (chat.Message, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.msg == nil {
		return chat.Message{}, false
	}
	return *d.msg, true
}

func (d *Dispatch) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *Dispatch) Done() <-chan struct{} { return d.done }

// Wait blocks until the dispatch settles. If ctx ends first the dispatch
// is failed with ErrAckTimeout and a late ack no longer matches it.
func (d *Dispatch) Wait(ctx context.Context) (chat.DeliveryState, error) {
	select {
	case <-d.done:
	case <-ctx.Done():
		if d.forget != nil {
			d.forget(d)
		}
		d.settle(chat.DeliveryFailed, nil, fmt.Errorf("%w: %v", ErrAckTimeout, ctx.Err()))
	}
	return d.State(), d.Err()
}
