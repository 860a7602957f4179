package dock

import (
	"github.com/foundersbase/chatdock/internal/chat"
)

type OpenRequest struct {
	Username chat.Username
}

// Bus carries "open chat with X" commands from anywhere in the program to
// the Manager, so publishers need no handle on the Manager itself.
type Bus struct {
	ch chan OpenRequest
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 8
	}
	return &Bus{ch: make(chan OpenRequest, buffer)}
}

// OpenChat queues a request. It never blocks; false means the username was
// blank or the queue is full.
func (b *Bus) OpenChat(username string) bool {
	u, err := chat.ParseUsername(username)
	if err != nil {
		return false
	}
	select {
	case b.ch <- OpenRequest{Username: u}:
		return true
	default:
		return false
	}
}

func (b *Bus) Requests() <-chan OpenRequest { return b.ch }
