// Package live holds the broker connections that carry pushed chat
// messages and send acknowledgements.
package live

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/foundersbase/chatdock/internal/chat"
	"go.uber.org/zap"
)

const (
	QueueMessages = "/user/queue/messages"
	QueueAck      = "/user/queue/ack"

	sendPrefix = "/app/chat.send/"

	HeaderCorrelationID = "correlation-id"
)

var ErrClosed = errors.New("live: channel closed")

func SendDestination(peer chat.Username) string {
	return sendPrefix + string(peer)
}

// PeerOfDestination extracts the peer from a send destination.
func PeerOfDestination(dest string) (chat.Username, bool) {
	if !strings.HasPrefix(dest, sendPrefix) {
		return "", false
	}
	p := strings.TrimPrefix(dest, sendPrefix)
	if p == "" {
		return "", false
	}
	return chat.Username(p), true
}

type Frame struct {
	Destination string
	Headers     map[string]string
	Body        []byte
}

// Channel is one authenticated broker session. Done is closed once the
// session is unusable, Err then reports why.
type Channel interface {
	Subscribe(dest string) (<-chan Frame, error)
	Publish(ctx context.Context, dest string, headers map[string]string, body []byte) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, ticket string) (Channel, error)
}

type Options struct {
	// Self is the signed-in user. The AMQP backend needs it to name its
	// private bindings.
	Self             chat.Username
	Heartbeat        time.Duration
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Heartbeat <= 0 {
		o.Heartbeat = 10 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
