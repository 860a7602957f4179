package live

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const disconnectTimeout = 2 * time.Second

type stompDialer struct {
	url  string
	host string
	opts Options
}

func newStompDialer(u *url.URL, opts Options) (Dialer, error) {
	cp := *u
	switch strings.ToLower(cp.Scheme) {
	case "http":
		cp.Scheme = "ws"
	case "https":
		cp.Scheme = "wss"
	}
	if cp.Host == "" {
		return nil, fmt.Errorf("live: broker url %q has no host", u.String())
	}
	return &stompDialer{url: cp.String(), host: cp.Hostname(), opts: opts}, nil
}

func (d *stompDialer) Dial(ctx context.Context, ticket string) (Channel, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.opts.HandshakeTimeout,
		Subprotocols:     []string{"v12.stomp", "v11.stomp", "v10.stomp"},
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+ticket)

	ws, _, err := dialer.DialContext(ctx, d.url, header)
	if err != nil {
		return nil, fmt.Errorf("live: websocket dial: %w", err)
	}

	ch := &stompChannel{
		logger: d.opts.Logger.With(zap.String("broker", "stomp")),
		done:   make(chan struct{}),
	}
	ch.ws = newWSConn(ws, ch.fail)

	conn, err := stomp.Connect(ch.ws,
		stomp.ConnOpt.Host(d.host),
		stomp.ConnOpt.Header("Authorization", "Bearer "+ticket),
		stomp.ConnOpt.HeartBeat(d.opts.Heartbeat, d.opts.Heartbeat),
	)
	if err != nil {
		_ = ch.ws.Close()
		return nil, fmt.Errorf("live: stomp connect: %w", err)
	}
	ch.conn = conn
	return ch, nil
}

type stompChannel struct {
	conn   *stomp.Conn
	ws     *wsConn
	logger *zap.Logger

	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

func (c *stompChannel) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *stompChannel) Subscribe(dest string) (<-chan Frame, error) {
	sub, err := c.conn.Subscribe(dest, stomp.AckAuto)
	if err != nil {
		return nil, fmt.Errorf("live: subscribe %s: %w", dest, err)
	}
	out := make(chan Frame, 64)
	go func() {
		defer close(out)
		for m := range sub.C {
			if m.Err != nil {
				c.logger.Warn("subscription error", zap.String("dest", dest), zap.Error(m.Err))
				c.fail(m.Err)
				continue
			}
			f := Frame{Destination: dest, Headers: stompHeaders(m.Header), Body: m.Body}
			select {
			case out <- f:
			case <-c.done:
			}
		}
	}()
	return out, nil
}

func (c *stompChannel) Publish(ctx context.Context, dest string, headers map[string]string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return c.Err()
	default:
	}
	opts := make([]func(*frame.Frame) error, 0, len(headers))
	for k, v := range headers {
		opts = append(opts, stomp.SendOpt.Header(k, v))
	}
	if err := c.conn.Send(dest, "application/json", body, opts...); err != nil {
		c.fail(err)
		return fmt.Errorf("live: publish %s: %w", dest, err)
	}
	return nil
}

func (c *stompChannel) Done() <-chan struct{} { return c.done }

func (c *stompChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close disconnects gracefully while the session is healthy and tears the
// socket down otherwise.
func (c *stompChannel) Close() error {
	select {
	case <-c.done:
		_ = c.conn.MustDisconnect()
		return c.ws.Close()
	default:
	}
	c.fail(ErrClosed)

	errc := make(chan error, 1)
	go func() { errc <- c.conn.Disconnect() }()

	var err error
	select {
	case err = <-errc:
	case <-time.After(disconnectTimeout):
		_ = c.conn.MustDisconnect()
	}
	_ = c.ws.Close()
	return err
}

func stompHeaders(h *frame.Header) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, h.Len())
	for i := 0; i < h.Len(); i++ {
		k, v := h.GetAt(i)
		if _, seen := out[k]; !seen {
			out[k] = v
		}
	}
	return out
}
