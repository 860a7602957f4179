package live

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/foundersbase/chatdock/internal/chat"
)

const (
	chatExchange   = "chat"
	publishTimeout = 5 * time.Second
)

// RoutingKey maps a broker destination onto the topic exchange:
//
//	/user/queue/messages -> chat.user.{self}.messages
//	/user/queue/ack      -> chat.user.{self}.ack
//	/app/chat.send/{to}  -> chat.send.{to}
func RoutingKey(dest string, self chat.Username) (string, error) {
	switch dest {
	case QueueMessages:
		return "chat.user." + string(self) + ".messages", nil
	case QueueAck:
		return "chat.user." + string(self) + ".ack", nil
	}
	if peer, ok := PeerOfDestination(dest); ok {
		return "chat.send." + string(peer), nil
	}
	return "", fmt.Errorf("live: no routing key for destination %q", dest)
}

type amqpDialer struct {
	url  *url.URL
	opts Options
}

func newAMQPDialer(u *url.URL, opts Options) (Dialer, error) {
	if opts.Self == "" {
		return nil, fmt.Errorf("live: amqp broker needs the signed-in username")
	}
	cp := *u
	return &amqpDialer{url: &cp, opts: opts}, nil
}

// Dial authenticates as Self with the ticket as password, which is what
// the RabbitMQ OAuth2 backend expects.
func (d *amqpDialer) Dial(ctx context.Context, ticket string) (Channel, error) {
	u := *d.url
	u.User = url.UserPassword(string(d.opts.Self), ticket)

	cfg := amqp.Config{
		Heartbeat: d.opts.Heartbeat,
		Locale:    "en_US",
		Properties: amqp.Table{
			"connection_name": "chatdock:" + string(d.opts.Self),
		},
	}

	type result struct {
		conn *amqp.Connection
		err  error
	}
	resc := make(chan result, 1)
	go func() {
		conn, err := amqp.DialConfig(u.String(), cfg)
		resc <- result{conn, err}
	}()

	var conn *amqp.Connection
	select {
	case <-ctx.Done():
		go func() {
			if r := <-resc; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-resc:
		if r.err != nil {
			return nil, fmt.Errorf("live: amqp dial: %w", r.err)
		}
		conn = r.conn
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := ch.ExchangeDeclare(
		chatExchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	c := &amqpChannel{
		conn:   conn,
		ch:     ch,
		self:   d.opts.Self,
		logger: d.opts.Logger.With(zap.String("broker", "amqp")),
		done:   make(chan struct{}),
	}

	// a channel exception kills deliveries while the connection stays up,
	// so either closing ends the session
	go c.watch(conn.NotifyClose(make(chan *amqp.Error, 1)), ch.NotifyClose(make(chan *amqp.Error, 1)))
	return c, nil
}

func (c *amqpChannel) watch(connClosed, chClosed <-chan *amqp.Error) {
	var e *amqp.Error
	var ok bool
	select {
	case e, ok = <-connClosed:
	case e, ok = <-chClosed:
	case <-c.done:
		return
	}
	if ok && e != nil {
		c.fail(e)
		return
	}
	c.fail(ErrClosed)
}

type amqpChannel struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	self   chat.Username
	logger *zap.Logger

	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

func (c *amqpChannel) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *amqpChannel) Subscribe(dest string) (<-chan Frame, error) {
	key, err := RoutingKey(dest, c.self)
	if err != nil {
		return nil, err
	}

	// private, server-named queue that dies with the connection
	q, err := c.ch.QueueDeclare(
		"",
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false,
		nil,
	)
	if err != nil {
		return nil, err
	}
	if err := c.ch.QueueBind(q.Name, key, chatExchange, false, nil); err != nil {
		return nil, err
	}

	deliveries, err := c.ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, err
	}

	out := make(chan Frame, 64)
	go func() {
		defer close(out)
		for d := range deliveries {
			f := Frame{Destination: dest, Headers: amqpHeaders(d), Body: d.Body}
			select {
			case out <- f:
			case <-c.done:
			}
		}
	}()
	return out, nil
}

func (c *amqpChannel) Publish(ctx context.Context, dest string, headers map[string]string, body []byte) error {
	key, err := RoutingKey(dest, c.self)
	if err != nil {
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		UserId:       string(c.self),
		Body:         body,
		Timestamp:    time.Now(),
	}
	if len(headers) > 0 {
		pub.Headers = amqp.Table{}
		for k, v := range headers {
			if k == HeaderCorrelationID {
				pub.CorrelationId = v
				continue
			}
			pub.Headers[k] = v
		}
	}

	cctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := c.ch.PublishWithContext(cctx, chatExchange, key, false, false, pub); err != nil {
		return fmt.Errorf("live: publish %s: %w", key, err)
	}
	return nil
}

func (c *amqpChannel) Done() <-chan struct{} { return c.done }

func (c *amqpChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *amqpChannel) Close() error {
	c.fail(ErrClosed)
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn.Close()
	}
	return nil
}

func amqpHeaders(d amqp.Delivery) map[string]string {
	out := make(map[string]string, len(d.Headers)+1)
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = strings.TrimSpace(fmt.Sprint(v))
	}
	if d.CorrelationId != "" {
		out[HeaderCorrelationID] = d.CorrelationId
	}
	return out
}
