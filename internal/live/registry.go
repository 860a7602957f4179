package live

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type DialerFactory func(u *url.URL, opts Options) (Dialer, error)

// Registry picks a broker backend by URL scheme.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]DialerFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]DialerFactory)}
}

// DefaultRegistry knows STOMP over WebSocket (ws, wss, http, https) and
// AMQP (amqp, amqps).
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, s := range []string{"ws", "wss", "http", "https"} {
		r.Register(s, newStompDialer)
	}
	for _, s := range []string{"amqp", "amqps"} {
		r.Register(s, newAMQPDialer)
	}
	return r
}

func (r *Registry) Register(scheme string, f DialerFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[scheme] = f
}

func (r *Registry) Dialer(rawURL string, opts Options) (Dialer, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("live: parse broker url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	r.mu.RLock()
	f, ok := r.factories[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown live broker scheme: %q", u.Scheme)
	}
	return f(u, opts.withDefaults())
}

func NewDialer(rawURL string, opts Options) (Dialer, error) {
	return DefaultRegistry().Dialer(rawURL, opts)
}
