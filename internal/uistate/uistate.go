// Package uistate persists the dock's visual state (open flag and last
// active peer) so a restart resumes where the user left off. It is
// best-effort: nothing here is needed for correctness.
package uistate

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/foundersbase/chatdock/internal/chat"
)

const (
	KeyOpen   = "chat.open"
	KeyActive = "chat.active"
)

type State struct {
	Open   bool
	Active chat.Username
}

type Store interface {
	Load(ctx context.Context) (State, error)
	SaveOpen(ctx context.Context, open bool) error
	SaveActive(ctx context.Context, peer chat.Username) error
}

func encodeOpen(open bool) string {
	if open {
		return "1"
	}
	return "0"
}

func decode(values map[string]string) State {
	return State{
		Open:   values[KeyOpen] == "1",
		Active: chat.Username(strings.TrimSpace(values[KeyActive])),
	}
}

// Memory keeps state for the lifetime of the process.
type Memory struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Load(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return decode(m.values), nil
}

func (m *Memory) SaveOpen(ctx context.Context, open bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[KeyOpen] = encodeOpen(open)
	return nil
}

func (m *Memory) SaveActive(ctx context.Context, peer chat.Username) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[KeyActive] = string(peer)
	return nil
}

func scopeOf(self chat.Username) string {
	if self == "" {
		return "default"
	}
	return string(self)
}

func unsupported(backend string) error {
	return fmt.Errorf("uistate: unsupported backend %q", backend)
}
