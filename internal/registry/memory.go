// Package registry persists device registrations. The Memory store backs
// tests and single-node deployments; Firestore is the durable backend, with
// an optional Redis read-aside cache layered on top.
package registry

import (
	"context"
	"sync"

	"github.com/tinywideclouds/go-push-gateway/pkg/wakeup"
)

// Memory is an in-process registry keyed by full routing token.
type Memory struct {
	mu   sync.RWMutex
	regs map[string]wakeup.Registration
}

func NewMemory() *Memory {
	return &Memory{regs: make(map[string]wakeup.Registration)}
}

// Upsert stores the registration, reporting whether the token was new.
func (m *Memory) Upsert(_ context.Context, reg wakeup.Registration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.regs[reg.Token]
	m.regs[reg.Token] = reg
	return !exists, nil
}

// Lookup returns the registration, or nil when the token is unknown.
func (m *Memory) Lookup(_ context.Context, token string) (*wakeup.Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.regs[token]
	if !ok {
		return nil, nil
	}
	return &reg, nil
}

// Evict removes the token. Evicting an unknown token is a no-op.
func (m *Memory) Evict(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.regs, token)
	return nil
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.regs)
}
