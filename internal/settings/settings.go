// Package settings persists the relay session state so an out-of-process
// status query can read it.
package settings

import (
	"context"
	"sync"
)

// State is the last persisted view of the relay session.
type State struct {
	Connected       bool   `json:"connected"`
	TargetDomain    string `json:"targetDomain,omitempty"`
	ConnectionCount int    `json:"connectionCount"`
	IsPrimary       bool   `json:"isPrimaryConnection"`
}

// Store is written by the relay on every state change. An empty domain
// clears the target.
type Store interface {
	SetConnected(ctx context.Context, connected bool) error
	SetTargetDomain(ctx context.Context, domain string) error
	SetConnectionRank(ctx context.Context, count int, primary bool) error
	Load(ctx context.Context) (State, error)
}

// Memory is the in-process store.
type Memory struct {
	mu    sync.Mutex
	state State
}

func NewMemory() *Memory {
	return &Memory{state: State{ConnectionCount: 1, IsPrimary: true}}
}

func (m *Memory) SetConnected(_ context.Context, connected bool) error {
	m.mu.Lock()
	m.state.Connected = connected
	m.mu.Unlock()
	return nil
}

func (m *Memory) SetTargetDomain(_ context.Context, domain string) error {
	m.mu.Lock()
	m.state.TargetDomain = domain
	m.mu.Unlock()
	return nil
}

func (m *Memory) SetConnectionRank(_ context.Context, count int, primary bool) error {
	m.mu.Lock()
	m.state.ConnectionCount = count
	m.state.IsPrimary = primary
	m.mu.Unlock()
	return nil
}

func (m *Memory) Load(_ context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}
