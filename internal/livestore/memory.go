package livestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jensholdgaard/auctiond/internal/clock"
)

type entry struct {
	state   State
	expires time.Time
}

// Memory is an in-process Store. Entries expire like their Redis
// counterparts, measured on the injected clock.
type Memory struct {
	mu      sync.Mutex
	clock   clock.Clock
	grace   time.Duration
	entries map[string]entry
}

// NewMemory returns an empty Memory store. State is kept until its deadline
// plus grace.
func NewMemory(clk clock.Clock, grace time.Duration) *Memory {
	return &Memory{
		clock:   clk,
		grace:   grace,
		entries: make(map[string]entry),
	}
}

func (m *Memory) Seed(_ context.Context, auctionID string, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(auctionID, s)
	return nil
}

func (m *Memory) Get(_ context.Context, auctionID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(auctionID)
}

func (m *Memory) Update(_ context.Context, auctionID string, fn UpdateFunc) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.get(auctionID)
	if err != nil {
		return State{}, err
	}
	next, err := fn(cur)
	if err != nil {
		return cur, err
	}
	m.put(auctionID, next)
	return next, nil
}

func (m *Memory) Delete(_ context.Context, auctionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, auctionID)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) get(auctionID string) (State, error) {
	e, ok := m.entries[auctionID]
	if !ok {
		return State{}, fmt.Errorf("auction %s: %w", auctionID, ErrNotFound)
	}
	if !m.clock.Now().Before(e.expires) {
		delete(m.entries, auctionID)
		return State{}, fmt.Errorf("auction %s: %w", auctionID, ErrNotFound)
	}
	return e.state, nil
}

func (m *Memory) put(auctionID string, s State) {
	now := m.clock.Now()
	m.entries[auctionID] = entry{state: s, expires: now.Add(Expiry(now, s.Deadline, m.grace))}
}
