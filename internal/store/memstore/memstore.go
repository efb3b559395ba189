// Package memstore provides an in-process store.Driver. All repositories of
// one Open call share a single mutex, which makes Ledger.Settle atomic in the
// same way a database transaction is. It is meant for local runs and tests.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jensholdgaard/auctiond/internal/clock"
	"github.com/jensholdgaard/auctiond/internal/config"
	"github.com/jensholdgaard/auctiond/internal/event"
	"github.com/jensholdgaard/auctiond/internal/store"
)

func init() {
	store.Register("memory", openMemory)
}

// closerFunc adapts a func() error into an io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func openMemory(_ context.Context, _ config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	return New(clk).Repositories(), nil
}

// DB is the shared in-memory state behind the repositories.
type DB struct {
	mu       sync.Mutex
	clock    clock.Clock
	accounts map[string]store.Account
	auctions map[string]store.Auction
	events   []event.Event
}

// New returns an empty DB.
func New(clk clock.Clock) *DB {
	return &DB{
		clock:    clk,
		accounts: make(map[string]store.Account),
		auctions: make(map[string]store.Auction),
	}
}

// Repositories returns repositories backed by db.
func (db *DB) Repositories() *store.Repositories {
	return &store.Repositories{
		Accounts: &AccountRepo{db: db},
		Auctions: &AuctionRepo{db: db},
		Ledger:   &Ledger{db: db},
		Events:   &EventStore{db: db},
		Closer:   closerFunc(func() error { return nil }),
		Ping:     func(context.Context) error { return nil },
	}
}

// AccountRepo implements store.AccountRepository in memory.
type AccountRepo struct{ db *DB }

func (r *AccountRepo) Create(_ context.Context, a *store.Account) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if _, ok := r.db.accounts[a.ID]; ok {
		return fmt.Errorf("account %s already exists", a.ID)
	}
	now := r.db.clock.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	r.db.accounts[a.ID] = *a
	return nil
}

func (r *AccountRepo) GetByID(_ context.Context, id string) (*store.Account, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	a, ok := r.db.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	return &a, nil
}

func (r *AccountRepo) UpdateBalance(_ context.Context, id string, delta int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	a, ok := r.db.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	a.Balance += delta
	a.UpdatedAt = r.db.clock.Now().UTC()
	r.db.accounts[id] = a
	return nil
}

// AuctionRepo implements store.AuctionRepository in memory.
type AuctionRepo struct{ db *DB }

func (r *AuctionRepo) Create(_ context.Context, a *store.Auction) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := r.db.clock.Now().UTC()
	a.Status = store.StatusScheduled
	a.CreatedAt, a.UpdatedAt = now, now
	r.db.auctions[a.ID] = *a
	return nil
}

func (r *AuctionRepo) GetByID(_ context.Context, id string) (*store.Auction, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	a, ok := r.db.auctions[id]
	if !ok {
		return nil, fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
	}
	return &a, nil
}

func (r *AuctionRepo) ListByStatus(_ context.Context, status store.AuctionStatus) ([]store.Auction, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var out []store.Auction
	for _, a := range r.db.auctions {
		if a.Status == status {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (r *AuctionRepo) Search(_ context.Context, q store.AuctionQuery) ([]store.Auction, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	keyword := strings.ToLower(q.Keyword)
	var out []store.Auction
	for _, a := range r.db.auctions {
		if q.Status != "" && a.Status != q.Status {
			continue
		}
		if keyword != "" && !strings.Contains(strings.ToLower(a.Title), keyword) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r *AuctionRepo) Update(_ context.Context, a *store.Auction) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	cur, ok := r.db.auctions[a.ID]
	if !ok {
		return fmt.Errorf("auction %s: %w", a.ID, store.ErrNotFound)
	}
	if cur.Status != store.StatusScheduled {
		return fmt.Errorf("auction %s is %s: %w", a.ID, cur.Status, store.ErrPrecondition)
	}
	cur.Title = a.Title
	cur.StartPrice = a.StartPrice
	cur.StartTime = a.StartTime.UTC()
	cur.EndTime = a.EndTime.UTC()
	cur.UpdatedAt = r.db.clock.Now().UTC()
	r.db.auctions[a.ID] = cur
	*a = cur
	return nil
}

func (r *AuctionRepo) Transition(_ context.Context, id string, from, to store.AuctionStatus) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	a, ok := r.db.auctions[id]
	if !ok {
		return fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
	}
	if a.Status != from {
		return fmt.Errorf("auction %s is %s, not %s: %w", id, a.Status, from, store.ErrPrecondition)
	}
	a.Status = to
	a.UpdatedAt = r.db.clock.Now().UTC()
	r.db.auctions[id] = a
	return nil
}

// Ledger implements store.Ledger in memory.
type Ledger struct{ db *DB }

func (l *Ledger) Settle(_ context.Context, auctionID, winnerID string, fn store.SettleFunc) error {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()

	a, ok := l.db.auctions[auctionID]
	if !ok {
		return fmt.Errorf("auction %s: %w", auctionID, store.ErrNotFound)
	}

	var winner, seller *store.Account
	if winnerID != "" {
		w, ok := l.db.accounts[winnerID]
		if !ok {
			return fmt.Errorf("winner account %s: %w", winnerID, store.ErrNotFound)
		}
		s, ok := l.db.accounts[a.SellerID]
		if !ok {
			return fmt.Errorf("seller account %s: %w", a.SellerID, store.ErrNotFound)
		}
		winner, seller = &w, &s
	}

	s, err := fn(a, winner, seller)
	if err != nil {
		return err
	}

	now := l.db.clock.Now().UTC()
	s.Auction.UpdatedAt = now
	l.db.auctions[auctionID] = s.Auction
	for _, acc := range s.Accounts {
		acc.UpdatedAt = now
		l.db.accounts[acc.ID] = acc
	}
	return nil
}

// EventStore implements event.Store in memory.
type EventStore struct{ db *DB }

func (s *EventStore) Append(_ context.Context, events ...event.Event) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	for _, e := range events {
		if e.Data != nil && !json.Valid(e.Data) {
			return fmt.Errorf("event %s for %s has invalid data", e.Type, e.AggregateID)
		}
	}
	for _, e := range events {
		e.ID = fmt.Sprintf("%d", len(s.db.events)+1)
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.db.clock.Now().UTC()
		}
		s.db.events = append(s.db.events, e)
	}
	return nil
}

func (s *EventStore) Load(_ context.Context, aggregateID string) ([]event.Event, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	var out []event.Event
	for _, e := range s.db.events {
		if e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	return out, nil
}
