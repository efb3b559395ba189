package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auctiond/internal/event"
	"github.com/jensholdgaard/auctiond/internal/store"
)

// ErrInvalidAmount is returned for non-positive charges and negative opening
// balances.
var ErrInvalidAmount = errors.New("invalid amount")

// Manager handles points accounts.
type Manager struct {
	accounts store.AccountRepository
	events   event.Store
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewManager returns a new account Manager.
func NewManager(accounts store.AccountRepository, events event.Store, logger *slog.Logger, tp trace.TracerProvider) *Manager {
	return &Manager{
		accounts: accounts,
		events:   events,
		logger:   logger,
		tracer:   tp.Tracer("github.com/jensholdgaard/auctiond/internal/account"),
	}
}

// Open creates an account with an opening balance.
func (m *Manager) Open(ctx context.Context, name string, balance int64) (*store.Account, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Open",
		trace.WithAttributes(
			attribute.String("name", name),
			attribute.Int64("balance", balance),
		),
	)
	defer span.End()

	if strings.TrimSpace(name) == "" {
		return nil, errors.New("account name is required")
	}
	if balance < 0 {
		return nil, fmt.Errorf("opening balance %d: %w", balance, ErrInvalidAmount)
	}

	a := &store.Account{Name: name, Balance: balance}
	if err := m.accounts.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("creating account: %w", err)
	}

	m.record(ctx, a.ID, event.AccountOpened, event.AccountChangeData{Name: name, Amount: balance})
	m.logger.InfoContext(ctx, "account opened",
		slog.String("account_id", a.ID),
		slog.String("name", name),
	)
	return a, nil
}

// Charge adds points to an account, e.g. after a top-up was paid.
func (m *Manager) Charge(ctx context.Context, accountID string, amount int64) (*store.Account, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Charge",
		trace.WithAttributes(
			attribute.String("account_id", accountID),
			attribute.Int64("amount", amount),
		),
	)
	defer span.End()

	if amount <= 0 {
		return nil, fmt.Errorf("charge of %d: %w", amount, ErrInvalidAmount)
	}
	if err := m.accounts.UpdateBalance(ctx, accountID, amount); err != nil {
		return nil, fmt.Errorf("charging account: %w", err)
	}

	m.record(ctx, accountID, event.AccountCharged, event.AccountChangeData{Amount: amount})
	m.logger.InfoContext(ctx, "account charged",
		slog.String("account_id", accountID),
		slog.Int64("amount", amount),
	)
	return m.accounts.GetByID(ctx, accountID)
}

// Get returns an account by id.
func (m *Manager) Get(ctx context.Context, accountID string) (*store.Account, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Get")
	defer span.End()

	return m.accounts.GetByID(ctx, accountID)
}

// record appends an account event. Failures are logged; the balance change
// is already committed.
func (m *Manager) record(ctx context.Context, accountID string, typ event.Type, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to encode event",
			slog.String("type", string(typ)),
			slog.Any("error", err),
		)
		return
	}
	evt := event.Event{
		AggregateID: accountID,
		Type:        typ,
		Data:        raw,
	}
	if err := m.events.Append(ctx, evt); err != nil {
		m.logger.ErrorContext(ctx, "failed to append account event",
			slog.String("type", string(typ)),
			slog.Any("error", err),
		)
	}
}
