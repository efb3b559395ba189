package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/auctiond/internal/clock"
	"github.com/jensholdgaard/auctiond/internal/store"
)

// AccountRepo implements store.AccountRepository with sqlx.
type AccountRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewAccountRepo returns a new AccountRepo.
func NewAccountRepo(db *sqlx.DB, clk clock.Clock) *AccountRepo {
	return &AccountRepo{db: db, clock: clk}
}

func (r *AccountRepo) Create(ctx context.Context, a *store.Account) error {
	now := r.clock.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	if a.ID == "" {
		return r.db.QueryRowContext(ctx,
			`INSERT INTO accounts (name, balance, created_at, updated_at)
			 VALUES ($1, $2, $3, $4) RETURNING id`,
			a.Name, a.Balance, a.CreatedAt, a.UpdatedAt,
		).Scan(&a.ID)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO accounts (id, name, balance, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.Name, a.Balance, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating account: %w", err)
	}
	return nil
}

func (r *AccountRepo) GetByID(ctx context.Context, id string) (*store.Account, error) {
	var a store.Account
	err := r.db.GetContext(ctx, &a, `SELECT * FROM accounts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) || malformedID(err) {
		return nil, fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting account: %w", err)
	}
	return &a, nil
}

func (r *AccountRepo) UpdateBalance(ctx context.Context, id string, delta int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET balance = balance + $1, updated_at = $2 WHERE id = $3`,
		delta, r.clock.Now().UTC(), id,
	)
	if malformedID(err) {
		return fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("updating balance: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	return nil
}
