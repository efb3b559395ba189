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

// Ledger implements store.Ledger with a single Postgres transaction per
// settlement. Rows are locked with SELECT ... FOR UPDATE in a fixed order
// (auction, then accounts by id) so concurrent settlements cannot deadlock.
type Ledger struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewLedger returns a new Ledger.
func NewLedger(db *sqlx.DB, clk clock.Clock) *Ledger {
	return &Ledger{db: db, clock: clk}
}

func (l *Ledger) Settle(ctx context.Context, auctionID, winnerID string, fn store.SettleFunc) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var a store.Auction
	err = tx.GetContext(ctx, &a, `SELECT * FROM auctions WHERE id = $1 FOR UPDATE`, auctionID)
	if errors.Is(err, sql.ErrNoRows) || malformedID(err) {
		return fmt.Errorf("auction %s: %w", auctionID, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("locking auction: %w", err)
	}

	var winner, seller *store.Account
	if winnerID != "" {
		locked, err := lockAccounts(ctx, tx, winnerID, a.SellerID)
		if err != nil {
			return err
		}
		w, ok := locked[winnerID]
		if !ok {
			return fmt.Errorf("winner account %s: %w", winnerID, store.ErrNotFound)
		}
		s, ok := locked[a.SellerID]
		if !ok {
			return fmt.Errorf("seller account %s: %w", a.SellerID, store.ErrNotFound)
		}
		winner, seller = &w, &s
	}

	s, err := fn(a, winner, seller)
	if err != nil {
		return err
	}

	now := l.clock.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE auctions SET status = $1, winner_id = $2, final_price = $3, final_end_time = $4, updated_at = $5
		 WHERE id = $6`,
		s.Auction.Status, s.Auction.WinnerID, s.Auction.FinalPrice, s.Auction.FinalEndTime, now, auctionID,
	)
	if err != nil {
		return fmt.Errorf("updating auction: %w", err)
	}

	for _, acc := range s.Accounts {
		_, err := tx.ExecContext(ctx,
			`UPDATE accounts SET balance = $1, updated_at = $2 WHERE id = $3`,
			acc.Balance, now, acc.ID,
		)
		if err != nil {
			return fmt.Errorf("updating account %s: %w", acc.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing settlement: %w", err)
	}
	return nil
}

func lockAccounts(ctx context.Context, tx *sqlx.Tx, ids ...string) (map[string]store.Account, error) {
	query, args, err := sqlx.In(`SELECT * FROM accounts WHERE id IN (?) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, fmt.Errorf("building account lock query: %w", err)
	}
	var rows []store.Account
	err = tx.SelectContext(ctx, &rows, tx.Rebind(query), args...)
	if malformedID(err) {
		return nil, fmt.Errorf("accounts %v: %w", ids, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("locking accounts: %w", err)
	}
	out := make(map[string]store.Account, len(rows))
	for _, r := range rows {
		out[r.ID] = r
	}
	return out, nil
}
