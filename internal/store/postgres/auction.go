package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/auctiond/internal/clock"
	"github.com/jensholdgaard/auctiond/internal/store"
)

// AuctionRepo implements store.AuctionRepository with sqlx.
type AuctionRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewAuctionRepo returns a new AuctionRepo.
func NewAuctionRepo(db *sqlx.DB, clk clock.Clock) *AuctionRepo {
	return &AuctionRepo{db: db, clock: clk}
}

func (r *AuctionRepo) Create(ctx context.Context, a *store.Auction) error {
	query := `INSERT INTO auctions (title, start_price, start_time, end_time, status, seller_id, created_at, updated_at)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`
	now := r.clock.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	a.Status = store.StatusScheduled
	return r.db.QueryRowContext(ctx, query,
		a.Title, a.StartPrice, a.StartTime.UTC(), a.EndTime.UTC(), a.Status, a.SellerID, a.CreatedAt, a.UpdatedAt,
	).Scan(&a.ID)
}

func (r *AuctionRepo) GetByID(ctx context.Context, id string) (*store.Auction, error) {
	var a store.Auction
	err := r.db.GetContext(ctx, &a, `SELECT * FROM auctions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) || malformedID(err) {
		return nil, fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting auction: %w", err)
	}
	return &a, nil
}

func (r *AuctionRepo) ListByStatus(ctx context.Context, status store.AuctionStatus) ([]store.Auction, error) {
	var auctions []store.Auction
	err := r.db.SelectContext(ctx, &auctions,
		`SELECT * FROM auctions WHERE status = $1 ORDER BY start_time ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("listing %s auctions: %w", status, err)
	}
	return auctions, nil
}

func (r *AuctionRepo) Search(ctx context.Context, q store.AuctionQuery) ([]store.Auction, error) {
	var (
		where []string
		args  []any
	)
	if q.Status != "" {
		args = append(args, q.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if q.Keyword != "" {
		args = append(args, containsPattern(q.Keyword))
		where = append(where, fmt.Sprintf("title ILIKE $%d", len(args)))
	}

	query := `SELECT * FROM auctions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY start_time ASC, id ASC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var auctions []store.Auction
	if err := r.db.SelectContext(ctx, &auctions, query, args...); err != nil {
		return nil, fmt.Errorf("searching auctions: %w", err)
	}
	return auctions, nil
}

func (r *AuctionRepo) Update(ctx context.Context, a *store.Auction) error {
	now := r.clock.Now().UTC()
	var updated store.Auction
	err := r.db.GetContext(ctx, &updated,
		`UPDATE auctions SET title = $1, start_price = $2, start_time = $3, end_time = $4, updated_at = $5
		 WHERE id = $6 AND status = $7
		 RETURNING *`,
		a.Title, a.StartPrice, a.StartTime.UTC(), a.EndTime.UTC(), now, a.ID, store.StatusScheduled,
	)
	if malformedID(err) {
		return fmt.Errorf("auction %s: %w", a.ID, store.ErrNotFound)
	}
	if err == nil {
		*a = updated
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("updating auction: %w", err)
	}

	cur, err := r.GetByID(ctx, a.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("auction %s is %s: %w", a.ID, cur.Status, store.ErrPrecondition)
}

func (r *AuctionRepo) Transition(ctx context.Context, id string, from, to store.AuctionStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE auctions SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		to, r.clock.Now().UTC(), id, from,
	)
	if malformedID(err) {
		return fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("transitioning auction: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		return nil
	}

	// Distinguish a missing auction from one in another state.
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM auctions WHERE id = $1)`, id); err != nil {
		return fmt.Errorf("checking auction: %w", err)
	}
	if !exists {
		return fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
	}
	return fmt.Errorf("auction %s is not %s: %w", id, from, store.ErrPrecondition)
}
