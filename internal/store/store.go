package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Errors returned by repositories.
var (
	ErrNotFound            = errors.New("not found")
	ErrPrecondition        = errors.New("precondition failed")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// AuctionStatus is the lifecycle state of an auction.
type AuctionStatus string

const (
	StatusScheduled AuctionStatus = "SCHEDULED"
	StatusOngoing   AuctionStatus = "ONGOING"
	StatusEnded     AuctionStatus = "ENDED"
	StatusCanceled  AuctionStatus = "CANCELED"
)

// Account holds a user's points balance.
type Account struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Balance   int64     `db:"balance"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Debit returns a copy of the account with amount removed from the balance.
func (a Account) Debit(amount int64) (Account, error) {
	if amount < 0 {
		return a, fmt.Errorf("debit of negative amount %d", amount)
	}
	if a.Balance < amount {
		return a, fmt.Errorf("account %s has %d, needs %d: %w", a.ID, a.Balance, amount, ErrInsufficientBalance)
	}
	a.Balance -= amount
	return a, nil
}

// Credit returns a copy of the account with amount added to the balance.
func (a Account) Credit(amount int64) Account {
	a.Balance += amount
	return a
}

// Auction is the durable auction record.
type Auction struct {
	ID         string        `db:"id"`
	Title      string        `db:"title"`
	StartPrice int64         `db:"start_price"`
	StartTime  time.Time     `db:"start_time"`
	EndTime    time.Time     `db:"end_time"`
	Status     AuctionStatus `db:"status"`
	SellerID   string        `db:"seller_id"`
	// Set together at settlement, only when the auction is sold.
	WinnerID     *string    `db:"winner_id"`
	FinalPrice   *int64     `db:"final_price"`
	FinalEndTime *time.Time `db:"final_end_time"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

// Settlement is the result of closing an auction: the record to persist and
// the accounts whose balances changed.
type Settlement struct {
	Auction  Auction
	Accounts []Account
}

// SettleFunc decides a settlement from the locked auction and accounts.
// winner and seller are nil when there is no winner. Returning an error
// aborts the settlement without writing anything.
type SettleFunc func(a Auction, winner, seller *Account) (Settlement, error)

// AccountRepository defines account persistence operations.
type AccountRepository interface {
	Create(ctx context.Context, a *Account) error
	GetByID(ctx context.Context, id string) (*Account, error)
	UpdateBalance(ctx context.Context, id string, delta int64) error
}

// AuctionQuery filters and pages an auction listing. Zero values match
// everything.
type AuctionQuery struct {
	Status AuctionStatus
	// Keyword matches a substring of the title, ignoring case.
	Keyword string
	// Limit caps the number of results when positive.
	Limit  int
	Offset int
}

// AuctionRepository defines auction persistence operations.
type AuctionRepository interface {
	Create(ctx context.Context, a *Auction) error
	GetByID(ctx context.Context, id string) (*Auction, error)
	ListByStatus(ctx context.Context, status AuctionStatus) ([]Auction, error)
	// Search returns the auctions matching q ordered by start time.
	Search(ctx context.Context, q AuctionQuery) ([]Auction, error)
	// Update rewrites the title, start price and times of a SCHEDULED
	// auction. It returns ErrPrecondition when the auction has left
	// SCHEDULED.
	Update(ctx context.Context, a *Auction) error
	// Transition moves an auction from one status to another. It returns
	// ErrPrecondition when the auction is not currently in from.
	Transition(ctx context.Context, id string, from, to AuctionStatus) error
}

// Ledger applies settlements.
type Ledger interface {
	// Settle locks the auction and, when winnerID is not empty, the winner's
	// and seller's accounts, passes them to fn and persists what fn returns
	// in a single transaction.
	Settle(ctx context.Context, auctionID, winnerID string, fn SettleFunc) error
}
