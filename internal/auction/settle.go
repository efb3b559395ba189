package auction

import (
	"errors"
	"fmt"
	"time"

	"github.com/jensholdgaard/auctiond/internal/livestore"
	"github.com/jensholdgaard/auctiond/internal/store"
)

// Outcome describes how an auction was settled.
type Outcome struct {
	AuctionID string
	// Sold is true when the auction had a leader at close.
	Sold     bool
	WinnerID string
	Price    int64
	// EndedAt is the dynamic deadline the auction closed at.
	EndedAt time.Time
	// Shortfall is true when the winner could not cover the price. The win
	// stands but no points moved.
	Shortfall bool
	// Skipped is true when the auction had already been settled.
	Skipped bool
}

// Settle computes the settlement of an ONGOING auction from its final live
// state. winner and seller are the current accounts and must be set when
// live has a leader. It returns store.ErrPrecondition when a is not ONGOING.
func Settle(a store.Auction, live livestore.State, winner, seller *store.Account) (store.Settlement, Outcome, error) {
	out := Outcome{AuctionID: a.ID, EndedAt: live.Deadline}
	if a.Status != store.StatusOngoing {
		return store.Settlement{}, out, fmt.Errorf("auction %s is %s: %w", a.ID, a.Status, store.ErrPrecondition)
	}
	a.Status = store.StatusEnded

	if live.HighestBidder == "" {
		return store.Settlement{Auction: a}, out, nil
	}
	if winner == nil || seller == nil {
		return store.Settlement{}, out, fmt.Errorf("settling auction %s: winner and seller accounts are required", a.ID)
	}

	winnerID, price, endedAt := live.HighestBidder, live.HighestPrice, live.Deadline
	a.WinnerID = &winnerID
	a.FinalPrice = &price
	a.FinalEndTime = &endedAt
	out.Sold, out.WinnerID, out.Price = true, winnerID, price

	if winner.ID == seller.ID {
		return store.Settlement{Auction: a}, out, nil
	}

	debited, err := winner.Debit(price)
	if errors.Is(err, store.ErrInsufficientBalance) {
		out.Shortfall = true
		return store.Settlement{Auction: a}, out, nil
	}
	if err != nil {
		return store.Settlement{}, out, err
	}
	return store.Settlement{
		Auction:  a,
		Accounts: []store.Account{debited, seller.Credit(price)},
	}, out, nil
}
