// Package livestore holds the hot, ephemeral state of ONGOING auctions: the
// current highest price and bidder, the dynamic deadline and a status marker.
// Every bid reads and writes it, so it lives outside the durable store.
package livestore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when an auction has no live state.
var ErrNotFound = errors.New("live state not found")

// Status is the marker stored next to the live state.
type Status string

const (
	// StatusOngoing accepts bids.
	StatusOngoing Status = "ONGOING"
	// StatusClosing is set by settlement before it touches the durable
	// store. Bids are refused from then on.
	StatusClosing Status = "CLOSING"
)

// State is the live state of one auction.
type State struct {
	HighestPrice  int64
	HighestBidder string // empty until the first accepted bid
	Deadline      time.Time
	Status        Status
}

// UpdateFunc computes the next state from the current one. Returning an
// error aborts the update and leaves the stored state untouched.
type UpdateFunc func(cur State) (State, error)

// Store is an ephemeral key-value store for live auction state.
type Store interface {
	// Seed writes the state, overwriting anything already stored.
	Seed(ctx context.Context, auctionID string, s State) error
	// Get returns the state or ErrNotFound.
	Get(ctx context.Context, auctionID string) (State, error)
	// Update atomically applies fn to the stored state and returns the
	// state that was written. It returns ErrNotFound when nothing is stored
	// and fn's error when fn aborts.
	Update(ctx context.Context, auctionID string, fn UpdateFunc) (State, error)
	// Delete removes the state. Deleting missing state is not an error.
	Delete(ctx context.Context, auctionID string) error
	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}

// Key names the fields of an auction's live state. The auction id is wrapped
// in a hash tag so all four keys land on the same cluster slot.
func Key(auctionID, field string) string {
	return fmt.Sprintf("auction:{%s}:%s", auctionID, field)
}

// Field names used by Key.
const (
	FieldHighestPrice  = "highestPrice"
	FieldHighestBidder = "highestBidder"
	FieldEndTime       = "endTime"
	FieldStatus        = "status"
)

// Keys returns the four keys of an auction in a fixed order: price, bidder,
// end time, status.
func Keys(auctionID string) []string {
	return []string{
		Key(auctionID, FieldHighestPrice),
		Key(auctionID, FieldHighestBidder),
		Key(auctionID, FieldEndTime),
		Key(auctionID, FieldStatus),
	}
}

// Expiry returns how long state with the given deadline should be kept:
// until the deadline plus grace, and never less than grace.
func Expiry(now, deadline time.Time, grace time.Duration) time.Duration {
	if d := deadline.Sub(now); d > 0 {
		return d + grace
	}
	return grace
}
