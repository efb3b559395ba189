package auction

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jensholdgaard/auctiond/internal/event"
	"github.com/jensholdgaard/auctiond/internal/livestore"
	"github.com/jensholdgaard/auctiond/internal/store"
)

// Rule is the near-deadline extension rule: a bid accepted when at most
// Window remains moves the deadline to the bid time plus Extension.
type Rule struct {
	Window    time.Duration
	Extension time.Duration
}

// DefaultRule extends by five minutes when three or fewer remain.
var DefaultRule = Rule{Window: 3 * time.Minute, Extension: 5 * time.Minute}

// Seed returns the live state of an auction that has just started.
func Seed(a store.Auction) livestore.State {
	return livestore.State{
		HighestPrice: a.StartPrice,
		Deadline:     a.EndTime,
		Status:       livestore.StatusOngoing,
	}
}

// CanPromote reports whether a is due to start at now.
func CanPromote(a store.Auction, now time.Time) bool {
	return a.Status == store.StatusScheduled && !now.Before(a.StartTime)
}

// Expired reports whether the dynamic deadline of s has passed at now.
func Expired(s livestore.State, now time.Time) bool {
	return now.After(s.Deadline)
}

// ApplyBid validates a bid against the live state and returns the state with
// the bid applied. extended is true when the bid moved the deadline. The
// checks run in order: liveness, deadline, price.
func ApplyBid(s livestore.State, amount int64, bidderID string, now time.Time, r Rule) (next livestore.State, extended bool, err error) {
	if s.Status != livestore.StatusOngoing {
		return s, false, ErrNotLive
	}
	if now.After(s.Deadline) {
		return s, false, ErrClosed
	}
	if amount <= s.HighestPrice {
		return s, false, ErrBidTooLow
	}

	s.HighestPrice = amount
	s.HighestBidder = bidderID
	if s.Deadline.Sub(now) <= r.Window {
		s.Deadline = now.Add(r.Extension)
		extended = true
	}
	return s, extended, nil
}

// Replay rebuilds the live state of an ONGOING auction from its event log.
// The last accepted bid carries the leader and the deadline in force after
// it; without bids the state is the seed.
func Replay(a store.Auction, events []event.Event) (livestore.State, error) {
	s := Seed(a)
	for _, e := range events {
		if e.Type != event.BidAccepted {
			continue
		}
		var d event.BidAcceptedData
		if err := json.Unmarshal(e.Data, &d); err != nil {
			return livestore.State{}, fmt.Errorf("decoding bid event %s: %w", e.ID, err)
		}
		s.HighestPrice = d.Amount
		s.HighestBidder = d.BidderID
		s.Deadline = d.Deadline
	}
	return s, nil
}
