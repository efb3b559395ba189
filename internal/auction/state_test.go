package auction_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jensholdgaard/auctiond/internal/auction"
	"github.com/jensholdgaard/auctiond/internal/event"
	"github.com/jensholdgaard/auctiond/internal/livestore"
	"github.com/jensholdgaard/auctiond/internal/store"
)

var t0 = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func TestApplyBid(t *testing.T) {
	live := livestore.State{
		HighestPrice: 10000,
		Deadline:     t0.Add(10 * time.Minute),
		Status:       livestore.StatusOngoing,
	}

	tests := []struct {
		name         string
		state        livestore.State
		amount       int64
		now          time.Time
		wantErr      error
		wantExtended bool
		wantDeadline time.Time
	}{
		{
			name:         "higher bid far from deadline",
			state:        live,
			amount:       10500,
			now:          t0,
			wantDeadline: live.Deadline,
		},
		{
			name:    "equal bid is too low",
			state:   live,
			amount:  10000,
			now:     t0,
			wantErr: auction.ErrBidTooLow,
		},
		{
			name:    "lower bid is too low",
			state:   live,
			amount:  9000,
			now:     t0,
			wantErr: auction.ErrBidTooLow,
		},
		{
			name:    "closing marker is not live",
			state:   livestore.State{HighestPrice: 1, Deadline: live.Deadline, Status: livestore.StatusClosing},
			amount:  10500,
			now:     t0,
			wantErr: auction.ErrNotLive,
		},
		{
			name:    "after deadline is closed",
			state:   live,
			amount:  10500,
			now:     live.Deadline.Add(time.Nanosecond),
			wantErr: auction.ErrClosed,
		},
		{
			name:         "exactly at deadline is accepted and extended",
			state:        live,
			amount:       10500,
			now:          live.Deadline,
			wantExtended: true,
			wantDeadline: live.Deadline.Add(5 * time.Minute),
		},
		{
			name:         "exactly three minutes left extends",
			state:        live,
			amount:       10500,
			now:          live.Deadline.Add(-3 * time.Minute),
			wantExtended: true,
			wantDeadline: live.Deadline.Add(2 * time.Minute),
		},
		{
			name:         "just over three minutes left does not extend",
			state:        live,
			amount:       10500,
			now:          live.Deadline.Add(-3*time.Minute - time.Nanosecond),
			wantDeadline: live.Deadline,
		},
		{
			name:    "closed check precedes price check",
			state:   live,
			amount:  1,
			now:     live.Deadline.Add(time.Second),
			wantErr: auction.ErrClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, extended, err := auction.ApplyBid(tt.state, tt.amount, "bidder", tt.now, auction.DefaultRule)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				if next != tt.state {
					t.Errorf("state changed on rejection: %+v", next)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if next.HighestPrice != tt.amount || next.HighestBidder != "bidder" {
				t.Errorf("leader = %s@%d, want bidder@%d", next.HighestBidder, next.HighestPrice, tt.amount)
			}
			if extended != tt.wantExtended {
				t.Errorf("extended = %v, want %v", extended, tt.wantExtended)
			}
			if !next.Deadline.Equal(tt.wantDeadline) {
				t.Errorf("deadline = %s, want %s", next.Deadline, tt.wantDeadline)
			}
		})
	}
}

func TestCanPromote(t *testing.T) {
	a := store.Auction{Status: store.StatusScheduled, StartTime: t0}
	if auction.CanPromote(a, t0.Add(-time.Second)) {
		t.Error("promoted before start time")
	}
	if !auction.CanPromote(a, t0) {
		t.Error("not promoted at start time")
	}
	a.Status = store.StatusCanceled
	if auction.CanPromote(a, t0.Add(time.Hour)) {
		t.Error("canceled auction promoted")
	}
}

func TestReplay(t *testing.T) {
	a := store.Auction{ID: "a1", StartPrice: 100, EndTime: t0.Add(time.Hour), Status: store.StatusOngoing}
	bid := func(bidder string, amount int64, deadline time.Time) event.Event {
		data, _ := json.Marshal(event.BidAcceptedData{BidderID: bidder, Amount: amount, Deadline: deadline})
		return event.Event{AggregateID: "a1", Type: event.BidAccepted, Data: data}
	}

	s, err := auction.Replay(a, nil)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if s != auction.Seed(a) {
		t.Errorf("Replay without events = %+v, want seed", s)
	}

	extended := t0.Add(time.Hour + 5*time.Minute)
	s, err = auction.Replay(a, []event.Event{
		{AggregateID: "a1", Type: event.AuctionStarted, Data: json.RawMessage(`{}`)},
		bid("b1", 150, a.EndTime),
		bid("b2", 200, extended),
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if s.HighestPrice != 200 || s.HighestBidder != "b2" || !s.Deadline.Equal(extended) {
		t.Errorf("Replay = %+v, want b2@200 until %s", s, extended)
	}
	if s.Status != livestore.StatusOngoing {
		t.Errorf("Status = %q, want ONGOING", s.Status)
	}

	_, err = auction.Replay(a, []event.Event{{Type: event.BidAccepted, Data: json.RawMessage(`{bad`)}})
	if err == nil {
		t.Error("expected error for corrupt bid event")
	}
}

func TestSettle(t *testing.T) {
	ongoing := store.Auction{ID: "a1", SellerID: "seller", Status: store.StatusOngoing, EndTime: t0}
	deadline := t0.Add(5 * time.Minute)
	sold := livestore.State{HighestPrice: 300, HighestBidder: "winner", Deadline: deadline}

	acct := func(id string, balance int64) *store.Account {
		return &store.Account{ID: id, Balance: balance}
	}

	t.Run("sold moves points", func(t *testing.T) {
		s, out, err := auction.Settle(ongoing, sold, acct("winner", 500), acct("seller", 10))
		if err != nil {
			t.Fatalf("Settle: %v", err)
		}
		if !out.Sold || out.Shortfall || out.WinnerID != "winner" || out.Price != 300 {
			t.Errorf("outcome = %+v", out)
		}
		if s.Auction.Status != store.StatusEnded || *s.Auction.WinnerID != "winner" || *s.Auction.FinalPrice != 300 {
			t.Errorf("auction = %+v", s.Auction)
		}
		if !s.Auction.FinalEndTime.Equal(deadline) {
			t.Errorf("FinalEndTime = %s, want %s", s.Auction.FinalEndTime, deadline)
		}
		if len(s.Accounts) != 2 || s.Accounts[0].Balance != 200 || s.Accounts[1].Balance != 310 {
			t.Errorf("accounts = %+v, want winner 200 and seller 310", s.Accounts)
		}
	})

	t.Run("unsold leaves fields unset", func(t *testing.T) {
		s, out, err := auction.Settle(ongoing, livestore.State{HighestPrice: 100, Deadline: deadline}, nil, nil)
		if err != nil {
			t.Fatalf("Settle: %v", err)
		}
		if out.Sold {
			t.Error("unsold auction reported sold")
		}
		if s.Auction.Status != store.StatusEnded || s.Auction.WinnerID != nil || s.Auction.FinalPrice != nil || s.Auction.FinalEndTime != nil {
			t.Errorf("auction = %+v, want ENDED without result fields", s.Auction)
		}
		if len(s.Accounts) != 0 {
			t.Errorf("accounts changed: %+v", s.Accounts)
		}
	})

	t.Run("shortfall keeps the win without transfer", func(t *testing.T) {
		s, out, err := auction.Settle(ongoing, sold, acct("winner", 299), acct("seller", 0))
		if err != nil {
			t.Fatalf("Settle: %v", err)
		}
		if !out.Shortfall || !out.Sold {
			t.Errorf("outcome = %+v, want sold with shortfall", out)
		}
		if s.Auction.WinnerID == nil || *s.Auction.FinalPrice != 300 {
			t.Errorf("auction = %+v, want winner recorded", s.Auction)
		}
		if len(s.Accounts) != 0 {
			t.Errorf("accounts changed: %+v", s.Accounts)
		}
	})

	t.Run("seller winning own auction moves nothing", func(t *testing.T) {
		self := livestore.State{HighestPrice: 300, HighestBidder: "seller", Deadline: deadline}
		s, out, err := auction.Settle(ongoing, self, acct("seller", 0), acct("seller", 0))
		if err != nil {
			t.Fatalf("Settle: %v", err)
		}
		if !out.Sold || out.Shortfall || len(s.Accounts) != 0 {
			t.Errorf("outcome = %+v accounts = %+v", out, s.Accounts)
		}
	})

	t.Run("not ongoing is a precondition failure", func(t *testing.T) {
		ended := ongoing
		ended.Status = store.StatusEnded
		_, _, err := auction.Settle(ended, sold, acct("winner", 500), acct("seller", 0))
		if !errors.Is(err, store.ErrPrecondition) {
			t.Errorf("error = %v, want ErrPrecondition", err)
		}
	})
}
