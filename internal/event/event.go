package event

import (
	"encoding/json"
	"time"
)

// Type identifies an event kind.
type Type string

const (
	AuctionCreated  Type = "auction.created"
	AuctionUpdated  Type = "auction.updated"
	AuctionStarted  Type = "auction.started"
	BidAccepted     Type = "auction.bid_accepted"
	AuctionExtended Type = "auction.extended"
	AuctionEnded    Type = "auction.ended"
	AuctionCanceled Type = "auction.canceled"

	AccountOpened  Type = "account.opened"
	AccountCharged Type = "account.charged"
)

// Event represents a single domain event.
type Event struct {
	ID          string          `json:"id" db:"id"`
	AggregateID string          `json:"aggregate_id" db:"aggregate_id"`
	Type        Type            `json:"type" db:"type"`
	Data        json.RawMessage `json:"data" db:"data"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// AuctionCreatedData is the payload for AuctionCreated and AuctionUpdated
// events.
type AuctionCreatedData struct {
	Title      string    `json:"title"`
	SellerID   string    `json:"seller_id"`
	StartPrice int64     `json:"start_price"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
}

// AuctionStartedData is the payload for AuctionStarted events.
type AuctionStartedData struct {
	StartPrice int64     `json:"start_price"`
	Deadline   time.Time `json:"deadline"`
}

// BidAcceptedData is the payload for BidAccepted events. Deadline is the
// dynamic deadline after the bid was applied.
type BidAcceptedData struct {
	BidderID string    `json:"bidder_id"`
	Amount   int64     `json:"amount"`
	Deadline time.Time `json:"deadline"`
}

// AuctionExtendedData is the payload for AuctionExtended events.
type AuctionExtendedData struct {
	Deadline time.Time `json:"deadline"`
}

// AuctionEndedData is the payload for AuctionEnded events. WinnerID is empty
// for an unsold auction.
type AuctionEndedData struct {
	WinnerID  string    `json:"winner_id,omitempty"`
	Price     int64     `json:"price,omitempty"`
	EndedAt   time.Time `json:"ended_at"`
	Shortfall bool      `json:"shortfall,omitempty"`
}

// AccountChangeData is the payload for account events.
type AccountChangeData struct {
	Name   string `json:"name,omitempty"`
	Amount int64  `json:"amount"`
}
