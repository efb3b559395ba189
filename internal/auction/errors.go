package auction

import (
	"errors"
	"fmt"
)

// Bid rejection reasons. A rejected bid is reported as a *RejectionError
// that unwraps to one of these.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotLive           = errors.New("auction not live")
	ErrClosed            = errors.New("auction already closed")
	ErrBidTooLow         = errors.New("bid too low")
)

// Errors returned by auction management operations.
var (
	ErrInvalidAuction = errors.New("invalid auction")
	ErrNotSeller      = errors.New("only the seller can change an auction")
	ErrNotCancelable  = errors.New("auction can no longer be canceled")
	ErrNotEditable    = errors.New("auction can no longer be edited")
	// ErrNotDue is returned by EndAuction when the live deadline of the
	// auction has not passed yet. Nothing was changed.
	ErrNotDue = errors.New("auction not due for settlement")
)

// RejectionError reports a bid refused by the bidding rules. Rejections are
// final and must not be retried.
type RejectionError struct {
	AuctionID string
	Reason    error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("bid on auction %s rejected: %v", e.AuctionID, e.Reason)
}

func (e *RejectionError) Unwrap() error { return e.Reason }

// IsRejection reports whether err is a bid rejection.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

// reasonLabel is the metric label of a rejection reason.
func reasonLabel(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrNotLive):
		return "not_live"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrBidTooLow):
		return "too_low"
	default:
		return "other"
	}
}
