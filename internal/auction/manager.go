package auction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auctiond/internal/clock"
	"github.com/jensholdgaard/auctiond/internal/config"
	"github.com/jensholdgaard/auctiond/internal/event"
	"github.com/jensholdgaard/auctiond/internal/livestore"
	"github.com/jensholdgaard/auctiond/internal/store"
)

const instrumentationName = "github.com/jensholdgaard/auctiond/internal/auction"

// BidResult is the outcome of an accepted bid.
type BidResult struct {
	AuctionID string
	BidderID  string
	Price     int64
	// Deadline is the dynamic deadline after the bid.
	Deadline time.Time
	// NewDeadline is set only when the bid extended the deadline.
	NewDeadline *time.Time
}

// Bid is an accepted bid as recorded in the event log.
type Bid struct {
	BidderID string
	Amount   int64
	At       time.Time
}

// View is the read model of an auction for presentation.
type View struct {
	AuctionID string
	Title     string
	SellerID  string
	Status    store.AuctionStatus
	// Price is the current leading price while ONGOING and the final price
	// once ENDED (0 when unsold).
	Price    int64
	Deadline time.Time
	LeaderID string
}

// CreateParams describes a new auction.
type CreateParams struct {
	Title      string
	SellerID   string
	StartPrice int64
	StartTime  time.Time
	EndTime    time.Time
}

func (p CreateParams) validate() error {
	var problems []string
	if strings.TrimSpace(p.Title) == "" {
		problems = append(problems, "title is required")
	}
	if p.SellerID == "" {
		problems = append(problems, "seller is required")
	}
	if p.StartPrice < 0 {
		problems = append(problems, "start price must not be negative")
	}
	if !p.EndTime.After(p.StartTime) {
		problems = append(problems, "end time must be after start time")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidAuction, strings.Join(problems, ", "))
	}
	return nil
}

// Manager runs the bidding protocol and the lifecycle transitions of
// auctions. It is safe for concurrent use; work on one auction is
// serialized, work on different auctions runs in parallel.
type Manager struct {
	auctions store.AuctionRepository
	accounts store.AccountRepository
	ledger   store.Ledger
	events   event.Store
	live     livestore.Store
	pub      event.Publisher

	rule          Rule
	missingPolicy string
	storeTimeout  time.Duration

	locks   *keyedMutex
	metrics *metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	clock   clock.Clock
}

// NewManager creates a new auction Manager. pub receives every lifecycle
// event after it has been appended to the event log; it may be nil.
func NewManager(
	repos *store.Repositories,
	live livestore.Store,
	pub event.Publisher,
	cfg config.EngineConfig,
	logger *slog.Logger,
	tp trace.TracerProvider,
	mp metric.MeterProvider,
	clk clock.Clock,
) *Manager {
	if pub == nil {
		pub = event.Discard
	}
	rule := Rule{Window: cfg.ExtensionWindow, Extension: cfg.Extension}
	if rule.Extension <= 0 {
		rule = DefaultRule
	}
	missing := cfg.MissingState
	if missing == "" {
		missing = config.MissingStateReseed
	}
	return &Manager{
		auctions:      repos.Auctions,
		accounts:      repos.Accounts,
		ledger:        repos.Ledger,
		events:        repos.Events,
		live:          live,
		pub:           pub,
		rule:          rule,
		missingPolicy: missing,
		storeTimeout:  cfg.StoreTimeout,
		locks:         newKeyedMutex(),
		metrics:       newMetrics(mp.Meter(instrumentationName)),
		logger:        logger,
		tracer:        tp.Tracer(instrumentationName),
		clock:         clk,
	}
}

// CreateAuction persists a new SCHEDULED auction.
func (m *Manager) CreateAuction(ctx context.Context, p CreateParams) (*store.Auction, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.CreateAuction",
		trace.WithAttributes(
			attribute.String("title", p.Title),
			attribute.String("seller_id", p.SellerID),
		),
	)
	defer span.End()

	if err := p.validate(); err != nil {
		return nil, err
	}

	sctx, cancel := m.storeContext(ctx)
	defer cancel()

	if _, err := m.accounts.GetByID(sctx, p.SellerID); err != nil {
		return nil, fmt.Errorf("looking up seller: %w", err)
	}

	a := &store.Auction{
		Title:      p.Title,
		SellerID:   p.SellerID,
		StartPrice: p.StartPrice,
		StartTime:  p.StartTime.UTC(),
		EndTime:    p.EndTime.UTC(),
	}
	if err := m.auctions.Create(sctx, a); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("creating auction: %w", err)
	}

	m.emit(ctx, a.ID, event.AuctionCreated, event.AuctionCreatedData{
		Title:      a.Title,
		SellerID:   a.SellerID,
		StartPrice: a.StartPrice,
		StartTime:  a.StartTime,
		EndTime:    a.EndTime,
	})
	m.logger.InfoContext(ctx, "auction created",
		slog.String("auction_id", a.ID),
		slog.String("title", a.Title),
		slog.Time("start_time", a.StartTime),
		slog.Time("end_time", a.EndTime),
	)
	return a, nil
}

// CancelAuction cancels a SCHEDULED auction on behalf of its seller.
func (m *Manager) CancelAuction(ctx context.Context, auctionID, sellerID string) error {
	ctx, span := m.tracer.Start(ctx, "Manager.CancelAuction",
		trace.WithAttributes(
			attribute.String("auction_id", auctionID),
			attribute.String("seller_id", sellerID),
		),
	)
	defer span.End()

	unlock := m.locks.Lock(auctionID)
	defer unlock()

	sctx, cancel := m.storeContext(ctx)
	defer cancel()

	a, err := m.auctions.GetByID(sctx, auctionID)
	if err != nil {
		return fmt.Errorf("getting auction: %w", err)
	}
	if a.SellerID != sellerID {
		return ErrNotSeller
	}
	if a.Status != store.StatusScheduled {
		return fmt.Errorf("auction %s is %s: %w", auctionID, a.Status, ErrNotCancelable)
	}

	err = m.auctions.Transition(sctx, auctionID, store.StatusScheduled, store.StatusCanceled)
	if errors.Is(err, store.ErrPrecondition) {
		// Promoted by another instance in the meantime.
		return fmt.Errorf("auction %s: %w", auctionID, ErrNotCancelable)
	}
	if err != nil {
		return fmt.Errorf("canceling auction: %w", err)
	}

	m.emit(ctx, auctionID, event.AuctionCanceled, struct{}{})
	m.logger.InfoContext(ctx, "auction canceled", slog.String("auction_id", auctionID))
	return nil
}

// UpdateAuction replaces the title, start price and times of a SCHEDULED
// auction on behalf of its seller. The seller itself cannot change.
func (m *Manager) UpdateAuction(ctx context.Context, auctionID, sellerID string, p CreateParams) (*store.Auction, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.UpdateAuction",
		trace.WithAttributes(
			attribute.String("auction_id", auctionID),
			attribute.String("seller_id", sellerID),
		),
	)
	defer span.End()

	p.SellerID = sellerID
	if err := p.validate(); err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(auctionID)
	defer unlock()

	sctx, cancel := m.storeContext(ctx)
	defer cancel()

	a, err := m.auctions.GetByID(sctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("getting auction: %w", err)
	}
	if a.SellerID != sellerID {
		return nil, ErrNotSeller
	}
	if a.Status != store.StatusScheduled {
		return nil, fmt.Errorf("auction %s is %s: %w", auctionID, a.Status, ErrNotEditable)
	}

	a.Title = p.Title
	a.StartPrice = p.StartPrice
	a.StartTime = p.StartTime.UTC()
	a.EndTime = p.EndTime.UTC()
	err = m.auctions.Update(sctx, a)
	if errors.Is(err, store.ErrPrecondition) {
		// Promoted by another instance in the meantime.
		return nil, fmt.Errorf("auction %s: %w", auctionID, ErrNotEditable)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("updating auction: %w", err)
	}

	m.emit(ctx, a.ID, event.AuctionUpdated, event.AuctionCreatedData{
		Title:      a.Title,
		SellerID:   a.SellerID,
		StartPrice: a.StartPrice,
		StartTime:  a.StartTime,
		EndTime:    a.EndTime,
	})
	m.logger.InfoContext(ctx, "auction updated",
		slog.String("auction_id", a.ID),
		slog.String("title", a.Title),
		slog.Time("start_time", a.StartTime),
		slog.Time("end_time", a.EndTime),
	)
	return a, nil
}

// StartAuction moves a SCHEDULED auction to ONGOING and seeds its live
// state. It reports false without error when the auction was no longer
// SCHEDULED. If seeding fails the promotion stands and the end sweep
// rebuilds the missing state.
func (m *Manager) StartAuction(ctx context.Context, a store.Auction) (bool, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.StartAuction",
		trace.WithAttributes(attribute.String("auction_id", a.ID)),
	)
	defer span.End()

	unlock := m.locks.Lock(a.ID)
	defer unlock()

	sctx, cancel := m.storeContext(ctx)
	defer cancel()

	err := m.auctions.Transition(sctx, a.ID, store.StatusScheduled, store.StatusOngoing)
	if errors.Is(err, store.ErrPrecondition) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("promoting auction %s: %w", a.ID, err)
	}
	m.metrics.promotions.Add(ctx, 1)

	seed := Seed(a)
	if err := m.live.Seed(sctx, a.ID, seed); err != nil {
		span.RecordError(err)
		return true, fmt.Errorf("seeding live state of auction %s: %w", a.ID, err)
	}

	m.emit(ctx, a.ID, event.AuctionStarted, event.AuctionStartedData{
		StartPrice: seed.HighestPrice,
		Deadline:   seed.Deadline,
	})
	m.logger.InfoContext(ctx, "auction started",
		slog.String("auction_id", a.ID),
		slog.Int64("start_price", seed.HighestPrice),
		slog.Time("deadline", seed.Deadline),
	)
	return true, nil
}

// PlaceBid applies a bid to an ONGOING auction. A bid refused by the rules
// returns a *RejectionError; any other error is an infrastructure failure.
func (m *Manager) PlaceBid(ctx context.Context, auctionID string, amount int64, bidderID string) (BidResult, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.PlaceBid",
		trace.WithAttributes(
			attribute.String("auction_id", auctionID),
			attribute.String("bidder_id", bidderID),
			attribute.Int64("amount", amount),
		),
	)
	defer span.End()

	sctx, cancel := m.storeContext(ctx)
	bidder, err := m.accounts.GetByID(sctx, bidderID)
	cancel()
	if err != nil {
		return BidResult{}, fmt.Errorf("looking up bidder: %w", err)
	}
	if bidder.Balance < amount {
		return BidResult{}, m.reject(ctx, auctionID, ErrInsufficientFunds)
	}

	unlock := m.locks.Lock(auctionID)
	defer unlock()

	var extended bool
	sctx, cancel = m.storeContext(ctx)
	next, err := m.live.Update(sctx, auctionID, func(cur livestore.State) (livestore.State, error) {
		s, ext, applyErr := ApplyBid(cur, amount, bidderID, m.clock.Now(), m.rule)
		extended = ext
		return s, applyErr
	})
	cancel()

	switch {
	case errors.Is(err, livestore.ErrNotFound):
		return BidResult{}, m.reject(ctx, auctionID, ErrNotLive)
	case errors.Is(err, ErrNotLive), errors.Is(err, ErrClosed), errors.Is(err, ErrBidTooLow):
		return BidResult{}, m.reject(ctx, auctionID, err)
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "live store update failed")
		return BidResult{}, fmt.Errorf("placing bid on auction %s: %w", auctionID, err)
	}

	res := BidResult{
		AuctionID: auctionID,
		BidderID:  bidderID,
		Price:     next.HighestPrice,
		Deadline:  next.Deadline,
	}
	m.metrics.bidsAccepted.Add(ctx, 1)
	m.emit(ctx, auctionID, event.BidAccepted, event.BidAcceptedData{
		BidderID: bidderID,
		Amount:   amount,
		Deadline: next.Deadline,
	})
	if extended {
		d := next.Deadline
		res.NewDeadline = &d
		m.metrics.extensions.Add(ctx, 1)
		m.emit(ctx, auctionID, event.AuctionExtended, event.AuctionExtendedData{Deadline: d})
	}

	m.logger.InfoContext(ctx, "bid accepted",
		slog.String("auction_id", auctionID),
		slog.String("bidder_id", bidderID),
		slog.Int64("amount", amount),
		slog.Bool("extended", extended),
	)
	return res, nil
}

// EndAuction settles an ONGOING auction with its current live state. Bids
// are refused from the moment settlement begins. The live state is removed
// only after the durable settlement committed, so a failed attempt can be
// retried. Settling an auction that is no longer ONGOING is a no-op that
// reports Outcome.Skipped. ErrNotDue is returned, with the live state left
// untouched, while the live deadline has not passed.
func (m *Manager) EndAuction(ctx context.Context, a store.Auction) (Outcome, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.EndAuction",
		trace.WithAttributes(attribute.String("auction_id", a.ID)),
	)
	defer span.End()

	unlock := m.locks.Lock(a.ID)
	defer unlock()

	sctx, cancel := m.storeContext(ctx)
	live, err := m.live.Update(sctx, a.ID, func(cur livestore.State) (livestore.State, error) {
		if cur.Status != livestore.StatusClosing && !Expired(cur, m.clock.Now()) {
			return cur, ErrNotDue
		}
		cur.Status = livestore.StatusClosing
		return cur, nil
	})
	cancel()
	if errors.Is(err, livestore.ErrNotFound) {
		live, err = m.missingState(ctx, a)
	}
	if errors.Is(err, ErrNotDue) {
		m.logger.DebugContext(ctx, "auction not due yet",
			slog.String("auction_id", a.ID),
			slog.Time("deadline", live.Deadline),
		)
		return Outcome{AuctionID: a.ID}, err
	}
	if err != nil {
		return m.settlementFailed(ctx, span, a.ID, fmt.Errorf("reading live state of auction %s: %w", a.ID, err))
	}

	var out Outcome
	sctx, cancel = m.storeContext(ctx)
	err = m.ledger.Settle(sctx, a.ID, live.HighestBidder, func(cur store.Auction, winner, seller *store.Account) (store.Settlement, error) {
		s, o, settleErr := Settle(cur, live, winner, seller)
		out = o
		return s, settleErr
	})
	cancel()
	switch {
	case errors.Is(err, store.ErrPrecondition):
		out = Outcome{AuctionID: a.ID, Skipped: true}
	case err != nil:
		return m.settlementFailed(ctx, span, a.ID, fmt.Errorf("settling auction %s: %w", a.ID, err))
	}

	sctx, cancel = m.storeContext(ctx)
	if err := m.live.Delete(sctx, a.ID); err != nil {
		m.logger.WarnContext(ctx, "failed to delete live state, leaving it to expire",
			slog.String("auction_id", a.ID),
			slog.Any("error", err),
		)
	}
	cancel()

	m.metrics.settled(ctx, out)
	if out.Skipped {
		m.logger.DebugContext(ctx, "auction already settled", slog.String("auction_id", a.ID))
		return out, nil
	}

	if out.Shortfall {
		m.logger.WarnContext(ctx, "winner cannot cover final price, no points transferred",
			slog.String("auction_id", a.ID),
			slog.String("winner_id", out.WinnerID),
			slog.Int64("price", out.Price),
		)
	}
	m.emit(ctx, a.ID, event.AuctionEnded, event.AuctionEndedData{
		WinnerID:  out.WinnerID,
		Price:     out.Price,
		EndedAt:   out.EndedAt,
		Shortfall: out.Shortfall,
	})
	m.logger.InfoContext(ctx, "auction ended",
		slog.String("auction_id", a.ID),
		slog.Bool("sold", out.Sold),
		slog.String("winner_id", out.WinnerID),
		slog.Int64("price", out.Price),
	)
	return out, nil
}

// Reseed rebuilds the live state of an ONGOING auction from its event log
// and writes it back to the live store.
func (m *Manager) Reseed(ctx context.Context, a store.Auction) (livestore.State, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Reseed",
		trace.WithAttributes(attribute.String("auction_id", a.ID)),
	)
	defer span.End()

	unlock := m.locks.Lock(a.ID)
	defer unlock()

	s, err := m.replay(ctx, a)
	if err != nil {
		return livestore.State{}, err
	}

	sctx, cancel := m.storeContext(ctx)
	defer cancel()
	if err := m.live.Seed(sctx, a.ID, s); err != nil {
		return livestore.State{}, fmt.Errorf("reseeding live state of auction %s: %w", a.ID, err)
	}

	m.logger.WarnContext(ctx, "live state was missing, rebuilt from event log",
		slog.String("auction_id", a.ID),
		slog.Int64("highest_price", s.HighestPrice),
		slog.String("highest_bidder", s.HighestBidder),
		slog.Time("deadline", s.Deadline),
	)
	return s, nil
}

// MissingStatePolicy returns the configured policy for ONGOING auctions
// without live state.
func (m *Manager) MissingStatePolicy() string { return m.missingPolicy }

// Get returns the durable auction record.
func (m *Manager) Get(ctx context.Context, auctionID string) (*store.Auction, error) {
	sctx, cancel := m.storeContext(ctx)
	defer cancel()
	return m.auctions.GetByID(sctx, auctionID)
}

// List returns auctions in the given status ordered by start time.
func (m *Manager) List(ctx context.Context, status store.AuctionStatus) ([]store.Auction, error) {
	sctx, cancel := m.storeContext(ctx)
	defer cancel()
	return m.auctions.ListByStatus(sctx, status)
}

// Search returns a page of auctions matching q ordered by start time.
func (m *Manager) Search(ctx context.Context, q store.AuctionQuery) ([]store.Auction, error) {
	sctx, cancel := m.storeContext(ctx)
	defer cancel()
	return m.auctions.Search(sctx, q)
}

// Display returns the price and deadline to show for an auction. ONGOING
// auctions read the live state and fall back to the durable fields when it
// is missing.
func (m *Manager) Display(ctx context.Context, auctionID string) (View, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Display",
		trace.WithAttributes(attribute.String("auction_id", auctionID)),
	)
	defer span.End()

	a, err := m.Get(ctx, auctionID)
	if err != nil {
		return View{}, fmt.Errorf("getting auction: %w", err)
	}

	v := View{
		AuctionID: a.ID,
		Title:     a.Title,
		SellerID:  a.SellerID,
		Status:    a.Status,
		Price:     a.StartPrice,
		Deadline:  a.EndTime,
	}
	switch a.Status {
	case store.StatusScheduled:
		v.Deadline = a.StartTime
	case store.StatusOngoing:
		sctx, cancel := m.storeContext(ctx)
		s, err := m.live.Get(sctx, a.ID)
		cancel()
		switch {
		case err == nil:
			v.Price, v.Deadline, v.LeaderID = s.HighestPrice, s.Deadline, s.HighestBidder
		case errors.Is(err, livestore.ErrNotFound):
		default:
			m.logger.WarnContext(ctx, "live store unavailable, showing durable values",
				slog.String("auction_id", a.ID),
				slog.Any("error", err),
			)
		}
	case store.StatusEnded:
		v.Price = 0
		if a.FinalPrice != nil {
			v.Price = *a.FinalPrice
		}
		if a.FinalEndTime != nil {
			v.Deadline = *a.FinalEndTime
		}
		if a.WinnerID != nil {
			v.LeaderID = *a.WinnerID
		}
	}
	return v, nil
}

// History returns the accepted bids of an auction in order.
func (m *Manager) History(ctx context.Context, auctionID string) ([]Bid, error) {
	sctx, cancel := m.storeContext(ctx)
	defer cancel()

	events, err := m.events.Load(sctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	var bids []Bid
	for _, e := range events {
		if e.Type != event.BidAccepted {
			continue
		}
		var d event.BidAcceptedData
		if err := json.Unmarshal(e.Data, &d); err != nil {
			return nil, fmt.Errorf("decoding bid event %s: %w", e.ID, err)
		}
		bids = append(bids, Bid{BidderID: d.BidderID, Amount: d.Amount, At: e.CreatedAt})
	}
	return bids, nil
}

// missingState decides the final live state of an auction being settled
// without any stored state. A replayed state whose deadline is still ahead
// is written back and reported as ErrNotDue.
func (m *Manager) missingState(ctx context.Context, a store.Auction) (livestore.State, error) {
	if m.missingPolicy == config.MissingStateClose {
		m.logger.WarnContext(ctx, "live state missing, closing auction unsold", slog.String("auction_id", a.ID))
		return livestore.State{Deadline: m.clock.Now().UTC(), Status: livestore.StatusClosing}, nil
	}
	s, err := m.replay(ctx, a)
	if err != nil {
		return livestore.State{}, err
	}
	if !Expired(s, m.clock.Now()) {
		sctx, cancel := m.storeContext(ctx)
		defer cancel()
		if err := m.live.Seed(sctx, a.ID, s); err != nil {
			return livestore.State{}, fmt.Errorf("reseeding live state of auction %s: %w", a.ID, err)
		}
		return s, ErrNotDue
	}
	s.Status = livestore.StatusClosing
	return s, nil
}

func (m *Manager) replay(ctx context.Context, a store.Auction) (livestore.State, error) {
	sctx, cancel := m.storeContext(ctx)
	defer cancel()

	events, err := m.events.Load(sctx, a.ID)
	if err != nil {
		return livestore.State{}, fmt.Errorf("loading events of auction %s: %w", a.ID, err)
	}
	return Replay(a, events)
}

func (m *Manager) reject(ctx context.Context, auctionID string, reason error) error {
	m.metrics.rejected(ctx, reason)
	m.logger.DebugContext(ctx, "bid rejected",
		slog.String("auction_id", auctionID),
		slog.String("reason", reason.Error()),
	)
	return &RejectionError{AuctionID: auctionID, Reason: reason}
}

func (m *Manager) settlementFailed(ctx context.Context, span trace.Span, auctionID string, err error) (Outcome, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "settlement failed")
	m.metrics.settlementFailures.Add(ctx, 1)
	return Outcome{AuctionID: auctionID}, err
}

// emit appends an event to the log and publishes it. Both are best effort:
// the auction state is already committed when emit runs.
func (m *Manager) emit(ctx context.Context, aggregateID string, typ event.Type, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to encode event",
			slog.String("type", string(typ)),
			slog.Any("error", err),
		)
		return
	}
	e := event.Event{
		AggregateID: aggregateID,
		Type:        typ,
		Data:        raw,
		CreatedAt:   m.clock.Now().UTC(),
	}

	sctx, cancel := m.storeContext(ctx)
	defer cancel()
	if err := m.events.Append(sctx, e); err != nil {
		m.logger.ErrorContext(ctx, "failed to persist event",
			slog.String("auction_id", aggregateID),
			slog.String("type", string(typ)),
			slog.Any("error", err),
		)
	}
	if err := m.pub.Publish(ctx, e); err != nil {
		m.logger.WarnContext(ctx, "failed to publish event",
			slog.String("auction_id", aggregateID),
			slog.String("type", string(typ)),
			slog.Any("error", err),
		)
	}
}

func (m *Manager) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.storeTimeout)
}
