// Package realtime serves the message-oriented bid entry point: one
// websocket per client and auction, carrying bids in and lifecycle events
// out.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auctiond/internal/auction"
	"github.com/jensholdgaard/auctiond/internal/event"
	"github.com/jensholdgaard/auctiond/internal/store"
)

const (
	// AccountHeader carries the bidder's account id. Browsers cannot set
	// headers on a websocket handshake, so the "account" query parameter is
	// accepted too.
	AccountHeader = "X-Account-ID"

	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	outBuffer  = 16
)

// Bidder places bids on auctions.
type Bidder interface {
	PlaceBid(ctx context.Context, auctionID string, amount int64, bidderID string) (auction.BidResult, error)
}

// Subscriber hands out per-auction event feeds.
type Subscriber interface {
	Subscribe(topic string) (<-chan event.Event, func())
}

// Inbound is a client message.
type Inbound struct {
	Type   string `json:"type"`
	Amount int64  `json:"amount"`
}

// Outbound is a server message. Events are broadcast to every client of the
// auction; bid replies go to the sender only.
type Outbound struct {
	Type      string       `json:"type"`
	AuctionID string       `json:"auction_id,omitempty"`
	Event     *event.Event `json:"event,omitempty"`
	Price     int64        `json:"price,omitempty"`
	Deadline  *time.Time   `json:"deadline,omitempty"`
	Extended  bool         `json:"extended,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Message   string       `json:"message,omitempty"`
}

// Outbound message types.
const (
	TypeEvent       = "event"
	TypeBidAccepted = "bid_accepted"
	TypeBidRejected = "bid_rejected"
	TypeError       = "error"
)

// Handler upgrades /ws/auctions/{id} requests.
type Handler struct {
	bidder   Bidder
	sub      Subscriber
	upgrader websocket.Upgrader
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewHandler returns a websocket Handler.
func NewHandler(bidder Bidder, sub Subscriber, logger *slog.Logger, tp trace.TracerProvider) *Handler {
	return &Handler{
		bidder: bidder,
		sub:    sub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
		tracer: tp.Tracer("github.com/jensholdgaard/auctiond/internal/realtime"),
	}
}

// Register mounts the handler on r.
func (h *Handler) Register(r *mux.Router) {
	r.Handle("/ws/auctions/{id}", h).Methods(http.MethodGet)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["id"]
	bidderID := r.Header.Get(AccountHeader)
	if bidderID == "" {
		bidderID = r.URL.Query().Get("account")
	}
	if bidderID == "" {
		http.Error(w, "missing account id", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	events, unsubscribe := h.sub.Subscribe(auctionID)
	defer unsubscribe()

	out := make(chan Outbound, outBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		// Unblocks the read loop when the writer gives up.
		defer conn.Close()
		h.write(ctx, conn, events, out)
	}()

	h.logger.DebugContext(ctx, "bidder connected",
		slog.String("auction_id", auctionID),
		slog.String("bidder_id", bidderID),
	)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg Inbound
		reply := Outbound{Type: TypeError, AuctionID: auctionID, Message: "malformed message"}
		if json.Unmarshal(data, &msg) == nil {
			reply = h.handle(ctx, auctionID, bidderID, msg)
		}
		if !send(ctx, out, reply) {
			break
		}
	}

	cancel()
	<-done
}

func (h *Handler) handle(ctx context.Context, auctionID, bidderID string, msg Inbound) Outbound {
	if msg.Type != "bid" {
		return Outbound{Type: TypeError, AuctionID: auctionID, Message: "unknown message type " + msg.Type}
	}

	ctx, span := h.tracer.Start(ctx, "Handler.Bid",
		trace.WithAttributes(
			attribute.String("auction_id", auctionID),
			attribute.String("bidder_id", bidderID),
			attribute.Int64("amount", msg.Amount),
		),
	)
	defer span.End()

	res, err := h.bidder.PlaceBid(ctx, auctionID, msg.Amount, bidderID)
	switch {
	case err == nil:
		return Outbound{
			Type:      TypeBidAccepted,
			AuctionID: auctionID,
			Price:     res.Price,
			Deadline:  &res.Deadline,
			Extended:  res.NewDeadline != nil,
		}
	case auction.IsRejection(err):
		var re *auction.RejectionError
		errors.As(err, &re)
		return Outbound{Type: TypeBidRejected, AuctionID: auctionID, Reason: re.Reason.Error()}
	case errors.Is(err, store.ErrNotFound):
		return Outbound{Type: TypeError, AuctionID: auctionID, Message: "unknown bidder or auction"}
	default:
		h.logger.ErrorContext(ctx, "bid failed",
			slog.String("auction_id", auctionID),
			slog.Any("error", err),
		)
		return Outbound{Type: TypeError, AuctionID: auctionID, Message: "bid could not be processed, retry"}
	}
}

// write is the connection's only writer.
func (h *Handler) write(ctx context.Context, conn *websocket.Conn, events <-chan event.Event, out <-chan Outbound) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		var msg Outbound
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				// Evicted by the hub as a slow consumer.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"),
					time.Now().Add(writeWait))
				return
			}
			msg = Outbound{Type: TypeEvent, AuctionID: e.AggregateID, Event: &e}
		case msg = <-out:
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			h.logger.DebugContext(ctx, "websocket write failed", slog.Any("error", err))
			return
		}
	}
}

func send(ctx context.Context, out chan<- Outbound, msg Outbound) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
