package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auctiond/internal/auction"
	"github.com/jensholdgaard/auctiond/internal/store"
)

// Auctions is the read side of the auction engine used by the commands.
type Auctions interface {
	Display(ctx context.Context, auctionID string) (auction.View, error)
	History(ctx context.Context, auctionID string) ([]auction.Bid, error)
}

// Accounts looks up points accounts.
type Accounts interface {
	Get(ctx context.Context, accountID string) (*store.Account, error)
}

// Handlers process Discord interactions.
type Handlers struct {
	auctions Auctions
	accounts Accounts
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewHandlers creates new command handlers.
func NewHandlers(auctions Auctions, accounts Accounts, logger *slog.Logger, tp trace.TracerProvider) *Handlers {
	return &Handlers{
		auctions: auctions,
		accounts: accounts,
		logger:   logger,
		tracer:   tp.Tracer("github.com/jensholdgaard/auctiond/internal/bot/commands"),
	}
}

// SlashCommands returns the slash command definitions.
func SlashCommands() []*discordgo.ApplicationCommand {
	auctionID := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "auction-id",
		Description: "Auction ID",
		Required:    true,
	}
	return []*discordgo.ApplicationCommand{
		{
			Name:        "auction",
			Description: "Show the current price and deadline of an auction",
			Options:     []*discordgo.ApplicationCommandOption{auctionID},
		},
		{
			Name:        "auction-bids",
			Description: "List the accepted bids of an auction",
			Options:     []*discordgo.ApplicationCommandOption{auctionID},
		},
		{
			Name:        "balance",
			Description: "Show the points balance of an account",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "account-id",
					Description: "Account ID",
					Required:    true,
				},
			},
		},
	}
}

// InteractionCreate handles incoming slash command interactions.
func (h *Handlers) InteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	respond(s, i, h.Reply(context.Background(), data.Name, data.Options))
}

// Reply runs a command and returns the message to show.
func (h *Handlers) Reply(ctx context.Context, name string, opts []*discordgo.ApplicationCommandInteractionDataOption) string {
	ctx, span := h.tracer.Start(ctx, "InteractionCreate",
		trace.WithAttributes(attribute.String("command", name)),
	)
	defer span.End()

	arg := func(key string) string {
		for _, o := range opts {
			if o.Name == key && o.Type == discordgo.ApplicationCommandOptionString {
				return o.StringValue()
			}
		}
		return ""
	}

	switch name {
	case "auction":
		return h.handleAuction(ctx, arg("auction-id"))
	case "auction-bids":
		return h.handleBids(ctx, arg("auction-id"))
	case "balance":
		return h.handleBalance(ctx, arg("account-id"))
	default:
		return "Unknown command"
	}
}

func (h *Handlers) handleAuction(ctx context.Context, auctionID string) string {
	v, err := h.auctions.Display(ctx, auctionID)
	if err != nil {
		return h.failure(ctx, "auction", auctionID, err)
	}

	switch v.Status {
	case store.StatusScheduled:
		return fmt.Sprintf("**%s** starts <t:%d:R> at **%d** points", v.Title, v.Deadline.Unix(), v.Price)
	case store.StatusOngoing:
		leader := "no bids yet"
		if v.LeaderID != "" {
			leader = "leader `" + v.LeaderID + "`"
		}
		return fmt.Sprintf("**%s** is at **%d** points (%s), ends <t:%d:R>", v.Title, v.Price, leader, v.Deadline.Unix())
	case store.StatusEnded:
		if v.LeaderID == "" {
			return fmt.Sprintf("**%s** ended unsold", v.Title)
		}
		return fmt.Sprintf("**%s** was won by `%s` for **%d** points", v.Title, v.LeaderID, v.Price)
	default:
		return fmt.Sprintf("**%s** was canceled", v.Title)
	}
}

func (h *Handlers) handleBids(ctx context.Context, auctionID string) string {
	bids, err := h.auctions.History(ctx, auctionID)
	if err != nil {
		return h.failure(ctx, "auction-bids", auctionID, err)
	}
	if len(bids) == 0 {
		return fmt.Sprintf("No bids on auction `%s` yet.", auctionID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Bids on `%s`:**\n", auctionID)
	for idx, bid := range bids {
		fmt.Fprintf(&b, "%d. `%s` — %d points\n", idx+1, bid.BidderID, bid.Amount)
	}
	return b.String()
}

func (h *Handlers) handleBalance(ctx context.Context, accountID string) string {
	a, err := h.accounts.Get(ctx, accountID)
	if err != nil {
		return h.failure(ctx, "balance", accountID, err)
	}
	return fmt.Sprintf("**%s** has **%d** points", a.Name, a.Balance)
}

func (h *Handlers) failure(ctx context.Context, command, id string, err error) string {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Sprintf("`%s` not found.", id)
	}
	h.logger.ErrorContext(ctx, "command failed",
		slog.String("command", command),
		slog.String("id", id),
		slog.Any("error", err),
	)
	return "Something went wrong, try again shortly."
}

func respond(s *discordgo.Session, i *discordgo.InteractionCreate, msg string) {
	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: msg,
		},
	})
}
