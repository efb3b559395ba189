package commands_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/auctiond/internal/auction"
	"github.com/jensholdgaard/auctiond/internal/bot/commands"
	"github.com/jensholdgaard/auctiond/internal/store"
)

// mockAuctions implements commands.Auctions for testing.
type mockAuctions struct {
	views map[string]auction.View
	bids  map[string][]auction.Bid
	err   error
}

func (m *mockAuctions) Display(_ context.Context, id string) (auction.View, error) {
	if m.err != nil {
		return auction.View{}, m.err
	}
	v, ok := m.views[id]
	if !ok {
		return auction.View{}, fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
	}
	return v, nil
}

func (m *mockAuctions) History(_ context.Context, id string) ([]auction.Bid, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.bids[id], nil
}

// mockAccounts implements commands.Accounts for testing.
type mockAccounts map[string]*store.Account

func (m mockAccounts) Get(_ context.Context, id string) (*store.Account, error) {
	a, ok := m[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func opt(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func TestHandlers_Reply(t *testing.T) {
	deadline := time.Date(2025, 6, 15, 12, 5, 0, 0, time.UTC)
	auctions := &mockAuctions{
		views: map[string]auction.View{
			"live":   {AuctionID: "live", Title: "Lamp", Status: store.StatusOngoing, Price: 300, LeaderID: "b1", Deadline: deadline},
			"fresh":  {AuctionID: "fresh", Title: "Vase", Status: store.StatusOngoing, Price: 100, Deadline: deadline},
			"sold":   {AuctionID: "sold", Title: "Chair", Status: store.StatusEnded, Price: 500, LeaderID: "b2"},
			"unsold": {AuctionID: "unsold", Title: "Rug", Status: store.StatusEnded},
		},
		bids: map[string][]auction.Bid{
			"live": {{BidderID: "b0", Amount: 200}, {BidderID: "b1", Amount: 300}},
		},
	}
	accounts := mockAccounts{"acct": {ID: "acct", Name: "alice", Balance: 750}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := commands.NewHandlers(auctions, accounts, logger, noop.NewTracerProvider())

	tests := []struct {
		name    string
		command string
		opts    []*discordgo.ApplicationCommandInteractionDataOption
		want    []string
	}{
		{name: "ongoing with leader", command: "auction", opts: []*discordgo.ApplicationCommandInteractionDataOption{opt("auction-id", "live")}, want: []string{"Lamp", "300", "b1", fmt.Sprint(deadline.Unix())}},
		{name: "ongoing without bids", command: "auction", opts: []*discordgo.ApplicationCommandInteractionDataOption{opt("auction-id", "fresh")}, want: []string{"no bids yet"}},
		{name: "sold", command: "auction", opts: []*discordgo.ApplicationCommandInteractionDataOption{opt("auction-id", "sold")}, want: []string{"won by `b2`", "500"}},
		{name: "unsold", command: "auction", opts: []*discordgo.ApplicationCommandInteractionDataOption{opt("auction-id", "unsold")}, want: []string{"ended unsold"}},
		{name: "unknown auction", command: "auction", opts: []*discordgo.ApplicationCommandInteractionDataOption{opt("auction-id", "nope")}, want: []string{"not found"}},
		{name: "bid history", command: "auction-bids", opts: []*discordgo.ApplicationCommandInteractionDataOption{opt("auction-id", "live")}, want: []string{"1. `b0`", "2. `b1`"}},
		{name: "empty history", command: "auction-bids", opts: []*discordgo.ApplicationCommandInteractionDataOption{opt("auction-id", "fresh")}, want: []string{"No bids"}},
		{name: "balance", command: "balance", opts: []*discordgo.ApplicationCommandInteractionDataOption{opt("account-id", "acct")}, want: []string{"alice", "750"}},
		{name: "unknown command", command: "dance", want: []string{"Unknown command"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := h.Reply(context.Background(), tt.command, tt.opts)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("Reply() = %q, want it to contain %q", got, w)
				}
			}
		})
	}
}

func TestHandlers_ReplyHidesInternalErrors(t *testing.T) {
	auctions := &mockAuctions{err: errors.New("connection refused")}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := commands.NewHandlers(auctions, mockAccounts{}, logger, noop.NewTracerProvider())

	got := h.Reply(context.Background(), "auction", []*discordgo.ApplicationCommandInteractionDataOption{opt("auction-id", "a1")})
	if strings.Contains(got, "connection refused") {
		t.Errorf("Reply() leaked the error: %q", got)
	}
}

func TestSlashCommands(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range commands.SlashCommands() {
		if seen[c.Name] {
			t.Errorf("duplicate command %q", c.Name)
		}
		seen[c.Name] = true
		for _, o := range c.Options {
			if !o.Required {
				t.Errorf("option %s/%s should be required", c.Name, o.Name)
			}
		}
	}
	for _, name := range []string{"auction", "auction-bids", "balance"} {
		if !seen[name] {
			t.Errorf("missing command %q", name)
		}
	}
}
