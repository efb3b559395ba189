package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/jensholdgaard/auctiond/internal/event"
)

// Sender posts channel messages. *discordgo.Session satisfies it.
type Sender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Subscriber hands out event feeds.
type Subscriber interface {
	Subscribe(topic string) (<-chan event.Event, func())
}

// Announcer posts lifecycle events to a channel.
type Announcer struct {
	sender    Sender
	channelID string
	logger    *slog.Logger
}

// NewAnnouncer returns an Announcer.
func NewAnnouncer(sender Sender, channelID string, logger *slog.Logger) *Announcer {
	return &Announcer{sender: sender, channelID: channelID, logger: logger}
}

// Run posts every announceable event from the feed until ctx is canceled.
func (a *Announcer) Run(ctx context.Context, sub Subscriber, topic string) {
	for ctx.Err() == nil {
		events, cancel := sub.Subscribe(topic)
		a.drain(ctx, events)
		cancel()
	}
}

func (a *Announcer) drain(ctx context.Context, events <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				a.logger.WarnContext(ctx, "announcer fell behind the event feed")
				return
			}
			msg, ok := FormatEvent(e)
			if !ok {
				continue
			}
			if _, err := a.sender.ChannelMessageSend(a.channelID, msg, discordgo.WithContext(ctx)); err != nil {
				a.logger.ErrorContext(ctx, "failed to announce event",
					slog.String("type", string(e.Type)),
					slog.String("auction_id", e.AggregateID),
					slog.Any("error", err),
				)
			}
		}
	}
}

// FormatEvent renders a lifecycle event as a chat message. It reports false
// for events that are not announced.
func FormatEvent(e event.Event) (string, bool) {
	id := e.AggregateID
	switch e.Type {
	case event.AuctionCreated:
		var d event.AuctionCreatedData
		if json.Unmarshal(e.Data, &d) != nil {
			return "", false
		}
		return fmt.Sprintf("New auction **%s** (`%s`) opens <t:%d:R> at **%d** points.", d.Title, id, d.StartTime.Unix(), d.StartPrice), true
	case event.AuctionUpdated:
		var d event.AuctionCreatedData
		if json.Unmarshal(e.Data, &d) != nil {
			return "", false
		}
		return fmt.Sprintf("Auction **%s** (`%s`) was changed: opens <t:%d:R> at **%d** points.", d.Title, id, d.StartTime.Unix(), d.StartPrice), true
	case event.AuctionStarted:
		var d event.AuctionStartedData
		if json.Unmarshal(e.Data, &d) != nil {
			return "", false
		}
		return fmt.Sprintf("Auction `%s` is open for bids, starting at **%d** points, ends <t:%d:R>.", id, d.StartPrice, d.Deadline.Unix()), true
	case event.BidAccepted:
		var d event.BidAcceptedData
		if json.Unmarshal(e.Data, &d) != nil {
			return "", false
		}
		return fmt.Sprintf("`%s` leads auction `%s` with **%d** points.", d.BidderID, id, d.Amount), true
	case event.AuctionExtended:
		var d event.AuctionExtendedData
		if json.Unmarshal(e.Data, &d) != nil {
			return "", false
		}
		return fmt.Sprintf("Auction `%s` extended, now ends <t:%d:R>.", id, d.Deadline.Unix()), true
	case event.AuctionEnded:
		var d event.AuctionEndedData
		if json.Unmarshal(e.Data, &d) != nil {
			return "", false
		}
		if d.WinnerID == "" {
			return fmt.Sprintf("Auction `%s` ended without bids.", id), true
		}
		return fmt.Sprintf("Auction `%s` won by `%s` for **%d** points!", id, d.WinnerID, d.Price), true
	case event.AuctionCanceled:
		return fmt.Sprintf("Auction `%s` was canceled by the seller.", id), true
	default:
		return "", false
	}
}
