package broadcast_test

import (
	"context"
	"testing"

	"github.com/peterldowns/testy/check"

	"github.com/jensholdgaard/auctiond/internal/broadcast"
	"github.com/jensholdgaard/auctiond/internal/event"
)

func TestHub_RoutesByAggregate(t *testing.T) {
	h := broadcast.NewHub()
	ctx := context.Background()

	a1, cancelA1 := h.Subscribe("a1")
	defer cancelA1()
	all, cancelAll := h.Subscribe(broadcast.All)
	defer cancelAll()

	check.NoError(t, h.Publish(ctx, event.Event{AggregateID: "a1", Type: event.BidAccepted}))
	check.NoError(t, h.Publish(ctx, event.Event{AggregateID: "a2", Type: event.AuctionStarted}))

	got := <-a1
	check.Equal(t, event.BidAccepted, got.Type)
	check.Equal(t, 0, len(a1))

	check.Equal(t, event.BidAccepted, (<-all).Type)
	check.Equal(t, event.AuctionStarted, (<-all).Type)
}

func TestHub_CancelClosesChannel(t *testing.T) {
	h := broadcast.NewHub()
	ch, cancel := h.Subscribe("a1")
	check.Equal(t, 1, h.Subscribers("a1"))

	cancel()
	cancel()

	_, ok := <-ch
	check.False(t, ok)
	check.Equal(t, 0, h.Subscribers("a1"))
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	h := broadcast.NewHubWithBuffer(1)
	ctx := context.Background()

	slow, cancel := h.Subscribe("a1")
	defer cancel()

	check.NoError(t, h.Publish(ctx, event.Event{AggregateID: "a1", Type: event.AuctionStarted}))
	check.NoError(t, h.Publish(ctx, event.Event{AggregateID: "a1", Type: event.BidAccepted}))

	// The buffered event is still delivered, then the channel is closed.
	first, ok := <-slow
	check.True(t, ok)
	check.Equal(t, event.AuctionStarted, first.Type)
	_, ok = <-slow
	check.False(t, ok)
	check.Equal(t, 0, h.Subscribers("a1"))
}
