package auction

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type metrics struct {
	bidsAccepted       metric.Int64Counter
	bidsRejected       metric.Int64Counter
	extensions         metric.Int64Counter
	promotions         metric.Int64Counter
	settlements        metric.Int64Counter
	settlementFailures metric.Int64Counter
}

func newMetrics(meter metric.Meter) *metrics {
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			return noop.Int64Counter{}
		}
		return c
	}
	return &metrics{
		bidsAccepted:       counter("auction.bids.accepted", "Bids accepted"),
		bidsRejected:       counter("auction.bids.rejected", "Bids rejected, by reason"),
		extensions:         counter("auction.extensions", "Deadline extensions caused by late bids"),
		promotions:         counter("auction.promotions", "Auctions moved from SCHEDULED to ONGOING"),
		settlements:        counter("auction.settlements", "Settled auctions, by outcome"),
		settlementFailures: counter("auction.settlement.failures", "Settlement attempts that failed and will be retried"),
	}
}

func (m *metrics) rejected(ctx context.Context, err error) {
	m.bidsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reasonLabel(err))))
}

func (m *metrics) settled(ctx context.Context, out Outcome) {
	outcome := "unsold"
	switch {
	case out.Skipped:
		outcome = "skipped"
	case out.Shortfall:
		outcome = "shortfall"
	case out.Sold:
		outcome = "sold"
	}
	m.settlements.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
