package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auctiond/internal/clock"
	"github.com/jensholdgaard/auctiond/internal/config"
	"github.com/jensholdgaard/auctiond/internal/livestore"
	"github.com/jensholdgaard/auctiond/internal/store"
)

// Scheduler drives auctions through their lifecycle with two periodic
// sweeps: the start sweep promotes due SCHEDULED auctions and the end sweep
// settles ONGOING auctions whose dynamic deadline has passed. Each sweep
// runs in its own goroutine and never overlaps with itself.
type Scheduler struct {
	manager  *Manager
	live     livestore.Store
	interval time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
	clock    clock.Clock
}

// NewScheduler returns a Scheduler ticking every interval.
func NewScheduler(m *Manager, interval time.Duration, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		manager:  m,
		live:     m.live,
		interval: interval,
		logger:   logger,
		tracer:   tp.Tracer(instrumentationName),
		clock:    clk,
	}
}

// Run sweeps immediately and then on every tick until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.InfoContext(ctx, "lifecycle scheduler started", slog.Duration("interval", s.interval))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.loop(ctx, "start", s.SweepStart)
	}()
	go func() {
		defer wg.Done()
		s.loop(ctx, "end", s.SweepEnd)
	}()
	wg.Wait()

	s.logger.InfoContext(context.WithoutCancel(ctx), "lifecycle scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, name string, sweep func(context.Context) (int, error)) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if n, err := sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "sweep failed",
				slog.String("sweep", name),
				slog.Int("processed", n),
				slog.Any("error", err),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepStart promotes every SCHEDULED auction whose start time has passed
// and returns how many were promoted. A failure on one auction does not
// stop the others; all failures are returned joined.
func (s *Scheduler) SweepStart(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "Scheduler.SweepStart")
	defer span.End()

	scheduled, err := s.manager.List(ctx, store.StatusScheduled)
	if err != nil {
		return 0, fmt.Errorf("listing scheduled auctions: %w", err)
	}

	now := s.clock.Now()
	promoted := 0
	var errs []error
	for _, a := range scheduled {
		if !CanPromote(a, now) {
			continue
		}
		ok, err := s.manager.StartAuction(ctx, a)
		if ok {
			promoted++
		}
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to start auction",
				slog.String("auction_id", a.ID),
				slog.Any("error", err),
			)
			errs = append(errs, err)
		}
	}

	span.SetAttributes(attribute.Int("promoted", promoted))
	return promoted, errors.Join(errs...)
}

// SweepEnd settles every ONGOING auction whose dynamic deadline has passed
// and returns how many were settled. Auctions without live state are handled
// by the missing state policy: "reseed" rebuilds the state and then applies
// the normal deadline check, "close" settles them unsold right away.
// Auctions left CLOSING by a failed settlement are retried.
func (s *Scheduler) SweepEnd(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "Scheduler.SweepEnd")
	defer span.End()

	ongoing, err := s.manager.List(ctx, store.StatusOngoing)
	if err != nil {
		return 0, fmt.Errorf("listing ongoing auctions: %w", err)
	}

	settled := 0
	var errs []error
	for _, a := range ongoing {
		due, err := s.due(ctx, a)
		if err == nil && due {
			_, err = s.manager.EndAuction(ctx, a)
			switch {
			case err == nil:
				settled++
			case errors.Is(err, ErrNotDue):
				// Seeded or extended after the check above.
				err = nil
			}
		}
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to end auction",
				slog.String("auction_id", a.ID),
				slog.Any("error", err),
			)
			errs = append(errs, err)
		}
	}

	span.SetAttributes(attribute.Int("settled", settled))
	return settled, errors.Join(errs...)
}

// due reports whether an ONGOING auction should be settled now.
func (s *Scheduler) due(ctx context.Context, a store.Auction) (bool, error) {
	sctx, cancel := s.manager.storeContext(ctx)
	state, err := s.live.Get(sctx, a.ID)
	cancel()

	if errors.Is(err, livestore.ErrNotFound) {
		if s.manager.MissingStatePolicy() == config.MissingStateClose {
			return true, nil
		}
		state, err = s.manager.Reseed(ctx, a)
	}
	if err != nil {
		return false, err
	}
	return state.Status == livestore.StatusClosing || Expired(state, s.clock.Now()), nil
}
