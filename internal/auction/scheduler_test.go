package auction_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/auctiond/internal/auction"
	"github.com/jensholdgaard/auctiond/internal/config"
	"github.com/jensholdgaard/auctiond/internal/livestore"
	"github.com/jensholdgaard/auctiond/internal/store"
)

func newTestScheduler(env *testEnv) *auction.Scheduler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return auction.NewScheduler(env.manager, time.Second, logger, noop.NewTracerProvider(), env.clock)
}

func TestScheduler_SweepStart(t *testing.T) {
	env := newTestEnv(t, engineConfig())
	sched := newTestScheduler(env)
	ctx := context.Background()

	seller := env.account(t, "seller", 0)
	create := func(title string, start time.Time) *store.Auction {
		a, err := env.manager.CreateAuction(ctx, auction.CreateParams{
			Title: title, SellerID: seller, StartPrice: 100, StartTime: start, EndTime: start.Add(time.Hour),
		})
		if err != nil {
			t.Fatalf("CreateAuction: %v", err)
		}
		return a
	}
	due := create("due", t0)
	later := create("later", t0.Add(time.Minute))
	canceled := create("canceled", t0)
	if err := env.manager.CancelAuction(ctx, canceled.ID, seller); err != nil {
		t.Fatalf("CancelAuction: %v", err)
	}

	n, err := sched.SweepStart(ctx)
	if err != nil || n != 1 {
		t.Fatalf("SweepStart = %d, %v, want 1", n, err)
	}
	if env.auction(t, due.ID).Status != store.StatusOngoing {
		t.Error("due auction not promoted")
	}
	if env.auction(t, later.ID).Status != store.StatusScheduled {
		t.Error("future auction promoted early")
	}
	if env.auction(t, canceled.ID).Status != store.StatusCanceled {
		t.Error("canceled auction promoted")
	}
	s, err := env.live.Get(ctx, due.ID)
	if err != nil || s.HighestPrice != 100 {
		t.Errorf("live state = %+v, %v, want seeded at start price", s, err)
	}

	// Nothing due: a cheap no-op.
	n, err = sched.SweepStart(ctx)
	if err != nil || n != 0 {
		t.Errorf("second SweepStart = %d, %v, want 0", n, err)
	}

	env.clock.Advance(time.Minute)
	n, _ = sched.SweepStart(ctx)
	if n != 1 {
		t.Errorf("SweepStart after advance = %d, want 1", n)
	}
}

func TestScheduler_SweepEnd_UsesDynamicDeadline(t *testing.T) {
	env := newTestEnv(t, engineConfig())
	sched := newTestScheduler(env)
	ctx := context.Background()

	seller := env.account(t, "seller", 0)
	bidder := env.account(t, "bidder", 1000)
	a := env.ongoing(t, seller, 100, 10*time.Minute)

	env.clock.Advance(9 * time.Minute)
	if _, err := env.manager.PlaceBid(ctx, a.ID, 200, bidder); err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}

	// Past the scheduled end time, inside the extension.
	env.clock.Advance(2 * time.Minute)
	n, err := sched.SweepEnd(ctx)
	if err != nil || n != 0 {
		t.Fatalf("SweepEnd = %d, %v, want 0", n, err)
	}
	if env.auction(t, a.ID).Status != store.StatusOngoing {
		t.Fatal("auction ended on its scheduled end time despite extension")
	}

	env.clock.Advance(3*time.Minute + time.Second)
	n, err = sched.SweepEnd(ctx)
	if err != nil || n != 1 {
		t.Fatalf("SweepEnd = %d, %v, want 1", n, err)
	}
	got := env.auction(t, a.ID)
	if got.Status != store.StatusEnded || *got.WinnerID != bidder {
		t.Errorf("auction = %+v, want ENDED won by bidder", got)
	}
	wantEnd := a.EndTime.Add(-time.Minute).Add(5 * time.Minute)
	if !got.FinalEndTime.Equal(wantEnd) {
		t.Errorf("FinalEndTime = %s, want %s", got.FinalEndTime, wantEnd)
	}
}

func TestScheduler_SweepEnd_IsolatesFailures(t *testing.T) {
	env := newTestEnv(t, engineConfig())
	sched := newTestScheduler(env)
	ctx := context.Background()

	seller := env.account(t, "seller", 0)
	first := env.ongoing(t, seller, 100, time.Minute)
	second := env.ongoing(t, seller, 100, time.Minute)
	env.clock.Advance(2 * time.Minute)

	env.ledger.setFail(true)
	n, err := sched.SweepEnd(ctx)
	if err == nil || n != 0 {
		t.Fatalf("SweepEnd = %d, %v, want 0 and an error", n, err)
	}
	for _, a := range []store.Auction{first, second} {
		if env.auction(t, a.ID).Status != store.StatusOngoing {
			t.Errorf("auction %s changed status after a failed settlement", a.ID)
		}
	}

	// Next tick retries both.
	env.ledger.setFail(false)
	n, err = sched.SweepEnd(ctx)
	if err != nil || n != 2 {
		t.Fatalf("retry SweepEnd = %d, %v, want 2", n, err)
	}
}

func TestScheduler_SweepEnd_MissingState(t *testing.T) {
	tests := []struct {
		name         string
		policy       string
		wantEnded    bool
		wantReseeded bool
	}{
		{name: "reseed keeps auction running", policy: config.MissingStateReseed, wantReseeded: true},
		{name: "close ends auction", policy: config.MissingStateClose, wantEnded: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := engineConfig()
			cfg.MissingState = tt.policy
			env := newTestEnv(t, cfg)
			sched := newTestScheduler(env)
			ctx := context.Background()

			seller := env.account(t, "seller", 0)
			a := env.ongoing(t, seller, 100, time.Hour)
			if err := env.live.Delete(ctx, a.ID); err != nil {
				t.Fatal(err)
			}

			if _, err := sched.SweepEnd(ctx); err != nil {
				t.Fatalf("SweepEnd: %v", err)
			}
			ended := env.auction(t, a.ID).Status == store.StatusEnded
			if ended != tt.wantEnded {
				t.Errorf("ended = %v, want %v", ended, tt.wantEnded)
			}
			_, err := env.live.Get(ctx, a.ID)
			if reseeded := err == nil; reseeded != tt.wantReseeded {
				t.Errorf("live state present = %v, want %v", reseeded, tt.wantReseeded)
			}
		})
	}
}

// missingOnce reports the first Get of each auction as missing, like a read
// that lands between promotion and seeding.
type missingOnce struct {
	livestore.Store
	mu   sync.Mutex
	seen map[string]bool
}

func (s *missingOnce) Get(ctx context.Context, auctionID string) (livestore.State, error) {
	s.mu.Lock()
	first := !s.seen[auctionID]
	s.seen[auctionID] = true
	s.mu.Unlock()
	if first {
		return livestore.State{}, livestore.ErrNotFound
	}
	return s.Store.Get(ctx, auctionID)
}

func TestScheduler_SweepEnd_CloseNeverSettlesLiveAuctionEarly(t *testing.T) {
	cfg := engineConfig()
	cfg.MissingState = config.MissingStateClose
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	live := &missingOnce{Store: env.live, seen: map[string]bool{}}
	m := auction.NewManager(env.repos, live, env.pub, cfg, logger, noop.NewTracerProvider(), metricnoop.NewMeterProvider(), env.clock)
	sched := auction.NewScheduler(m, time.Second, logger, noop.NewTracerProvider(), env.clock)

	seller := env.account(t, "seller", 0)
	bidder := env.account(t, "bidder", 1000)
	a := env.ongoing(t, seller, 100, time.Hour)
	if _, err := m.PlaceBid(ctx, a.ID, 200, bidder); err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}

	n, err := sched.SweepEnd(ctx)
	if err != nil || n != 0 {
		t.Fatalf("SweepEnd = %d, %v, want 0", n, err)
	}
	if got := env.auction(t, a.ID); got.Status != store.StatusOngoing || got.WinnerID != nil {
		t.Fatalf("auction = %+v, want ONGOING without winner", got)
	}
	s, err := env.live.Get(ctx, a.ID)
	if err != nil || s.Status != livestore.StatusOngoing || s.HighestBidder != bidder || s.HighestPrice != 200 {
		t.Fatalf("live state = %+v, %v, want ongoing with leading bid kept", s, err)
	}
	if env.balance(t, bidder) != 1000 {
		t.Errorf("bidder charged before the deadline: balance %d", env.balance(t, bidder))
	}

	// Bidding goes on and the auction settles once the deadline passes.
	if _, err := m.PlaceBid(ctx, a.ID, 300, bidder); err != nil {
		t.Fatalf("PlaceBid after sweep: %v", err)
	}
	env.clock.Advance(time.Hour + time.Second)
	n, err = sched.SweepEnd(ctx)
	if err != nil || n != 1 {
		t.Fatalf("SweepEnd after deadline = %d, %v, want 1", n, err)
	}
	if got := env.auction(t, a.ID); got.Status != store.StatusEnded || *got.FinalPrice != 300 {
		t.Errorf("auction = %+v, want ENDED at 300", got)
	}
}

func TestScheduler_SweepEnd_RetriesClosing(t *testing.T) {
	env := newTestEnv(t, engineConfig())
	sched := newTestScheduler(env)
	ctx := context.Background()

	seller := env.account(t, "seller", 0)
	a := env.ongoing(t, seller, 100, time.Hour)

	// A settlement that began and failed leaves the marker behind even
	// though the deadline is in the future.
	_, err := env.live.Update(ctx, a.ID, func(s livestore.State) (livestore.State, error) {
		s.Status = livestore.StatusClosing
		return s, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	n, err := sched.SweepEnd(ctx)
	if err != nil || n != 1 {
		t.Fatalf("SweepEnd = %d, %v, want 1", n, err)
	}
	if env.auction(t, a.ID).Status != store.StatusEnded {
		t.Error("CLOSING auction not settled")
	}
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, engineConfig())
	sched := newTestScheduler(env)

	seller := env.account(t, "seller", 0)
	a, err := env.manager.CreateAuction(context.Background(), auction.CreateParams{
		Title: "run", SellerID: seller, StartTime: t0, EndTime: t0.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateAuction: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	// The first sweep runs immediately.
	deadline := time.Now().Add(5 * time.Second)
	for env.auction(t, a.ID).Status != store.StatusOngoing {
		if time.Now().After(deadline) {
			t.Fatal("auction not promoted by Run")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !errors.Is(ctx.Err(), context.Canceled) {
		t.Errorf("ctx.Err() = %v", ctx.Err())
	}
}
