package auction_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/bidengine/internal/auction"
	"github.com/jensholdgaard/bidengine/internal/clock"
	"github.com/jensholdgaard/bidengine/internal/config"
	"github.com/jensholdgaard/bidengine/internal/event"
	"github.com/jensholdgaard/bidengine/internal/increment"
	"github.com/jensholdgaard/bidengine/internal/store"
	"github.com/jensholdgaard/bidengine/internal/store/memstore"
)

// --- helpers ---

type modeMap map[string]store.BidType

func (m modeMap) Mode(id string) (store.BidType, bool) {
	v, ok := m[id]
	return v, ok
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []event.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]event.Type, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	actor *auction.Actor
	mem   *memstore.Store
	repos *store.Repositories
	clock *clock.Mock
	modes modeMap
	pub   *recordingPublisher
}

func newFixture(t *testing.T, cfg config.AuctionConfig) *fixture {
	t.Helper()
	f := &fixture{
		clock: clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		modes: modeMap{},
		pub:   &recordingPublisher{},
	}
	f.mem = memstore.New(f.clock)
	f.repos = f.mem.Repositories()

	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = time.Second
	}
	if cfg.DuplicateWindow == 0 {
		cfg.DuplicateWindow = time.Second
	}
	actor, err := auction.New(auction.Params{
		Auctions:   f.repos.Auctions,
		Increments: increment.NewResolver(f.repos.Increments),
		Modes:      f.modes,
		Publisher:  f.pub,
		Config:     cfg,
		Logger:     slog.Default(),
		Tracer:     noop.NewTracerProvider(),
		Meter:      metricnoop.NewMeterProvider(),
		Clock:      f.clock,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.actor = actor
	return f
}

func (f *fixture) create(t *testing.T, starting string) *store.Auction {
	t.Helper()
	end := f.clock.Now().Add(time.Hour)
	a := &store.Auction{
		ProductRef:  "prod-1",
		CategoryRef: "cat-1",
		Type:        store.AuctionTimed,
		StartDate:   f.clock.Now(),
		EndDate:     &end,
		StartingBid: dec(starting),
		ReserveMet:  true,
	}
	if err := f.repos.Auctions.Create(context.Background(), a); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return a
}

func (f *fixture) bid(t *testing.T, id, bidder, amount string) *auction.BidResult {
	t.Helper()
	res, err := f.actor.PlaceBid(context.Background(), onlineBid(id, bidder, amount))
	if err != nil {
		t.Fatalf("PlaceBid(%s, %s) error = %v", bidder, amount, err)
	}
	return res
}

func onlineBid(id, bidder, amount string) auction.BidRequest {
	req := auction.BidRequest{
		AuctionID: id,
		Bidder:    bidder,
		Role:      store.RoleBidder,
		Type:      store.BidOnline,
	}
	if amount != "" {
		d := dec(amount)
		req.Amount = &d
	}
	return req
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// --- PlaceBid ---

func TestPlaceBid_MinimumRaise(t *testing.T) {
	f := newFixture(t, config.AuctionConfig{})
	a := f.create(t, "100")

	res := f.bid(t, a.ID, "alice", "")

	if !res.Amount.Equal(dec("150")) {
		t.Errorf("amount = %s, want 150", res.Amount)
	}
	if !res.Increment.Equal(dec("50")) {
		t.Errorf("increment = %s, want 50", res.Increment)
	}
	if res.PreviousBidder != "" {
		t.Errorf("previous bidder = %q, want empty", res.PreviousBidder)
	}
	if res.Auction.CurrentBidder != "alice" {
		t.Errorf("current bidder = %q, want alice", res.Auction.CurrentBidder)
	}
	if !res.Auction.HasParticipant("alice") {
		t.Error("expected alice to be a participant")
	}
	if got := len(res.Auction.BidLogs); got != 1 {
		t.Errorf("got %d log entries, want 1", got)
	}
}

func TestPlaceBid_RoundsUpToIncrement(t *testing.T) {
	tests := []struct {
		name     string
		starting string
		proposed string
		want     string
	}{
		{"exact multiple", "100", "200", "200"},
		{"just above current", "100", "101", "150"},
		{"crosses tier", "950", "1001", "1100"},
		{"fractional", "10", "10.5", "11"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, config.AuctionConfig{})
			a := f.create(t, tt.starting)
			res := f.bid(t, a.ID, "alice", tt.proposed)
			if !res.Amount.Equal(dec(tt.want)) {
				t.Errorf("amount = %s, want %s", res.Amount, tt.want)
			}
		})
	}
}

func TestPlaceBid_TooLow(t *testing.T) {
	f := newFixture(t, config.AuctionConfig{})
	a := f.create(t, "100")
	f.bid(t, a.ID, "alice", "150")

	for _, amount := range []string{"150", "149", "0", "-10"} {
		_, err := f.actor.PlaceBid(context.Background(), onlineBid(a.ID, "bob", amount))
		if !errors.Is(err, auction.ErrBidTooLow) {
			t.Errorf("amount %s: error = %v, want ErrBidTooLow", amount, err)
		}
	}

	got, err := f.actor.Snapshot(context.Background(), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Bids) != 1 || !got.CurrentBid.Equal(dec("150")) {
		t.Errorf("rejected bids changed state: %d bids, current %s", len(got.Bids), got.CurrentBid)
	}
}

func TestPlaceBid_Duplicate(t *testing.T) {
	t.Run("repeats within the window are too low", func(t *testing.T) {
		f := newFixture(t, config.AuctionConfig{DuplicateWindow: time.Second})
		a := f.create(t, "100")
		ctx := context.Background()
		f.bid(t, a.ID, "alice", "150")

		for _, amount := range []string{"120", "150"} {
			_, err := f.actor.PlaceBid(ctx, onlineBid(a.ID, "alice", amount))
			if !errors.Is(err, auction.ErrBidTooLow) {
				t.Fatalf("alice proposes %s: error = %v, want ErrBidTooLow", amount, err)
			}
		}

		// A minimum raise is a new bid even from the current high bidder.
		res := f.bid(t, a.ID, "alice", "")
		if !res.Amount.Equal(dec("200")) {
			t.Errorf("minimum raise = %s, want 200", res.Amount)
		}
	})

	t.Run("same final amount as the last bid", func(t *testing.T) {
		f := newFixture(t, config.AuctionConfig{DuplicateWindow: time.Second})
		a := f.create(t, "100")
		ctx := context.Background()
		f.bid(t, a.ID, "alice", "200")

		// Leave the current bid behind the last recorded bid, as after a
		// manual correction of the lot.
		stored, err := f.repos.Auctions.Load(ctx, a.ID)
		if err != nil {
			t.Fatal(err)
		}
		stored.CurrentBid = dec("150")
		if err := f.repos.Auctions.Save(ctx, stored); err != nil {
			t.Fatal(err)
		}

		_, err = f.actor.PlaceBid(ctx, onlineBid(a.ID, "alice", "190"))
		if !errors.Is(err, auction.ErrDuplicateBid) {
			t.Fatalf("within window: error = %v, want ErrDuplicateBid", err)
		}
		_, err = f.actor.PlaceBid(ctx, onlineBid(a.ID, "bob", "200"))
		if err != nil {
			t.Fatalf("other bidder: error = %v", err)
		}
	})

	t.Run("same final amount after the window", func(t *testing.T) {
		f := newFixture(t, config.AuctionConfig{DuplicateWindow: time.Second})
		a := f.create(t, "100")
		ctx := context.Background()
		f.bid(t, a.ID, "alice", "200")

		stored, err := f.repos.Auctions.Load(ctx, a.ID)
		if err != nil {
			t.Fatal(err)
		}
		stored.CurrentBid = dec("150")
		if err := f.repos.Auctions.Save(ctx, stored); err != nil {
			t.Fatal(err)
		}

		f.clock.Advance(2 * time.Second)
		if _, err := f.actor.PlaceBid(ctx, onlineBid(a.ID, "alice", "200")); err != nil {
			t.Fatalf("after window: error = %v", err)
		}
		got, _ := f.actor.Snapshot(ctx, a.ID)
		if len(got.Bids) != 2 {
			t.Errorf("got %d bids, want 2", len(got.Bids))
		}
	})
}

func TestPlaceBid_Authorization(t *testing.T) {
	tests := []struct {
		name    string
		role    store.Role
		bidType store.BidType
		mode    store.BidType
		wantErr error
	}{
		{"online bidder", store.RoleBidder, store.BidOnline, "", nil},
		{"online from admin", store.RoleAdmin, store.BidOnline, "", auction.ErrUnauthorized},
		{"online from clerk", store.RoleClerk, store.BidOnline, store.BidOnline, auction.ErrUnauthorized},
		{"competitor from bidder", store.RoleBidder, store.BidCompetitor, store.BidCompetitor, auction.ErrUnauthorized},
		{"competitor without mode", store.RoleClerk, store.BidCompetitor, "", auction.ErrWrongMode},
		{"competitor in online mode", store.RoleAdmin, store.BidCompetitor, store.BidOnline, auction.ErrWrongMode},
		{"competitor in competitor mode", store.RoleClerk, store.BidCompetitor, store.BidCompetitor, nil},
		{"unknown type", store.RoleBidder, store.BidType("phone"), "", auction.ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, config.AuctionConfig{})
			a := f.create(t, "100")
			if tt.mode != "" {
				f.modes[a.ID] = tt.mode
			}
			_, err := f.actor.PlaceBid(context.Background(), auction.BidRequest{
				AuctionID: a.ID,
				Bidder:    "paddle-7",
				Role:      tt.role,
				Type:      tt.bidType,
			})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPlaceBid_NotActive(t *testing.T) {
	f := newFixture(t, config.AuctionConfig{})
	a := f.create(t, "100")
	if _, err := f.actor.CloseAuction(context.Background(), a.ID, "test"); err != nil {
		t.Fatal(err)
	}
	_, err := f.actor.PlaceBid(context.Background(), onlineBid(a.ID, "alice", ""))
	if !errors.Is(err, auction.ErrNotActive) {
		t.Errorf("error = %v, want ErrNotActive", err)
	}
}

func TestPlaceBid_NotFound(t *testing.T) {
	f := newFixture(t, config.AuctionConfig{})
	_, err := f.actor.PlaceBid(context.Background(), onlineBid("missing", "alice", ""))
	if !errors.Is(err, auction.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestPlaceBid_ReportsPreviousBidder(t *testing.T) {
	f := newFixture(t, config.AuctionConfig{})
	a := f.create(t, "100")
	f.bid(t, a.ID, "alice", "")
	res := f.bid(t, a.ID, "bob", "")
	if res.PreviousBidder != "alice" {
		t.Errorf("previous bidder = %q, want alice", res.PreviousBidder)
	}
	if !res.Amount.Equal(dec("200")) {
		t.Errorf("amount = %s, want 200", res.Amount)
	}
}

func TestPlaceBid_ConcurrentBidsStrictlyIncrease(t *testing.T) {
	f := newFixture(t, config.AuctionConfig{LockTimeout: 5 * time.Second})
	a := f.create(t, "100")

	const bidders = 25
	var wg sync.WaitGroup
	errs := make(chan error, bidders)
	for i := range bidders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.actor.PlaceBid(context.Background(), onlineBid(a.ID, fmt.Sprintf("bidder-%d", i), ""))
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("PlaceBid() error = %v", err)
	}

	got, err := f.actor.Snapshot(context.Background(), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Bids) != bidders {
		t.Fatalf("got %d bids, want %d", len(got.Bids), bidders)
	}
	for i := 1; i < len(got.Bids); i++ {
		if !got.Bids[i].Amount.GreaterThan(got.Bids[i-1].Amount) {
			t.Fatalf("bid %d (%s) does not exceed bid %d (%s)", i, got.Bids[i].Amount, i-1, got.Bids[i-1].Amount)
		}
	}
	if !got.CurrentBid.Equal(got.LastBid().Amount) {
		t.Errorf("current bid %s != last bid %s", got.CurrentBid, got.LastBid().Amount)
	}
}

func TestPlaceBid_SaveFailureLeavesNoTrace(t *testing.T) {
	f := newFixture(t, config.AuctionConfig{})
	a := f.create(t, "100")
	f.mem.SaveHook = func(*store.Auction) error { return errors.New("disk full") }

	_, err := f.actor.PlaceBid(context.Background(), onlineBid(a.ID, "alice", ""))
	if err == nil {
		t.Fatal("expected error")
	}
	if code := auction.Code(err); code != auction.CodeInternal {
		t.Errorf("code = %s, want %s", code, auction.CodeInternal)
	}

	f.mem.SaveHook = nil
	got, err := f.actor.Snapshot(context.Background(), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Bids) != 0 || !got.CurrentBid.Equal(dec("100")) || got.CurrentBidder != "" {
		t.Errorf("uncommitted bid observable: bids=%d current=%s bidder=%q", len(got.Bids), got.CurrentBid, got.CurrentBidder)
	}
	if got.Version != a.Version {
		t.Errorf("version = %d, want %d", got.Version, a.Version)
	}
	if len(f.pub.types()) != 0 {
		t.Errorf("published %v for a failed bid", f.pub.types())
	}
}

func TestPlaceBid_Timeout(t *testing.T) {
	f := newFixture(t, config.AuctionConfig{LockTimeout: 50 * time.Millisecond})
	a := f.create(t, "100")

	entered := make(chan struct{})
	unblock := make(chan struct{})
	f.mem.SaveHook = func(*store.Auction) error {
		close(entered)
		<-unblock
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.actor.PlaceBid(context.Background(), onlineBid(a.ID, "alice", ""))
		done <- err
	}()
	<-entered

	_, err := f.actor.PlaceBid(context.Background(), onlineBid(a.ID, "bob", ""))
	if !errors.Is(err, auction.ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}

	close(unblock)
	if err := <-done; err != nil {
		t.Errorf("first bid error = %v", err)
	}
}

func TestPlaceBid_PublishesEvent(t *testing.T) {
	f := newFixture(t, config.AuctionConfig{})
	a := f.create(t, "100")
	f.bid(t, a.ID, "alice", "")

	types := f.pub.types()
	if len(types) != 1 || types[0] != event.BidAccepted {
		t.Fatalf("published %v, want [%s]", types, event.BidAccepted)
	}
	if f.pub.events[0].AggregateID != a.ID {
		t.Errorf("aggregate id = %q, want %q", f.pub.events[0].AggregateID, a.ID)
	}
}

func TestPlaceBid_PublishFailureIgnored(t *testing.T) {
	f := newFixture(t, config.AuctionConfig{})
	f.pub.err = errors.New("nats down")
	a := f.create(t, "100")
	f.bid(t, a.ID, "alice", "")
}

// --- RemoveLatestBid ---

func TestRemoveLatestBid(t *testing.T) {
	t.Run("restores previous bid", func(t *testing.T) {
		f := newFixture(t, config.AuctionConfig{})
		a := f.create(t, "50")
		f.bid(t, a.ID, "alice", "100")
		f.bid(t, a.ID, "bob", "150")

		res, err := f.actor.RemoveLatestBid(context.Background(), a.ID, "admin-1")
		if err != nil {
			t.Fatal(err)
		}
		if res.Removed.Bidder != "bob" || !res.Removed.Amount.Equal(dec("150")) {
			t.Errorf("removed %+v, want bob at 150", res.Removed)
		}
		if !res.Auction.CurrentBid.Equal(dec("100")) {
			t.Errorf("current bid = %s, want 100", res.Auction.CurrentBid)
		}
		if res.Auction.CurrentBidder != "alice" {
			t.Errorf("current bidder = %q, want alice", res.Auction.CurrentBidder)
		}
	})

	t.Run("reverts to starting bid", func(t *testing.T) {
		f := newFixture(t, config.AuctionConfig{})
		a := f.create(t, "50")
		f.bid(t, a.ID, "alice", "100")

		res, err := f.actor.RemoveLatestBid(context.Background(), a.ID, "admin-1")
		if err != nil {
			t.Fatal(err)
		}
		if !res.Auction.CurrentBid.Equal(dec("50")) {
			t.Errorf("current bid = %s, want 50", res.Auction.CurrentBid)
		}
		if res.Auction.CurrentBidder != "" {
			t.Errorf("current bidder = %q, want empty", res.Auction.CurrentBidder)
		}
		if len(res.Auction.Bids) != 0 {
			t.Errorf("got %d bids, want 0", len(res.Auction.Bids))
		}
	})

	t.Run("no bids", func(t *testing.T) {
		f := newFixture(t, config.AuctionConfig{})
		a := f.create(t, "50")
		_, err := f.actor.RemoveLatestBid(context.Background(), a.ID, "admin-1")
		if !errors.Is(err, auction.ErrNoBids) {
			t.Errorf("error = %v, want ErrNoBids", err)
		}
	})

	t.Run("removed bid can be re-placed", func(t *testing.T) {
		f := newFixture(t, config.AuctionConfig{})
		a := f.create(t, "100")
		f.bid(t, a.ID, "alice", "")
		if _, err := f.actor.RemoveLatestBid(context.Background(), a.ID, "admin-1"); err != nil {
			t.Fatal(err)
		}
		f.clock.Advance(2 * time.Second)
		res := f.bid(t, a.ID, "bob", "")
		if !res.Amount.Equal(dec("150")) {
			t.Errorf("amount = %s, want 150", res.Amount)
		}
	})
}

// --- CloseAuction ---

func TestCloseAuction_Idempotent(t *testing.T) {
	f := newFixture(t, config.AuctionConfig{})
	a := f.create(t, "100")
	f.bid(t, a.ID, "alice", "")
	f.clock.Advance(time.Minute)
	f.bid(t, a.ID, "bob", "")

	first, err := f.actor.CloseAuction(context.Background(), a.ID, "timer")
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.actor.CloseAuction(context.Background(), a.ID, "timer")
	if err != nil {
		t.Fatal(err)
	}

	if !first.Closed || second.Closed {
		t.Errorf("closed flags = %v/%v, want true/false", first.Closed, second.Closed)
	}
	for i, res := range []*auction.CloseResult{first, second} {
		if res.Auction.Status != store.StatusEnded {
			t.Errorf("call %d: status = %s, want ENDED", i, res.Auction.Status)
		}
		if res.Winner == nil || res.Winner.Bidder != "bob" {
			t.Errorf("call %d: winner = %+v, want bob", i, res.Winner)
		}
	}
	if second.Auction.Version != first.Auction.Version {
		t.Errorf("second close wrote: version %d -> %d", first.Auction.Version, second.Auction.Version)
	}

	var closes int
	for _, typ := range f.pub.types() {
		if typ == event.AuctionClosed {
			closes++
		}
	}
	if closes != 1 {
		t.Errorf("published %d close events, want 1", closes)
	}
}

func TestCloseAuction_WinnerSurvivesStoredPrecision(t *testing.T) {
	f := newFixture(t, config.AuctionConfig{})
	f.clock.Set(time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC))
	a := f.create(t, "100")
	f.bid(t, a.ID, "alice", "")
	ctx := context.Background()

	if _, err := f.actor.CloseAuction(ctx, a.ID, "SOLD"); err != nil {
		t.Fatal(err)
	}

	// Postgres keeps winner_bid_time at microseconds; bids keep nanoseconds.
	stored, err := f.repos.Auctions.Load(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	truncated := stored.WinnerBidTime.Truncate(time.Microsecond)
	stored.WinnerBidTime = &truncated
	if err := f.repos.Auctions.Save(ctx, stored); err != nil {
		t.Fatal(err)
	}

	res, err := f.actor.CloseAuction(ctx, a.ID, "EXPIRED")
	if err != nil {
		t.Fatal(err)
	}
	if res.Closed {
		t.Error("second close reported Closed")
	}
	if res.Winner == nil || res.Winner.Bidder != "alice" || !res.Winner.Amount.Equal(dec("150")) {
		t.Errorf("winner = %+v, want alice at 150", res.Winner)
	}
}

func TestCloseAuction_NoWinner(t *testing.T) {
	t.Run("no bids", func(t *testing.T) {
		f := newFixture(t, config.AuctionConfig{})
		a := f.create(t, "100")
		res, err := f.actor.CloseAuction(context.Background(), a.ID, "timer")
		if err != nil {
			t.Fatal(err)
		}
		if res.Winner != nil || res.Auction.Winner != "" {
			t.Errorf("winner = %+v, want none", res.Winner)
		}
		if res.Auction.Status != store.StatusEnded {
			t.Errorf("status = %s, want ENDED", res.Auction.Status)
		}
	})

	t.Run("reserve not met", func(t *testing.T) {
		f := newFixture(t, config.AuctionConfig{})
		a := f.create(t, "100")
		f.bid(t, a.ID, "alice", "")
		if _, err := f.actor.MarkReserveNotMet(context.Background(), a.ID, "admin-1"); err != nil {
			t.Fatal(err)
		}
		res, err := f.actor.CloseAuction(context.Background(), a.ID, "timer")
		if err != nil {
			t.Fatal(err)
		}
		if res.Winner != nil || res.Auction.Winner != "" || res.Auction.WinnerBidTime != nil {
			t.Errorf("winner = %q, want none", res.Auction.Winner)
		}
		if len(res.Auction.Bids) != 1 {
			t.Errorf("bids = %d, want 1", len(res.Auction.Bids))
		}
	})
}

func TestMarkReserveNotMet_KeepsAuctionActive(t *testing.T) {
	f := newFixture(t, config.AuctionConfig{})
	a := f.create(t, "100")
	got, err := f.actor.MarkReserveNotMet(context.Background(), a.ID, "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusActive || got.ReserveMet {
		t.Errorf("status=%s reserveMet=%v, want ACTIVE/false", got.Status, got.ReserveMet)
	}
}

// --- auxiliary operations ---

func TestAuxiliaryOperations(t *testing.T) {
	f := newFixture(t, config.AuctionConfig{})
	a := f.create(t, "100")
	ctx := context.Background()

	if _, err := f.actor.AddParticipant(ctx, a.ID, "carol"); err != nil {
		t.Fatal(err)
	}
	got, err := f.actor.AddParticipant(ctx, a.ID, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Participants) != 1 {
		t.Errorf("participants = %v, want [carol]", got.Participants)
	}

	got, err = f.actor.AppendLog(ctx, a.ID, store.LogEntry{Kind: store.LogMessage, Actor: "clerk-1", Message: "going once"})
	if err != nil {
		t.Fatal(err)
	}
	if last := got.BidLogs[len(got.BidLogs)-1]; last.Time.IsZero() || last.Message != "going once" {
		t.Errorf("log entry = %+v", last)
	}

	if _, err := f.actor.RecordPaymentLink(ctx, a.ID, "https://pay.example/1"); err != nil {
		t.Fatal(err)
	}
	got, err = f.actor.MarkNotified(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.NotificationSent || got.PaymentLink != "https://pay.example/1" {
		t.Errorf("notified=%v link=%q", got.NotificationSent, got.PaymentLink)
	}
}

func TestNextLot(t *testing.T) {
	f := newFixture(t, config.AuctionConfig{})
	first := f.create(t, "100")
	second := f.create(t, "100")

	next, err := f.actor.NextLot(context.Background(), first)
	if err != nil {
		t.Fatal(err)
	}
	if next.ID != second.ID {
		t.Errorf("next = %s, want %s", next.LotNumber, second.LotNumber)
	}
	if _, err := f.actor.NextLot(context.Background(), second); !errors.Is(err, auction.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{auction.ErrNotFound, auction.CodeNotFound},
		{fmt.Errorf("wrapped: %w", auction.ErrBidTooLow), auction.CodeBidTooLow},
		{auction.ErrDuplicateBid, auction.CodeDuplicateBid},
		{auction.ErrTimeout, auction.CodeTimeout},
		{auction.ErrGatewayFailure, auction.CodeGatewayFailure},
		{errors.New("boom"), auction.CodeInternal},
	}
	for _, tt := range tests {
		if got := auction.Code(tt.err); got != tt.want {
			t.Errorf("Code(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
