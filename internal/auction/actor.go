// Package auction serializes every mutation of an auction. Each operation
// runs with exclusive access to one auction id, works on a fresh copy
// loaded from the store and commits it with a single Save; a failed Save
// leaves the stored auction untouched.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/bidengine/internal/clock"
	"github.com/jensholdgaard/bidengine/internal/config"
	"github.com/jensholdgaard/bidengine/internal/event"
	"github.com/jensholdgaard/bidengine/internal/increment"
	"github.com/jensholdgaard/bidengine/internal/store"
)

const instrumentationName = "github.com/jensholdgaard/bidengine/internal/auction"

// ModeSource reports the ephemeral bid mode of an auction.
type ModeSource interface {
	Mode(auctionID string) (store.BidType, bool)
}

type noModes struct{}

func (noModes) Mode(string) (store.BidType, bool) { return "", false }

// Params holds the Actor's collaborators.
type Params struct {
	Auctions   store.AuctionRepository
	Increments *increment.Resolver
	Modes      ModeSource
	Publisher  event.Publisher
	Config     config.AuctionConfig
	Logger     *slog.Logger
	Tracer     trace.TracerProvider
	Meter      metric.MeterProvider
	Clock      clock.Clock
}

// Actor is the serialization boundary for auction state.
type Actor struct {
	auctions   store.AuctionRepository
	increments *increment.Resolver
	modes      ModeSource
	publisher  event.Publisher
	locks      *lockTable

	lockTimeout     time.Duration
	duplicateWindow time.Duration

	logger *slog.Logger
	tracer trace.Tracer
	clock  clock.Clock

	accepted metric.Int64Counter
	rejected metric.Int64Counter
	lockWait metric.Float64Histogram
}

// New creates an Actor.
func New(p Params) (*Actor, error) {
	meter := p.Meter.Meter(instrumentationName)
	accepted, err := meter.Int64Counter("bidengine.bids.accepted",
		metric.WithDescription("Bids committed to an auction"))
	if err != nil {
		return nil, fmt.Errorf("creating accepted counter: %w", err)
	}
	rejected, err := meter.Int64Counter("bidengine.bids.rejected",
		metric.WithDescription("Bids rejected, by error code"))
	if err != nil {
		return nil, fmt.Errorf("creating rejected counter: %w", err)
	}
	lockWait, err := meter.Float64Histogram("bidengine.lock.wait",
		metric.WithDescription("Time spent waiting for exclusive access to an auction"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("creating lock wait histogram: %w", err)
	}

	pub := p.Publisher
	if pub == nil {
		pub = event.NopPublisher{}
	}
	modes := p.Modes
	if modes == nil {
		modes = noModes{}
	}

	return &Actor{
		auctions:        p.Auctions,
		increments:      p.Increments,
		modes:           modes,
		publisher:       pub,
		locks:           newLockTable(),
		lockTimeout:     p.Config.LockTimeout,
		duplicateWindow: p.Config.DuplicateWindow,
		logger:          p.Logger,
		tracer:          p.Tracer.Tracer(instrumentationName),
		clock:           p.Clock,
		accepted:        accepted,
		rejected:        rejected,
		lockWait:        lockWait,
	}, nil
}

// mutation edits a loaded auction in place. Returning save=false skips the
// write, for operations that turn out to be no-ops.
type mutation func(a *store.Auction) (save bool, err error)

// with runs fn with exclusive access to auction id and persists the result.
func (x *Actor) with(ctx context.Context, id string, fn mutation) (*store.Auction, error) {
	lockCtx, cancel := context.WithTimeout(ctx, x.lockTimeout)
	defer cancel()

	start := time.Now()
	release, err := x.locks.acquire(lockCtx, id)
	x.lockWait.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("auction %s: %w", id, ErrTimeout)
	}
	defer release()

	a, err := x.load(ctx, id)
	if err != nil {
		return nil, err
	}
	save, err := fn(a)
	if err != nil {
		return nil, err
	}
	if !save {
		return a, nil
	}
	if err := x.auctions.Save(ctx, a); err != nil {
		return nil, fmt.Errorf("saving auction %s: %w", id, err)
	}
	return a, nil
}

func (x *Actor) load(ctx context.Context, id string) (*store.Auction, error) {
	a, err := x.auctions.Load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("auction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading auction %s: %w", id, err)
	}
	return a, nil
}

// BidRequest describes one bid submission.
type BidRequest struct {
	AuctionID string
	Bidder    string
	Role      store.Role
	Type      store.BidType
	// Amount is the proposed bid. Nil asks for the minimum raise.
	Amount        *decimal.Decimal
	SourceAddress string
}

// BidResult is returned for an accepted bid.
type BidResult struct {
	Amount         decimal.Decimal
	Increment      decimal.Decimal
	PreviousBidder string
	Auction        *store.Auction
}

// PlaceBid validates and commits a bid.
func (x *Actor) PlaceBid(ctx context.Context, req BidRequest) (*BidResult, error) {
	ctx, span := x.tracer.Start(ctx, "Actor.PlaceBid",
		trace.WithAttributes(
			attribute.String("auction.id", req.AuctionID),
			attribute.String("bidder", req.Bidder),
			attribute.String("bid.type", string(req.Type)),
		),
	)
	defer span.End()

	var res BidResult
	a, err := x.with(ctx, req.AuctionID, func(a *store.Auction) (bool, error) {
		if a.Status != store.StatusActive {
			return false, ErrNotActive
		}
		if err := authorizeBid(req.Type, req.Role); err != nil {
			return false, err
		}
		if req.Type == store.BidCompetitor {
			if mode, ok := x.modes.Mode(a.ID); !ok || mode != store.BidCompetitor {
				return false, ErrWrongMode
			}
		}

		candidate := a.CurrentBid.Add(x.increments.Resolve(a.CurrentBid))
		if req.Amount != nil {
			candidate = *req.Amount
		}
		if candidate.LessThanOrEqual(a.CurrentBid) {
			return false, fmt.Errorf("%s does not exceed %s: %w", candidate, a.CurrentBid, ErrBidTooLow)
		}
		amount, inc := x.increments.RoundUp(candidate)

		now := x.clock.Now().UTC()
		if x.isDuplicate(a, req.Bidder, amount, now) {
			return false, ErrDuplicateBid
		}

		res.PreviousBidder = a.CurrentBidder
		res.Amount = amount
		res.Increment = inc

		a.Bids = append(a.Bids, store.Bid{
			Bidder:        req.Bidder,
			Amount:        amount,
			Time:          now,
			Type:          req.Type,
			Role:          req.Role,
			SourceAddress: req.SourceAddress,
		})
		a.CurrentBid = amount
		a.CurrentBidder = req.Bidder
		a.MinBidIncrement = inc
		addParticipant(a, req.Bidder)
		a.BidLogs = append(a.BidLogs, store.LogEntry{
			Kind:    store.LogBid,
			Actor:   req.Bidder,
			Message: fmt.Sprintf("%s bid", req.Type),
			Amount:  &amount,
			Time:    now,
		})
		return true, nil
	})
	if err != nil {
		x.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("code", Code(err))))
		x.logger.InfoContext(ctx, "bid rejected",
			slog.String("auction_id", req.AuctionID),
			slog.String("bidder", req.Bidder),
			slog.String("code", Code(err)),
			slog.Any("error", err),
		)
		return nil, err
	}
	res.Auction = a
	x.accepted.Add(ctx, 1, metric.WithAttributes(attribute.String("bid.type", string(req.Type))))

	x.logger.InfoContext(ctx, "bid accepted",
		slog.String("auction_id", a.ID),
		slog.String("bidder", req.Bidder),
		slog.String("amount", res.Amount.String()),
	)
	x.publish(ctx, a, event.BidAccepted, event.BidAcceptedData{
		Bidder:         req.Bidder,
		Amount:         res.Amount,
		Increment:      res.Increment,
		BidType:        string(req.Type),
		PreviousBidder: res.PreviousBidder,
	})
	return &res, nil
}

// authorizeBid enforces that competitor bids come from staff and online
// bids do not.
func authorizeBid(t store.BidType, r store.Role) error {
	switch t {
	case store.BidCompetitor:
		if !r.IsStaff() {
			return fmt.Errorf("competitor bid from role %q: %w", r, ErrUnauthorized)
		}
	case store.BidOnline:
		if r.IsStaff() {
			return fmt.Errorf("online bid from role %q: %w", r, ErrUnauthorized)
		}
	default:
		return fmt.Errorf("unknown bid type %q: %w", t, ErrUnauthorized)
	}
	return nil
}

// isDuplicate reports whether the latest bid has the same bidder and final
// amount and was recorded within the duplicate window.
func (x *Actor) isDuplicate(a *store.Auction, bidder string, amount decimal.Decimal, now time.Time) bool {
	last := a.LastBid()
	if last == nil || last.Bidder != bidder || !last.Amount.Equal(amount) {
		return false
	}
	return now.Sub(last.Time) < x.duplicateWindow
}

// RemoveResult is returned by RemoveLatestBid.
type RemoveResult struct {
	Removed store.Bid
	Auction *store.Auction
}

// RemoveLatestBid pops the most recent bid and restores the previous high
// bid, or the starting bid when none remain.
func (x *Actor) RemoveLatestBid(ctx context.Context, id, actor string) (*RemoveResult, error) {
	ctx, span := x.tracer.Start(ctx, "Actor.RemoveLatestBid",
		trace.WithAttributes(attribute.String("auction.id", id)),
	)
	defer span.End()

	var removed store.Bid
	a, err := x.with(ctx, id, func(a *store.Auction) (bool, error) {
		if a.Status != store.StatusActive {
			return false, ErrNotActive
		}
		if len(a.Bids) == 0 {
			return false, ErrNoBids
		}
		removed = a.Bids[len(a.Bids)-1]
		a.Bids = a.Bids[:len(a.Bids)-1]

		if tail := a.LastBid(); tail != nil {
			a.CurrentBid = tail.Amount
			a.CurrentBidder = tail.Bidder
		} else {
			a.CurrentBid = a.StartingBid
			a.CurrentBidder = ""
		}
		a.MinBidIncrement = x.increments.Resolve(a.CurrentBid)

		amount := removed.Amount
		a.BidLogs = append(a.BidLogs, store.LogEntry{
			Kind:    store.LogRemoval,
			Actor:   actor,
			Message: fmt.Sprintf("removed bid by %s", removed.Bidder),
			Amount:  &amount,
			Time:    x.clock.Now().UTC(),
		})
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	x.logger.InfoContext(ctx, "latest bid removed",
		slog.String("auction_id", id),
		slog.String("bidder", removed.Bidder),
		slog.String("amount", removed.Amount.String()),
		slog.String("actor", actor),
	)
	x.publish(ctx, a, event.BidRemoved, event.BidRemovedData{
		Bidder:        removed.Bidder,
		Amount:        removed.Amount,
		CurrentBid:    a.CurrentBid,
		CurrentBidder: a.CurrentBidder,
	})
	return &RemoveResult{Removed: removed, Auction: a}, nil
}

// CloseResult is returned by CloseAuction.
type CloseResult struct {
	// Winner is the winning bid, nil when the auction closed without one.
	Winner *store.Bid
	// Closed is true when this call ended the auction.
	Closed  bool
	Auction *store.Auction
}

// CloseAuction ends an auction and determines its winner. Closing an ended
// auction returns the existing outcome without writing.
func (x *Actor) CloseAuction(ctx context.Context, id, reason string) (*CloseResult, error) {
	ctx, span := x.tracer.Start(ctx, "Actor.CloseAuction",
		trace.WithAttributes(
			attribute.String("auction.id", id),
			attribute.String("reason", reason),
		),
	)
	defer span.End()

	closed := false
	a, err := x.with(ctx, id, func(a *store.Auction) (bool, error) {
		if a.Status == store.StatusEnded {
			return false, nil
		}
		now := x.clock.Now().UTC()
		a.Status = store.StatusEnded
		if w := highestBid(a.Bids); w != nil && a.ReserveMet {
			a.Winner = w.Bidder
			t := w.Time
			a.WinnerBidTime = &t
		}
		a.BidLogs = append(a.BidLogs, store.LogEntry{
			Kind:    store.LogClose,
			Message: reason,
			Time:    now,
		})
		closed = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	res := &CloseResult{Winner: winningBid(a), Closed: closed, Auction: a}
	if !closed {
		return res, nil
	}

	data := event.AuctionClosedData{Reason: reason, WinnerID: a.Winner}
	if res.Winner != nil {
		data.Amount = res.Winner.Amount
	}
	x.logger.InfoContext(ctx, "auction closed",
		slog.String("auction_id", id),
		slog.String("reason", reason),
		slog.String("winner", a.Winner),
		slog.Bool("reserve_met", a.ReserveMet),
	)
	x.publish(ctx, a, event.AuctionClosed, data)
	return res, nil
}

// highestBid returns the maximum-amount bid, ties going to the earliest.
func highestBid(bids store.Bids) *store.Bid {
	var best *store.Bid
	for i := range bids {
		b := &bids[i]
		switch {
		case best == nil, b.Amount.GreaterThan(best.Amount):
			best = b
		case b.Amount.Equal(best.Amount) && b.Time.Before(best.Time):
			best = b
		}
	}
	return best
}

// winningBid locates the recorded winner's bid on an ended auction. Bids
// are frozen once the auction ends, so the winner is recomputed rather than
// matched on WinnerBidTime, which the store may keep at lower precision.
func winningBid(a *store.Auction) *store.Bid {
	if a.Status != store.StatusEnded || a.Winner == "" {
		return nil
	}
	w := highestBid(a.Bids)
	if w == nil || w.Bidder != a.Winner {
		return nil
	}
	b := *w
	return &b
}

// MarkReserveNotMet clears the reserve flag so that closing yields no
// winner. The auction stays active.
func (x *Actor) MarkReserveNotMet(ctx context.Context, id, actor string) (*store.Auction, error) {
	ctx, span := x.tracer.Start(ctx, "Actor.MarkReserveNotMet",
		trace.WithAttributes(attribute.String("auction.id", id)),
	)
	defer span.End()

	a, err := x.with(ctx, id, func(a *store.Auction) (bool, error) {
		if a.Status != store.StatusActive {
			return false, ErrNotActive
		}
		a.ReserveMet = false
		a.BidLogs = append(a.BidLogs, store.LogEntry{
			Kind:    store.LogAdmin,
			Actor:   actor,
			Message: "RESERVE_NOT_MET",
			Time:    x.clock.Now().UTC(),
		})
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	x.publish(ctx, a, event.ReserveNotMet, struct {
		Actor string `json:"actor"`
	}{Actor: actor})
	return a, nil
}

// AppendLog adds an entry to the audit trail. A zero Time is stamped with
// the current time.
func (x *Actor) AppendLog(ctx context.Context, id string, entry store.LogEntry) (*store.Auction, error) {
	ctx, span := x.tracer.Start(ctx, "Actor.AppendLog",
		trace.WithAttributes(
			attribute.String("auction.id", id),
			attribute.String("log.kind", string(entry.Kind)),
		),
	)
	defer span.End()

	if entry.Time.IsZero() {
		entry.Time = x.clock.Now().UTC()
	}
	return x.with(ctx, id, func(a *store.Auction) (bool, error) {
		a.BidLogs = append(a.BidLogs, entry)
		return true, nil
	})
}

// AddParticipant records identity as having engaged with the auction.
func (x *Actor) AddParticipant(ctx context.Context, id, identity string) (*store.Auction, error) {
	ctx, span := x.tracer.Start(ctx, "Actor.AddParticipant",
		trace.WithAttributes(attribute.String("auction.id", id)),
	)
	defer span.End()

	return x.with(ctx, id, func(a *store.Auction) (bool, error) {
		return addParticipant(a, identity), nil
	})
}

func addParticipant(a *store.Auction, identity string) bool {
	if identity == "" || a.HasParticipant(identity) {
		return false
	}
	a.Participants = append(a.Participants, identity)
	return true
}

// RecordPaymentLink stores the payable link created for the winner.
func (x *Actor) RecordPaymentLink(ctx context.Context, id, link string) (*store.Auction, error) {
	ctx, span := x.tracer.Start(ctx, "Actor.RecordPaymentLink",
		trace.WithAttributes(attribute.String("auction.id", id)),
	)
	defer span.End()

	return x.with(ctx, id, func(a *store.Auction) (bool, error) {
		if a.PaymentLink == link {
			return false, nil
		}
		a.PaymentLink = link
		return true, nil
	})
}

// MarkNotified sets the notification guard once the winner has been told.
func (x *Actor) MarkNotified(ctx context.Context, id string) (*store.Auction, error) {
	ctx, span := x.tracer.Start(ctx, "Actor.MarkNotified",
		trace.WithAttributes(attribute.String("auction.id", id)),
	)
	defer span.End()

	a, err := x.with(ctx, id, func(a *store.Auction) (bool, error) {
		if a.NotificationSent {
			return false, nil
		}
		a.NotificationSent = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	x.publish(ctx, a, event.WinnerNotified, event.WinnerNotifiedData{
		WinnerID:    a.Winner,
		PaymentLink: a.PaymentLink,
	})
	return a, nil
}

// Snapshot returns the committed state of an auction. It does not wait for
// in-flight mutations.
func (x *Actor) Snapshot(ctx context.Context, id string) (*store.Auction, error) {
	ctx, span := x.tracer.Start(ctx, "Actor.Snapshot",
		trace.WithAttributes(attribute.String("auction.id", id)),
	)
	defer span.End()

	return x.load(ctx, id)
}

// NextLot returns the next active auction after a in lot order.
func (x *Actor) NextLot(ctx context.Context, a *store.Auction) (*store.Auction, error) {
	next, err := x.auctions.NextLot(ctx, a.LotSeq)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lot after %s: %w", a.LotNumber, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("finding lot after %s: %w", a.LotNumber, err)
	}
	return next, nil
}

func (x *Actor) publish(ctx context.Context, a *store.Auction, t event.Type, data any) {
	e, err := event.New(a.ID, t, a.Version, x.clock.Now(), data)
	if err == nil {
		err = x.publisher.Publish(ctx, e)
	}
	if err != nil {
		x.logger.WarnContext(ctx, "failed to publish event",
			slog.String("auction_id", a.ID),
			slog.String("type", string(t)),
			slog.Any("error", err),
		)
	}
}
