package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/bidengine/internal/auction"
	"github.com/jensholdgaard/bidengine/internal/notify"
	"github.com/jensholdgaard/bidengine/internal/payment"
	"github.com/jensholdgaard/bidengine/internal/store"
)

// ReasonExpired is the close reason recorded when an auction runs out of
// time.
const ReasonExpired = "EXPIRED"

// Announcer tells watchers that an auction has closed.
type Announcer interface {
	AnnounceClose(ctx context.Context, res *auction.CloseResult)
}

// SettlerParams holds the Settler's collaborators.
type SettlerParams struct {
	Actor     *auction.Actor
	Catalog   store.CatalogRepository
	Payments  payment.Gateway
	Notifier  notify.Notifier
	Announcer Announcer
	Currency  string
	Logger    *slog.Logger
	Tracer    trace.TracerProvider
}

// Settler closes an auction and hands its winner over to payment and
// notification. Settle is idempotent and may be called repeatedly for the
// same auction until NotificationSent is set.
type Settler struct {
	actor     *auction.Actor
	catalog   store.CatalogRepository
	payments  payment.Gateway
	notifier  notify.Notifier
	announcer Announcer
	currency  string
	logger    *slog.Logger
	tracer    trace.Tracer

	inflight sync.Map // auction id -> struct{}
}

// NewSettler creates a Settler.
func NewSettler(p SettlerParams) *Settler {
	return &Settler{
		actor:     p.Actor,
		catalog:   p.Catalog,
		payments:  p.Payments,
		notifier:  p.Notifier,
		announcer: p.Announcer,
		currency:  p.Currency,
		logger:    p.Logger,
		tracer:    p.Tracer.Tracer(instrumentationName),
	}
}

// Settle closes auction id if it is still active and notifies its winner.
// A call for an auction that is already being settled returns immediately.
func (s *Settler) Settle(ctx context.Context, id string) error {
	if _, busy := s.inflight.LoadOrStore(id, struct{}{}); busy {
		s.logger.DebugContext(ctx, "settlement already in progress", slog.String("auction_id", id))
		return nil
	}
	defer s.inflight.Delete(id)

	ctx, span := s.tracer.Start(ctx, "Settler.Settle",
		trace.WithAttributes(attribute.String("auction.id", id)),
	)
	defer span.End()

	res, err := s.actor.CloseAuction(ctx, id, ReasonExpired)
	if err != nil {
		return fmt.Errorf("closing auction %s: %w", id, err)
	}
	if res.Closed && s.announcer != nil {
		s.announcer.AnnounceClose(ctx, res)
	}

	a := res.Auction
	if a.NotificationSent {
		return nil
	}
	if a.Winner == "" {
		// Nothing to hand over; mark it so the sweep stops revisiting it.
		if _, err := s.actor.MarkNotified(ctx, id); err != nil {
			return fmt.Errorf("marking auction %s settled: %w", id, err)
		}
		return nil
	}

	amount := a.CurrentBid
	if res.Winner != nil {
		amount = res.Winner.Amount
	}

	link := a.PaymentLink
	if link == "" {
		link, err = s.payments.CreatePayableLink(ctx, payment.LinkRequest{
			Amount:    amount,
			Currency:  s.currency,
			ItemLabel: s.itemLabel(ctx, a),
			Metadata: map[string]string{
				"auction_id": a.ID,
				"lot_number": a.LotNumber,
				"winner":     a.Winner,
			},
			IdempotencyKey: a.ID,
		})
		if err != nil {
			return fmt.Errorf("creating payment link for auction %s: %v: %w", id, err, auction.ErrGatewayFailure)
		}
		if _, err := s.actor.RecordPaymentLink(ctx, id, link); err != nil {
			return fmt.Errorf("recording payment link for auction %s: %w", id, err)
		}
	}

	err = s.notifier.DeliverWinNotice(ctx, notify.WinNotice{
		Recipient: a.Winner,
		LinkURL:   link,
		LotLabel:  a.LotNumber,
		Amount:    amount,
		ItemLabel: s.itemLabel(ctx, a),
	})
	if err != nil {
		return fmt.Errorf("notifying winner of auction %s: %v: %w", id, err, auction.ErrGatewayFailure)
	}

	if _, err := s.actor.MarkNotified(ctx, id); err != nil {
		return fmt.Errorf("marking auction %s notified: %w", id, err)
	}
	s.logger.InfoContext(ctx, "winner notified",
		slog.String("auction_id", id),
		slog.String("winner", a.Winner),
		slog.String("amount", amount.String()),
	)
	return nil
}

// itemLabel prefers the catalog title and falls back to the lot number.
func (s *Settler) itemLabel(ctx context.Context, a *store.Auction) string {
	if s.catalog == nil || a.ProductRef == "" {
		return a.LotNumber
	}
	p, err := s.catalog.Lookup(ctx, a.ProductRef, a.CategoryRef)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.WarnContext(ctx, "catalog lookup failed",
				slog.String("product_ref", a.ProductRef),
				slog.Any("error", err),
			)
		}
		return a.LotNumber
	}
	if p.Title == "" {
		return a.LotNumber
	}
	return p.Title
}
