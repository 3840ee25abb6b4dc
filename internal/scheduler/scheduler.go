// Package scheduler runs the periodic auction lifecycle sweep: it closes
// timed auctions whose end date has passed and retries winner notification
// for ended auctions that have not been settled yet.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-co-op/gocron/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/bidengine/internal/clock"
	"github.com/jensholdgaard/bidengine/internal/config"
	"github.com/jensholdgaard/bidengine/internal/increment"
	"github.com/jensholdgaard/bidengine/internal/lock"
	"github.com/jensholdgaard/bidengine/internal/store"
)

const instrumentationName = "github.com/jensholdgaard/bidengine/internal/scheduler"

// AuctionSettler settles one auction.
type AuctionSettler interface {
	Settle(ctx context.Context, auctionID string) error
}

// Params holds the Scheduler's collaborators.
type Params struct {
	Auctions   store.AuctionRepository
	Increments *increment.Resolver
	Settler    AuctionSettler
	// Locker guards a tick across replicas. Nil means lock.Nop.
	Locker lock.Locker
	Config config.SchedulerConfig
	Logger *slog.Logger
	Tracer trace.TracerProvider
	Clock  clock.Clock
}

// Scheduler drives the sweep.
type Scheduler struct {
	auctions   store.AuctionRepository
	increments *increment.Resolver
	settler    AuctionSettler
	locker     lock.Locker
	cfg        config.SchedulerConfig
	logger     *slog.Logger
	tracer     trace.Tracer
	clock      clock.Clock
}

// New creates a Scheduler.
func New(p Params) *Scheduler {
	locker := p.Locker
	if locker == nil {
		locker = lock.Nop{}
	}
	return &Scheduler{
		auctions:   p.Auctions,
		increments: p.Increments,
		settler:    p.Settler,
		locker:     locker,
		cfg:        p.Config,
		logger:     p.Logger,
		tracer:     p.Tracer.Tracer(instrumentationName),
		clock:      p.Clock,
	}
}

// Run ticks every configured interval until ctx is cancelled. A tick that
// is still running when the next one is due causes that one to be skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}

	_, err = cron.NewJob(
		gocron.DurationJob(s.cfg.Interval),
		gocron.NewTask(func() {
			if err := s.Tick(ctx); err != nil {
				s.logger.ErrorContext(ctx, "auction sweep failed", slog.Any("error", err))
			}
		}),
		gocron.WithName("auction-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}

	s.logger.InfoContext(ctx, "scheduler started", slog.Duration("interval", s.cfg.Interval))
	cron.Start()
	<-ctx.Done()

	if err := cron.Shutdown(); err != nil {
		return fmt.Errorf("stopping scheduler: %w", err)
	}
	s.logger.InfoContext(ctx, "scheduler stopped")
	return nil
}

// Tick runs one sweep. Per-auction failures are logged and left for the
// next tick; only a failure to read the work list is returned.
func (s *Scheduler) Tick(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "Scheduler.Tick")
	defer span.End()

	unlock, ok, err := s.locker.TryLock(ctx)
	if err != nil {
		return fmt.Errorf("acquiring tick lock: %w", err)
	}
	if !ok {
		s.logger.DebugContext(ctx, "tick lock held elsewhere; skipping sweep")
		return nil
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.WarnContext(ctx, "failed to release tick lock", slog.Any("error", err))
		}
	}()

	if err := s.increments.Reload(ctx); err != nil {
		s.logger.WarnContext(ctx, "failed to reload increment table; keeping previous", slog.Any("error", err))
	}

	due, err := s.due(ctx)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("auctions.due", len(due)))

	failed := 0
	for _, id := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.settler.Settle(ctx, id); err != nil {
			failed++
			s.logger.WarnContext(ctx, "settlement failed; will retry",
				slog.String("auction_id", id),
				slog.Any("error", err),
			)
		}
	}
	if len(due) > 0 {
		s.logger.InfoContext(ctx, "auction sweep complete",
			slog.Int("due", len(due)),
			slog.Int("failed", failed),
		)
	}
	return nil
}

// due lists expired active auctions followed by unsettled ended ones,
// without repeats.
func (s *Scheduler) due(ctx context.Context) ([]string, error) {
	expired, err := s.auctions.FindExpiredActive(ctx, s.clock.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("finding expired auctions: %w", err)
	}
	pending, err := s.auctions.FindEndedUnnotified(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding unsettled auctions: %w", err)
	}

	seen := make(map[string]struct{}, len(expired)+len(pending))
	ids := make([]string, 0, len(expired)+len(pending))
	for _, list := range [][]store.Auction{expired, pending} {
		for _, a := range list {
			if _, dup := seen[a.ID]; dup {
				continue
			}
			seen[a.ID] = struct{}{}
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}
