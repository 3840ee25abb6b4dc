package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/bidengine/internal/clock"
	"github.com/jensholdgaard/bidengine/internal/store"
)

// AuctionRepo implements store.AuctionRepository with sqlx.
type AuctionRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewAuctionRepo returns a new AuctionRepo.
func NewAuctionRepo(db *sqlx.DB, clk clock.Clock) *AuctionRepo {
	return &AuctionRepo{db: db, clock: clk}
}

const auctionColumns = `id, lot_number, lot_seq, product_ref, category_ref, auction_type,
	start_date, end_date, status, starting_bid, current_bid, current_bidder,
	min_bid_increment, bids, participants, reserve_met, winner, winner_bid_time,
	notification_sent, payment_link, bid_logs, version, created_at, updated_at`

func (r *AuctionRepo) Create(ctx context.Context, a *store.Auction) error {
	now := r.clock.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	a.Version = 1
	if a.Status == "" {
		a.Status = store.StatusActive
	}
	if a.CurrentBid.IsZero() {
		a.CurrentBid = a.StartingBid
	}
	if a.Bids == nil {
		a.Bids = store.Bids{}
	}
	if a.BidLogs == nil {
		a.BidLogs = store.LogEntries{}
	}
	if a.Participants == nil {
		a.Participants = []string{}
	}

	query := `INSERT INTO auctions (product_ref, category_ref, auction_type, start_date, end_date,
		status, starting_bid, current_bid, current_bidder, min_bid_increment, bids, participants,
		reserve_met, bid_logs, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id, lot_seq, lot_number`
	return r.db.QueryRowContext(ctx, query,
		a.ProductRef, a.CategoryRef, a.Type, a.StartDate, a.EndDate,
		a.Status, a.StartingBid, a.CurrentBid, a.CurrentBidder, a.MinBidIncrement, a.Bids, a.Participants,
		a.ReserveMet, a.BidLogs, a.Version, a.CreatedAt, a.UpdatedAt,
	).Scan(&a.ID, &a.LotSeq, &a.LotNumber)
}

func (r *AuctionRepo) Load(ctx context.Context, id string) (*store.Auction, error) {
	var a store.Auction
	err := r.db.GetContext(ctx, &a, `SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting auction: %w", err)
	}
	return &a, nil
}

func (r *AuctionRepo) Save(ctx context.Context, a *store.Auction) error {
	now := r.clock.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`UPDATE auctions SET
			status = $1, current_bid = $2, current_bidder = $3, min_bid_increment = $4,
			bids = $5, participants = $6, reserve_met = $7, winner = $8, winner_bid_time = $9,
			notification_sent = $10, payment_link = $11, bid_logs = $12,
			version = version + 1, updated_at = $13
		 WHERE id = $14 AND version = $15`,
		a.Status, a.CurrentBid, a.CurrentBidder, a.MinBidIncrement,
		a.Bids, a.Participants, a.ReserveMet, a.Winner, a.WinnerBidTime,
		a.NotificationSent, a.PaymentLink, a.BidLogs,
		now, a.ID, a.Version,
	)
	if err != nil {
		return fmt.Errorf("saving auction: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("auction %s at version %d: %w", a.ID, a.Version, store.ErrVersionConflict)
	}
	a.Version++
	a.UpdatedAt = now
	return nil
}

func (r *AuctionRepo) FindExpiredActive(ctx context.Context, now time.Time) ([]store.Auction, error) {
	var auctions []store.Auction
	err := r.db.SelectContext(ctx, &auctions,
		`SELECT `+auctionColumns+` FROM auctions
		 WHERE status = 'ACTIVE' AND auction_type = 'TIMED' AND end_date <= $1
		 ORDER BY lot_seq ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("finding expired auctions: %w", err)
	}
	return auctions, nil
}

func (r *AuctionRepo) FindEndedUnnotified(ctx context.Context) ([]store.Auction, error) {
	var auctions []store.Auction
	err := r.db.SelectContext(ctx, &auctions,
		`SELECT `+auctionColumns+` FROM auctions
		 WHERE status = 'ENDED' AND notification_sent = FALSE
		 ORDER BY lot_seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("finding unnotified auctions: %w", err)
	}
	return auctions, nil
}

func (r *AuctionRepo) NextLot(ctx context.Context, afterSeq int64) (*store.Auction, error) {
	var a store.Auction
	err := r.db.GetContext(ctx, &a,
		`SELECT `+auctionColumns+` FROM auctions
		 WHERE status = 'ACTIVE' AND lot_seq > $1
		 ORDER BY lot_seq ASC LIMIT 1`, afterSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lot after %d: %w", afterSeq, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting next lot: %w", err)
	}
	return &a, nil
}
