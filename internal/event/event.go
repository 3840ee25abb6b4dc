package event

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Type identifies an event kind.
type Type string

const (
	BidAccepted    Type = "auction.bid_accepted"
	BidRemoved     Type = "auction.bid_removed"
	AuctionClosed  Type = "auction.closed"
	ReserveNotMet  Type = "auction.reserve_not_met"
	WinnerNotified Type = "auction.winner_notified"
)

// Event represents a single domain event.
type Event struct {
	ID          string          `json:"id"`
	AggregateID string          `json:"aggregate_id"`
	Type        Type            `json:"type"`
	Data        json.RawMessage `json:"data"`
	Version     int             `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
}

// BidAcceptedData is the payload for BidAccepted events.
type BidAcceptedData struct {
	Bidder         string          `json:"bidder"`
	Amount         decimal.Decimal `json:"amount"`
	Increment      decimal.Decimal `json:"increment"`
	BidType        string          `json:"bid_type"`
	PreviousBidder string          `json:"previous_bidder,omitempty"`
}

// BidRemovedData is the payload for BidRemoved events.
type BidRemovedData struct {
	Bidder        string          `json:"bidder"`
	Amount        decimal.Decimal `json:"amount"`
	CurrentBid    decimal.Decimal `json:"current_bid"`
	CurrentBidder string          `json:"current_bidder,omitempty"`
}

// AuctionClosedData is the payload for AuctionClosed events.
type AuctionClosedData struct {
	Reason   string          `json:"reason"`
	WinnerID string          `json:"winner_id,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
}

// WinnerNotifiedData is the payload for WinnerNotified events.
type WinnerNotifiedData struct {
	WinnerID    string `json:"winner_id"`
	PaymentLink string `json:"payment_link"`
}
