package store

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Errors returned by repositories.
var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
)

// AuctionType distinguishes clock-driven auctions from ones closed by staff.
type AuctionType string

const (
	AuctionLive  AuctionType = "LIVE"
	AuctionTimed AuctionType = "TIMED"
)

// Status is the lifecycle state of an auction. ACTIVE to ENDED is one-way.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusEnded  Status = "ENDED"
)

// BidType is the channel a bid was entered through. It doubles as the
// auction's bid mode.
type BidType string

const (
	BidOnline     BidType = "online"
	BidCompetitor BidType = "competitor"
)

// Role is the caller's role as reported by the identity provider.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleClerk  Role = "clerk"
	RoleBidder Role = "user"
)

// IsStaff reports whether the role may act on behalf of the auction house.
func (r Role) IsStaff() bool {
	return r == RoleAdmin || r == RoleClerk
}

// Bid is one accepted entry in an auction's bid history.
type Bid struct {
	Bidder        string          `json:"bidder"`
	Amount        decimal.Decimal `json:"amount"`
	Time          time.Time       `json:"time"`
	Type          BidType         `json:"type"`
	Role          Role            `json:"role"`
	SourceAddress string          `json:"source_address,omitempty"`
}

// LogKind classifies a bid log entry.
type LogKind string

const (
	LogBid     LogKind = "bid"
	LogRemoval LogKind = "removal"
	LogMessage LogKind = "message"
	LogMode    LogKind = "mode"
	LogAdmin   LogKind = "admin"
	LogClose   LogKind = "close"
)

// LogEntry is one line of the auction's audit trail.
type LogEntry struct {
	Kind    LogKind          `json:"kind"`
	Actor   string           `json:"actor,omitempty"`
	Message string           `json:"message,omitempty"`
	Amount  *decimal.Decimal `json:"amount,omitempty"`
	Time    time.Time        `json:"time"`
}

// Bids is the JSONB-encoded bid history column.
type Bids []Bid

// Value implements driver.Valuer.
func (b Bids) Value() (driver.Value, error) { return jsonValue(b) }

// Scan implements sql.Scanner.
func (b *Bids) Scan(src any) error { return jsonScan(src, b) }

// LogEntries is the JSONB-encoded audit trail column.
type LogEntries []LogEntry

// Value implements driver.Valuer.
func (l LogEntries) Value() (driver.Value, error) { return jsonValue(l) }

// Scan implements sql.Scanner.
func (l *LogEntries) Scan(src any) error { return jsonScan(src, l) }

func jsonValue(v any) (driver.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	// lib/pq sends []byte as bytea; JSONB columns need text.
	return string(data), nil
}

func jsonScan(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
}

// Auction is the durable state of one lot.
type Auction struct {
	ID               string          `db:"id" json:"id"`
	LotNumber        string          `db:"lot_number" json:"lot_number"`
	LotSeq           int64           `db:"lot_seq" json:"lot_seq"`
	ProductRef       string          `db:"product_ref" json:"product_ref"`
	CategoryRef      string          `db:"category_ref" json:"category_ref"`
	Type             AuctionType     `db:"auction_type" json:"auction_type"`
	StartDate        time.Time       `db:"start_date" json:"start_date"`
	EndDate          *time.Time      `db:"end_date" json:"end_date,omitempty"`
	Status           Status          `db:"status" json:"status"`
	StartingBid      decimal.Decimal `db:"starting_bid" json:"starting_bid"`
	CurrentBid       decimal.Decimal `db:"current_bid" json:"current_bid"`
	CurrentBidder    string          `db:"current_bidder" json:"current_bidder,omitempty"`
	MinBidIncrement  decimal.Decimal `db:"min_bid_increment" json:"min_bid_increment"`
	Bids             Bids            `db:"bids" json:"bids"`
	Participants     pq.StringArray  `db:"participants" json:"participants"`
	ReserveMet       bool            `db:"reserve_met" json:"reserve_met"`
	Winner           string          `db:"winner" json:"winner,omitempty"`
	WinnerBidTime    *time.Time      `db:"winner_bid_time" json:"winner_bid_time,omitempty"`
	NotificationSent bool            `db:"notification_sent" json:"notification_sent"`
	PaymentLink      string          `db:"payment_link" json:"payment_link,omitempty"`
	BidLogs          LogEntries      `db:"bid_logs" json:"bid_logs"`
	Version          int             `db:"version" json:"version"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate it without touching the
// original.
func (a *Auction) Clone() *Auction {
	c := *a
	c.Bids = append(Bids(nil), a.Bids...)
	c.Participants = append(pq.StringArray(nil), a.Participants...)
	c.BidLogs = append(LogEntries(nil), a.BidLogs...)
	if a.EndDate != nil {
		t := *a.EndDate
		c.EndDate = &t
	}
	if a.WinnerBidTime != nil {
		t := *a.WinnerBidTime
		c.WinnerBidTime = &t
	}
	return &c
}

// LastBid returns the tail of the bid history, or nil.
func (a *Auction) LastBid() *Bid {
	if len(a.Bids) == 0 {
		return nil
	}
	return &a.Bids[len(a.Bids)-1]
}

// HasParticipant reports whether id has engaged with the auction.
func (a *Auction) HasParticipant(id string) bool {
	for _, p := range a.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// User is an entry in the identity directory.
type User struct {
	ID          string `db:"id"`
	DisplayName string `db:"display_name"`
	Email       string `db:"email"`
	DiscordID   string `db:"discord_id"`
	Role        Role   `db:"role"`
}

// Product is the catalog view of a lot.
type Product struct {
	Ref      string          `db:"ref" json:"ref"`
	Title    string          `db:"title" json:"title"`
	Image    string          `db:"image" json:"image,omitempty"`
	Price    decimal.Decimal `db:"price" json:"price"`
	Category string          `db:"category" json:"category,omitempty"`
}

// IncrementRow is one row of the bid increment table.
type IncrementRow struct {
	PriceThreshold decimal.Decimal `db:"price_threshold"`
	Increment      decimal.Decimal `db:"increment"`
}

// AuctionRepository defines auction persistence operations.
type AuctionRepository interface {
	// Create inserts a new auction and assigns its ID and lot number.
	Create(ctx context.Context, a *Auction) error
	Load(ctx context.Context, id string) (*Auction, error)
	// Save writes a, failing with ErrVersionConflict when the stored
	// version differs from a.Version. On success a.Version is incremented.
	Save(ctx context.Context, a *Auction) error
	FindExpiredActive(ctx context.Context, now time.Time) ([]Auction, error)
	FindEndedUnnotified(ctx context.Context) ([]Auction, error)
	// NextLot returns the active auction with the smallest lot sequence
	// greater than afterSeq.
	NextLot(ctx context.Context, afterSeq int64) (*Auction, error)
}

// UserRepository looks up identities.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*User, error)
}

// CatalogRepository resolves catalog references.
type CatalogRepository interface {
	Lookup(ctx context.Context, productRef, categoryRef string) (*Product, error)
}

// IncrementRepository reads the bid increment table.
type IncrementRepository interface {
	List(ctx context.Context) ([]IncrementRow, error)
}
