package gateway

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/bidengine/internal/store"
)

// Inbound command types.
const (
	CmdJoin            = "join"
	CmdSetMode         = "setMode"
	CmdSendMessage     = "sendMessage"
	CmdPlaceBid        = "placeBid"
	CmdRemoveLatestBid = "removeLatestBid"
	CmdAdminAction     = "adminAction"
	CmdSnapshot        = "getAuctionSnapshot"
)

// Outbound event types.
const (
	EvtWatcherCount  = "watcherCountUpdated"
	EvtModeChanged   = "modeChanged"
	EvtChatMessage   = "chatMessage"
	EvtBidAccepted   = "bidAccepted"
	EvtOutbid        = "outbidNotice"
	EvtBidRemoved    = "latestBidRemoved"
	EvtAuctionClosed = "auctionClosed"
	EvtWinnerNotice  = "winnerNotice"
	EvtNextLot       = "nextLotAnnouncement"
	EvtAdminMessage  = "adminMessage"
	EvtSnapshot      = "snapshot"
	EvtError         = "error"
)

// Admin actions with special handling. Any other action is logged only.
const (
	ActionSold          = "SOLD"
	ActionReserveNotMet = "RESERVE_NOT_MET"
)

// Command is an inbound client message.
type Command struct {
	Type      string `json:"type"`
	AuctionID string `json:"auctionId"`
	RequestID string `json:"requestId,omitempty"`

	Mode    store.BidType    `json:"mode,omitempty"`
	Text    string           `json:"text,omitempty"`
	BidType store.BidType    `json:"bidType,omitempty"`
	Amount  *decimal.Decimal `json:"amount,omitempty"`
	// Bidder names the floor bidder a competitor bid is entered for.
	Bidder string `json:"bidder,omitempty"`
	Action string `json:"action,omitempty"`
}

// Envelope is an outbound message.
type Envelope struct {
	Type      string `json:"type"`
	AuctionID string `json:"auctionId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Data      any    `json:"data,omitempty"`
}

func encode(e Envelope) []byte {
	data, err := json.Marshal(e)
	if err != nil {
		// Payloads are plain structs; a failure here is a programming error.
		panic(err)
	}
	return data
}

// WatcherCount is the payload of watcherCountUpdated.
type WatcherCount struct {
	Count int `json:"count"`
}

// ModeChanged is the payload of modeChanged.
type ModeChanged struct {
	Mode store.BidType `json:"mode"`
	By   string        `json:"by,omitempty"`
}

// ChatMessage is the payload of chatMessage.
type ChatMessage struct {
	From string    `json:"from"`
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

// BidAccepted is the payload of bidAccepted.
type BidAccepted struct {
	Amount       decimal.Decimal `json:"amount"`
	Bidder       string          `json:"bidder"`
	MinIncrement decimal.Decimal `json:"minIncrement"`
	BidType      store.BidType   `json:"bidType"`
}

// Outbid is the payload of outbidNotice.
type Outbid struct {
	Amount decimal.Decimal `json:"amount"`
	Bidder string          `json:"bidder"`
}

// BidRemoved is the payload of latestBidRemoved.
type BidRemoved struct {
	Removed       store.Bid       `json:"removed"`
	CurrentBid    decimal.Decimal `json:"currentBid"`
	CurrentBidder string          `json:"currentBidder,omitempty"`
}

// AuctionClosed is the payload of auctionClosed. Winner is nil when the
// auction closed without one.
type AuctionClosed struct {
	LotNumber string           `json:"lotNumber"`
	Winner    *string          `json:"winner"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
}

// WinnerNotice is the payload of winnerNotice.
type WinnerNotice struct {
	LotNumber string          `json:"lotNumber"`
	Amount    decimal.Decimal `json:"amount"`
}

// NextLot is the payload of nextLotAnnouncement.
type NextLot struct {
	AuctionID   string          `json:"auctionId"`
	LotNumber   string          `json:"lotNumber"`
	StartingBid decimal.Decimal `json:"startingBid"`
	Product     *store.Product  `json:"product,omitempty"`
}

// AdminMessage is the payload of adminMessage.
type AdminMessage struct {
	Action string    `json:"action"`
	Actor  string    `json:"actor"`
	Time   time.Time `json:"time"`
}

// Snapshot is the payload of snapshot and the body of GET /auctions/{id}.
type Snapshot struct {
	Auction  *store.Auction `json:"auction"`
	Product  *store.Product `json:"product,omitempty"`
	Watchers int            `json:"watchers"`
	Mode     store.BidType  `json:"mode,omitempty"`
}

// Error is the payload of error events.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
