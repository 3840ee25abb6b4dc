// Package gateway is the realtime surface of the engine: it keeps track of
// connections and auction rooms, dispatches client commands to the auction
// actor and fans results out to watchers.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/bidengine/internal/auction"
	"github.com/jensholdgaard/bidengine/internal/clock"
	"github.com/jensholdgaard/bidengine/internal/store"
	"github.com/jensholdgaard/bidengine/internal/telemetry"
)

// CodeBadRequest is sent for malformed or unknown commands.
const CodeBadRequest = "BAD_REQUEST"

var errBadRequest = errors.New("bad request")

// Settler hands a closed auction over to payment and notification.
type Settler interface {
	Settle(ctx context.Context, auctionID string) error
}

// HubParams holds the Hub's collaborators. The registries are owned by the
// caller so that they can be shared with the auction actor.
type HubParams struct {
	Actor       *auction.Actor
	Catalog     store.CatalogRepository
	Connections *Connections
	Rooms       *Rooms
	Modes       *Modes
	Logger      *slog.Logger
	Tracer      trace.TracerProvider
	Clock       clock.Clock
}

// Hub dispatches commands and broadcasts their outcome.
type Hub struct {
	actor   *auction.Actor
	catalog store.CatalogRepository
	conns   *Connections
	rooms   *Rooms
	modes   *Modes
	settler Settler
	logger  *slog.Logger
	tracer  trace.Tracer
	clock   clock.Clock
}

// NewHub creates a Hub.
func NewHub(p HubParams) *Hub {
	return &Hub{
		actor:   p.Actor,
		catalog: p.Catalog,
		conns:   p.Connections,
		rooms:   p.Rooms,
		modes:   p.Modes,
		logger:  p.Logger,
		tracer:  p.Tracer.Tracer("github.com/jensholdgaard/bidengine/internal/gateway"),
		clock:   p.Clock,
	}
}

// SetSettler installs the settlement hook run after an auction is sold.
// It must be called before the hub serves traffic.
func (h *Hub) SetSettler(s Settler) {
	h.settler = s
}

// Connect registers c under its identity.
func (h *Hub) Connect(ctx context.Context, c *Client) {
	h.conns.Bind(c)
	h.logger.DebugContext(ctx, "client connected",
		slog.String("client_id", c.ID),
		slog.String("identity", c.Identity.ID),
	)
}

// Disconnect removes c from every registry and updates the rooms it left.
func (h *Hub) Disconnect(ctx context.Context, c *Client) {
	h.conns.Unbind(c)
	for id, remaining := range h.rooms.LeaveAll(c) {
		h.broadcast(id, Envelope{Type: EvtWatcherCount, AuctionID: id, Data: WatcherCount{Count: remaining}})
		if remaining == 0 {
			h.modes.Drop(id)
		}
	}
	c.Close()
	h.logger.DebugContext(ctx, "client disconnected",
		slog.String("client_id", c.ID),
		slog.String("identity", c.Identity.ID),
	)
}

// Handle decodes and dispatches one raw inbound message.
func (h *Hub) Handle(ctx context.Context, c *Client, raw []byte) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		h.sendError(ctx, c, Command{}, fmt.Errorf("decoding command: %v: %w", err, errBadRequest))
		return
	}
	h.Dispatch(ctx, c, cmd)
}

// Dispatch runs cmd on behalf of c. Failures are reported to c only.
func (h *Hub) Dispatch(ctx context.Context, c *Client, cmd Command) {
	ctx, span := h.tracer.Start(ctx, "Hub."+cmd.Type,
		trace.WithAttributes(
			attribute.String("auction.id", cmd.AuctionID),
			attribute.String("identity", c.Identity.ID),
		),
	)
	defer span.End()

	var err error
	switch {
	case cmd.AuctionID == "":
		err = fmt.Errorf("auctionId is required: %w", errBadRequest)
	case cmd.Type == CmdJoin:
		err = h.join(ctx, c, cmd)
	case cmd.Type == CmdSetMode:
		err = h.setMode(ctx, c, cmd)
	case cmd.Type == CmdSendMessage:
		err = h.sendMessage(ctx, c, cmd)
	case cmd.Type == CmdPlaceBid:
		err = h.placeBid(ctx, c, cmd)
	case cmd.Type == CmdRemoveLatestBid:
		err = h.removeLatestBid(ctx, c, cmd)
	case cmd.Type == CmdAdminAction:
		err = h.adminAction(ctx, c, cmd)
	case cmd.Type == CmdSnapshot:
		err = h.sendSnapshot(ctx, c, cmd)
	default:
		err = fmt.Errorf("unknown command %q: %w", cmd.Type, errBadRequest)
	}
	if err != nil {
		h.sendError(ctx, c, cmd, err)
	}
}

func (h *Hub) join(ctx context.Context, c *Client, cmd Command) error {
	if _, err := h.actor.Snapshot(ctx, cmd.AuctionID); err != nil {
		return err
	}
	count := h.rooms.Join(cmd.AuctionID, c)

	if _, err := h.actor.AddParticipant(ctx, cmd.AuctionID, c.Identity.ID); err != nil {
		h.logger.WarnContext(ctx, "failed to record participant",
			slog.String("auction_id", cmd.AuctionID),
			slog.String("identity", c.Identity.ID),
			slog.Any("error", err),
		)
	}

	h.broadcast(cmd.AuctionID, Envelope{Type: EvtWatcherCount, AuctionID: cmd.AuctionID, Data: WatcherCount{Count: count}})
	if mode, ok := h.modes.Mode(cmd.AuctionID); ok {
		c.Send(encode(Envelope{Type: EvtModeChanged, AuctionID: cmd.AuctionID, Data: ModeChanged{Mode: mode}}))
	}
	return nil
}

func (h *Hub) setMode(ctx context.Context, c *Client, cmd Command) error {
	if !c.Identity.Role.IsStaff() {
		return fmt.Errorf("setMode: %w", auction.ErrUnauthorized)
	}
	if cmd.Mode != store.BidOnline && cmd.Mode != store.BidCompetitor {
		return fmt.Errorf("unknown mode %q: %w", cmd.Mode, errBadRequest)
	}
	if _, err := h.actor.Snapshot(ctx, cmd.AuctionID); err != nil {
		return err
	}

	h.modes.Set(cmd.AuctionID, cmd.Mode)
	h.appendLog(ctx, cmd.AuctionID, store.LogEntry{
		Kind:    store.LogMode,
		Actor:   c.Identity.ID,
		Message: string(cmd.Mode),
	})
	h.broadcast(cmd.AuctionID, Envelope{
		Type:      EvtModeChanged,
		AuctionID: cmd.AuctionID,
		Data:      ModeChanged{Mode: cmd.Mode, By: c.Identity.ID},
	})
	return nil
}

func (h *Hub) sendMessage(ctx context.Context, c *Client, cmd Command) error {
	if !c.Identity.Role.IsStaff() {
		return fmt.Errorf("sendMessage: %w", auction.ErrUnauthorized)
	}
	text := strings.TrimSpace(cmd.Text)
	if text == "" {
		return fmt.Errorf("text is required: %w", errBadRequest)
	}

	now := h.clock.Now().UTC()
	h.appendLog(ctx, cmd.AuctionID, store.LogEntry{
		Kind:    store.LogMessage,
		Actor:   c.Identity.ID,
		Message: text,
		Time:    now,
	})
	h.broadcast(cmd.AuctionID, Envelope{
		Type:      EvtChatMessage,
		AuctionID: cmd.AuctionID,
		Data:      ChatMessage{From: c.Identity.ID, Text: text, Time: now},
	})
	return nil
}

func (h *Hub) placeBid(ctx context.Context, c *Client, cmd Command) error {
	bidType := cmd.BidType
	if bidType == "" {
		bidType = store.BidOnline
	}
	bidder := c.Identity.ID
	if bidType == store.BidCompetitor && cmd.Bidder != "" {
		bidder = cmd.Bidder
	}

	res, err := h.actor.PlaceBid(ctx, auction.BidRequest{
		AuctionID:     cmd.AuctionID,
		Bidder:        bidder,
		Role:          c.Identity.Role,
		Type:          bidType,
		Amount:        cmd.Amount,
		SourceAddress: c.Addr,
	})
	if err != nil {
		return err
	}

	accepted := encode(Envelope{
		Type:      EvtBidAccepted,
		AuctionID: cmd.AuctionID,
		RequestID: cmd.RequestID,
		Data: BidAccepted{
			Amount:       res.Amount,
			Bidder:       bidder,
			MinIncrement: res.Increment,
			BidType:      bidType,
		},
	})
	h.broadcastRaw(cmd.AuctionID, accepted)
	if !h.rooms.IsMember(cmd.AuctionID, c) {
		c.Send(accepted)
	}

	if prev := res.PreviousBidder; prev != "" && prev != bidder {
		if pc, ok := h.conns.Lookup(prev); ok {
			pc.Send(encode(Envelope{
				Type:      EvtOutbid,
				AuctionID: cmd.AuctionID,
				Data:      Outbid{Amount: res.Amount, Bidder: bidder},
			}))
		}
	}
	return nil
}

func (h *Hub) removeLatestBid(ctx context.Context, c *Client, cmd Command) error {
	if c.Identity.Role != store.RoleAdmin {
		return fmt.Errorf("removeLatestBid: %w", auction.ErrUnauthorized)
	}
	res, err := h.actor.RemoveLatestBid(ctx, cmd.AuctionID, c.Identity.ID)
	if err != nil {
		return err
	}
	h.broadcast(cmd.AuctionID, Envelope{
		Type:      EvtBidRemoved,
		AuctionID: cmd.AuctionID,
		Data: BidRemoved{
			Removed:       res.Removed,
			CurrentBid:    res.Auction.CurrentBid,
			CurrentBidder: res.Auction.CurrentBidder,
		},
	})
	return nil
}

func (h *Hub) adminAction(ctx context.Context, c *Client, cmd Command) error {
	if !c.Identity.Role.IsStaff() {
		return fmt.Errorf("adminAction: %w", auction.ErrUnauthorized)
	}
	action := strings.TrimSpace(cmd.Action)
	if action == "" {
		return fmt.Errorf("action is required: %w", errBadRequest)
	}

	var (
		closed *auction.CloseResult
		err    error
	)
	switch action {
	case ActionSold:
		closed, err = h.actor.CloseAuction(ctx, cmd.AuctionID, ActionSold)
		if err == nil {
			h.appendLog(ctx, cmd.AuctionID, store.LogEntry{Kind: store.LogAdmin, Actor: c.Identity.ID, Message: action})
		}
	case ActionReserveNotMet:
		_, err = h.actor.MarkReserveNotMet(ctx, cmd.AuctionID, c.Identity.ID)
	default:
		_, err = h.actor.AppendLog(ctx, cmd.AuctionID, store.LogEntry{
			Kind:    store.LogAdmin,
			Actor:   c.Identity.ID,
			Message: action,
		})
	}
	if err != nil {
		return err
	}

	h.broadcast(cmd.AuctionID, Envelope{
		Type:      EvtAdminMessage,
		AuctionID: cmd.AuctionID,
		Data:      AdminMessage{Action: action, Actor: c.Identity.ID, Time: h.clock.Now().UTC()},
	})

	if closed == nil {
		return nil
	}
	if closed.Closed {
		h.AnnounceClose(ctx, closed)
		h.announceNextLot(ctx, closed.Auction)
	}
	if closed.Auction.Winner != "" && h.settler != nil {
		go h.settle(context.WithoutCancel(ctx), cmd.AuctionID)
	}
	return nil
}

func (h *Hub) settle(ctx context.Context, id string) {
	if err := h.settler.Settle(ctx, id); err != nil {
		h.logger.WarnContext(ctx, "settlement after sale failed; sweep will retry",
			slog.String("auction_id", id),
			slog.Any("error", err),
		)
	}
}

// AnnounceClose tells the room that an auction ended and tells the winner,
// if connected, that they won.
func (h *Hub) AnnounceClose(ctx context.Context, res *auction.CloseResult) {
	a := res.Auction
	payload := AuctionClosed{LotNumber: a.LotNumber}
	if res.Winner != nil {
		winner := res.Winner.Bidder
		amount := res.Winner.Amount
		payload.Winner = &winner
		payload.Amount = &amount
	}
	h.broadcast(a.ID, Envelope{Type: EvtAuctionClosed, AuctionID: a.ID, Data: payload})

	if res.Winner == nil {
		return
	}
	if wc, ok := h.conns.Lookup(res.Winner.Bidder); ok {
		wc.Send(encode(Envelope{
			Type:      EvtWinnerNotice,
			AuctionID: a.ID,
			Data:      WinnerNotice{LotNumber: a.LotNumber, Amount: res.Winner.Amount},
		}))
	}
	h.logger.InfoContext(ctx, "auction close announced",
		slog.String("auction_id", a.ID),
		slog.String("winner", res.Winner.Bidder),
	)
}

func (h *Hub) announceNextLot(ctx context.Context, a *store.Auction) {
	next, err := h.actor.NextLot(ctx, a)
	if err != nil {
		if !errors.Is(err, auction.ErrNotFound) {
			h.logger.WarnContext(ctx, "failed to find next lot",
				slog.String("auction_id", a.ID),
				slog.Any("error", err),
			)
		}
		return
	}
	h.broadcast(a.ID, Envelope{
		Type:      EvtNextLot,
		AuctionID: a.ID,
		Data: NextLot{
			AuctionID:   next.ID,
			LotNumber:   next.LotNumber,
			StartingBid: next.StartingBid,
			Product:     h.lookupProduct(ctx, next),
		},
	})
}

// Snapshot assembles the current view of an auction.
func (h *Hub) Snapshot(ctx context.Context, id string) (*Snapshot, error) {
	a, err := h.actor.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	mode, _ := h.modes.Mode(id)
	return &Snapshot{
		Auction:  a,
		Product:  h.lookupProduct(ctx, a),
		Watchers: h.rooms.Count(id),
		Mode:     mode,
	}, nil
}

func (h *Hub) sendSnapshot(ctx context.Context, c *Client, cmd Command) error {
	snap, err := h.Snapshot(ctx, cmd.AuctionID)
	if err != nil {
		return err
	}
	c.Send(encode(Envelope{Type: EvtSnapshot, AuctionID: cmd.AuctionID, RequestID: cmd.RequestID, Data: snap}))
	return nil
}

// lookupProduct returns nil when the catalog has no entry.
func (h *Hub) lookupProduct(ctx context.Context, a *store.Auction) *store.Product {
	if h.catalog == nil || a.ProductRef == "" {
		return nil
	}
	p, err := h.catalog.Lookup(ctx, a.ProductRef, a.CategoryRef)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.WarnContext(ctx, "catalog lookup failed",
				slog.String("product_ref", a.ProductRef),
				slog.Any("error", err),
			)
		}
		return nil
	}
	return p
}

// appendLog writes to the audit trail. Failures are logged and otherwise
// ignored.
func (h *Hub) appendLog(ctx context.Context, id string, entry store.LogEntry) {
	if _, err := h.actor.AppendLog(ctx, id, entry); err != nil {
		h.logger.WarnContext(ctx, "failed to append bid log",
			slog.String("auction_id", id),
			slog.String("kind", string(entry.Kind)),
			slog.Any("error", err),
		)
	}
}

func (h *Hub) broadcast(id string, e Envelope) {
	h.broadcastRaw(id, encode(e))
}

// broadcastRaw never blocks; slow watchers miss the message.
func (h *Hub) broadcastRaw(id string, data []byte) {
	for _, c := range h.rooms.Members(id) {
		c.Send(data)
	}
}

func (h *Hub) sendError(ctx context.Context, c *Client, cmd Command, err error) {
	code := errorCode(err)
	msg := err.Error()
	if code == auction.CodeInternal {
		telemetry.LogWithTrace(ctx, h.logger).ErrorContext(ctx, "command failed",
			slog.String("type", cmd.Type),
			slog.String("auction_id", cmd.AuctionID),
			slog.String("identity", c.Identity.ID),
			slog.Any("error", err),
		)
		msg = "internal error"
	}
	c.Send(encode(Envelope{
		Type:      EvtError,
		AuctionID: cmd.AuctionID,
		RequestID: cmd.RequestID,
		Data:      Error{Code: code, Message: msg},
	}))
}

func errorCode(err error) string {
	if errors.Is(err, errBadRequest) {
		return CodeBadRequest
	}
	return auction.Code(err)
}
