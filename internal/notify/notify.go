// Package notify delivers win notices to auction winners.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"
)

// ErrNoRecipient is returned when the winner cannot be reached.
var ErrNoRecipient = errors.New("no reachable recipient")

// WinNotice tells a winner what they won and where to pay.
type WinNotice struct {
	Recipient string
	LinkURL   string
	LotLabel  string
	Amount    decimal.Decimal
	ItemLabel string
}

// Notifier delivers win notices.
type Notifier interface {
	DeliverWinNotice(ctx context.Context, n WinNotice) error
}

// LogNotifier writes notices to the log instead of sending them.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// DeliverWinNotice implements Notifier.
func (l *LogNotifier) DeliverWinNotice(ctx context.Context, n WinNotice) error {
	l.logger.InfoContext(ctx, "win notice",
		slog.String("recipient", n.Recipient),
		slog.String("lot", n.LotLabel),
		slog.String("item", n.ItemLabel),
		slog.String("amount", n.Amount.String()),
		slog.String("link", n.LinkURL),
	)
	return nil
}
