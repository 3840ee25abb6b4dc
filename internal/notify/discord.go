package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/bidengine/internal/store"
)

// Session is the subset of *discordgo.Session used to send direct messages.
type Session interface {
	Open() error
	Close() error
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord sends win notices as Discord direct messages. Recipients are
// resolved to Discord accounts through the user directory.
type Discord struct {
	session Session
	users   store.UserRepository
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewDiscordSession creates a bot session for token.
func NewDiscordSession(token string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	return session, nil
}

// NewDiscord wraps session.
func NewDiscord(session Session, users store.UserRepository, logger *slog.Logger, tp trace.TracerProvider) *Discord {
	return &Discord{
		session: session,
		users:   users,
		logger:  logger,
		tracer:  tp.Tracer("github.com/jensholdgaard/bidengine/internal/notify"),
	}
}

// Start opens the Discord connection.
func (d *Discord) Start(ctx context.Context) error {
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("opening discord session: %w", err)
	}
	d.logger.InfoContext(ctx, "discord notifier connected")
	return nil
}

// Stop closes the Discord connection.
func (d *Discord) Stop() error {
	return d.session.Close()
}

// DeliverWinNotice implements Notifier.
func (d *Discord) DeliverWinNotice(ctx context.Context, n WinNotice) error {
	ctx, span := d.tracer.Start(ctx, "Discord.DeliverWinNotice",
		trace.WithAttributes(
			attribute.String("recipient", n.Recipient),
			attribute.String("lot", n.LotLabel),
		),
	)
	defer span.End()

	user, err := d.users.GetByID(ctx, n.Recipient)
	if err != nil {
		return fmt.Errorf("looking up %s: %w", n.Recipient, err)
	}
	if user.DiscordID == "" {
		return fmt.Errorf("user %s has no discord account: %w", n.Recipient, ErrNoRecipient)
	}

	ch, err := d.session.UserChannelCreate(user.DiscordID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("opening DM channel: %w", err)
	}
	if _, err := d.session.ChannelMessageSendEmbed(ch.ID, winEmbed(user, n), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("sending win notice: %w", err)
	}

	d.logger.InfoContext(ctx, "win notice sent",
		slog.String("recipient", n.Recipient),
		slog.String("lot", n.LotLabel),
	)
	return nil
}

func winEmbed(u *store.User, n WinNotice) *discordgo.MessageEmbed {
	name := u.DisplayName
	if name == "" {
		name = u.ID
	}
	return &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("You won %s", n.LotLabel),
		Description: fmt.Sprintf("Congratulations %s! Your bid on **%s** won.", name, n.ItemLabel),
		URL:         n.LinkURL,
		Color:       0x2ecc71,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Amount", Value: n.Amount.StringFixed(2), Inline: true},
			{Name: "Lot", Value: n.LotLabel, Inline: true},
			{Name: "Pay now", Value: n.LinkURL},
		},
	}
}
