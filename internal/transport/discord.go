package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/vthunder/meshrelay/internal/logging"
	"github.com/vthunder/meshrelay/internal/types"
)

// DiscordConfig holds Discord connection settings
type DiscordConfig struct {
	Token     string
	ChannelID string // messages here count as addressed to the bot; replies default here
}

// discordSession is the part of *discordgo.Session the transport uses
type discordSession interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord relays through a Discord bot: each user is a sender, and
// replies go back to the channel the user last wrote in.
type Discord struct {
	session   discordSession
	channelID string

	mu       sync.Mutex
	sink     EventSink
	botID    string
	channels map[types.SenderID]string
	removers []func()
	closed   bool
}

// NewDiscord creates a Discord transport
func NewDiscord(cfg DiscordConfig) (*Discord, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	return newDiscord(session, cfg.ChannelID), nil
}

func newDiscord(session discordSession, channelID string) *Discord {
	return &Discord{
		session:   session,
		channelID: channelID,
		channels:  make(map[types.SenderID]string),
	}
}

func (d *Discord) Name() string { return "discord" }

// Start registers handlers and opens the gateway connection. The session is
// announced when Discord reports Ready.
func (d *Discord) Start(ctx context.Context, sink EventSink) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.sink = sink
	d.removers = append(d.removers,
		d.session.AddHandler(d.handleReady),
		d.session.AddHandler(d.handleResumed),
		d.session.AddHandler(d.handleDisconnect),
		d.session.AddHandler(d.handleMessage),
	)
	d.mu.Unlock()

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}
	return nil
}

func (d *Discord) currentSink() (EventSink, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, d.botID
	}
	return d.sink, d.botID
}

func (d *Discord) handleReady(s *discordgo.Session, r *discordgo.Ready) {
	if r.User == nil {
		return
	}
	d.mu.Lock()
	d.botID = r.User.ID
	d.mu.Unlock()

	logging.Info("discord", "Connected as %s", r.User.Username)
	if sink, botID := d.currentSink(); sink != nil {
		sink.SessionEstablished(types.SenderID(botID))
	}
}

func (d *Discord) handleResumed(s *discordgo.Session, r *discordgo.Resumed) {
	sink, botID := d.currentSink()
	if sink != nil && botID != "" {
		logging.Info("discord", "Session resumed")
		sink.SessionEstablished(types.SenderID(botID))
	}
}

func (d *Discord) handleDisconnect(s *discordgo.Session, e *discordgo.Disconnect) {
	if sink, _ := d.currentSink(); sink != nil {
		logging.Warn("discord", "Disconnected from gateway")
		sink.SessionLost("discord gateway disconnected")
	}
}

// handleMessage turns a Discord message into an inbound message. DMs,
// mentions and the configured channel are addressed to the bot; anything
// else is addressed to its channel so the relay ignores it.
func (d *Discord) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	sink, botID := d.currentSink()
	if sink == nil || m.Author.ID == botID || m.Author.Bot {
		return
	}

	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == botID {
			mentioned = true
			break
		}
	}

	to := types.SenderID("#" + m.ChannelID)
	if m.GuildID == "" || mentioned || (d.channelID != "" && m.ChannelID == d.channelID) {
		to = types.SenderID(botID)
	}

	text := m.Content
	if botID != "" {
		text = strings.ReplaceAll(text, "<@"+botID+">", "")
		text = strings.ReplaceAll(text, "<@!"+botID+">", "")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	sender := types.SenderID(m.Author.ID)
	if to == types.SenderID(botID) {
		d.mu.Lock()
		d.channels[sender] = m.ChannelID
		d.mu.Unlock()
	}

	logging.Debug("discord", "Message from %s: %s", m.Author.Username, logging.Truncate(text, 50))

	sink.Inbound(&types.InboundMessage{
		Sender:      sender,
		To:          to,
		Text:        text,
		Correlation: m.ID,
		ReceivedAt:  time.Now(),
	})
}

// Send posts the fragment to the destination's last channel, or the
// configured channel if the user has not written yet.
func (d *Discord) Send(ctx context.Context, frag types.OutboundFragment) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	channelID, ok := d.channels[frag.Destination]
	if !ok {
		channelID = d.channelID
	}
	d.mu.Unlock()

	if channelID == "" {
		return fmt.Errorf("no channel known for %s", frag.Destination)
	}
	if _, err := d.session.ChannelMessageSend(channelID, frag.Payload, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// Close removes the handlers and disconnects
func (d *Discord) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	removers := d.removers
	d.removers = nil
	d.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
	return d.session.Close()
}
