// Package whatsapp implements the direct WhatsApp transport using
// whatsmeow, a native Go WhatsApp Web API library. Sessions persist in
// SQLite; first login runs a QR pairing flow in the terminal log.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.
)

// Config holds direct-connection settings.
type Config struct {
	// DatabasePath is the SQLite file for session storage. The session
	// tables are prefixed with whatsmeow_.
	DatabasePath string `yaml:"database_path"`

	// AutoRead marks incoming messages as read.
	AutoRead bool `yaml:"auto_read"`

	// SendTyping sends a typing indicator while a reply is generated.
	SendTyping bool `yaml:"send_typing"`
}

// Message is one inbound message delivered on Receive.
type Message struct {
	ID         string
	Sender     string // bare phone number
	SenderName string
	Chat       string
	Text       string
	Timestamp  time.Time

	// audio is set for voice notes, consumed by DownloadVoice.
	audio *waE2E.AudioMessage
}

// IsVoice reports whether the message is a voice note.
func (m *Message) IsVoice() bool { return m.audio != nil }

// Channel is a connected WhatsApp session.
type Channel struct {
	cfg    Config
	client *whatsmeow.Client
	logger *slog.Logger

	messages  chan *Message
	connected atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a channel instance. Connect must be called before use.
func New(cfg Config, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		cfg:      cfg,
		logger:   logger.With("component", "whatsapp"),
		messages: make(chan *Message, 256),
	}
}

// Connect establishes the WhatsApp Web connection. With no existing
// session the QR pairing flow runs first and blocks until scanned or
// timed out.
func (c *Channel) Connect(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	container, err := sqlstore.New(c.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", c.cfg.DatabasePath),
		waLog.Noop)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := c.getDevice(c.ctx, container)
	if err != nil {
		return fmt.Errorf("getting device: %w", err)
	}

	// Device name shown in the WhatsApp linked devices list.
	store.SetOSInfo("Remindly", [3]uint32{1, 0, 0})

	c.client = whatsmeow.NewClient(device, waLog.Noop)
	c.client.AddEventHandler(c.handleEvent)
	c.client.EnableAutoReconnect = true
	c.client.InitialAutoReconnect = true

	if c.client.Store.ID == nil {
		c.logger.Info("no existing session, QR pairing required")
		if err := c.loginWithQR(c.ctx); err != nil {
			return fmt.Errorf("QR login: %w", err)
		}
		return nil
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	c.connected.Store(true)
	c.logger.Info("connected with existing session", "jid", c.client.Store.ID.String())
	return nil
}

// Disconnect closes the connection and the Receive channel.
func (c *Channel) Disconnect() {
	c.connected.Store(false)
	if c.cancel != nil {
		c.cancel()
	}
	if c.client != nil {
		c.client.Disconnect()
	}
	c.closed.Store(true)
	c.closeOnce.Do(func() { close(c.messages) })
	c.logger.Info("disconnected")
}

// Receive returns the inbound message stream.
func (c *Channel) Receive() <-chan *Message {
	return c.messages
}

// IsConnected reports the connection state.
func (c *Channel) IsConnected() bool {
	return c.connected.Load()
}

// Send delivers a text message to a phone number or full JID.
func (c *Channel) Send(ctx context.Context, to, text string) error {
	if !c.connected.Load() {
		return fmt.Errorf("whatsapp not connected")
	}
	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", to, err)
	}

	waMsg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err := c.client.SendMessage(ctx, jid, waMsg); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// SendTyping shows a typing indicator in the chat.
func (c *Channel) SendTyping(ctx context.Context, to string) error {
	if !c.connected.Load() || !c.cfg.SendTyping {
		return nil
	}
	jid, err := parseJID(to)
	if err != nil {
		return err
	}
	return c.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// MarkRead marks a message as read in its chat.
func (c *Channel) MarkRead(ctx context.Context, chat, messageID string) error {
	if !c.connected.Load() {
		return nil
	}
	jid, err := parseJID(chat)
	if err != nil {
		return err
	}
	return c.client.MarkRead(ctx, []types.MessageID{types.MessageID(messageID)}, time.Now(), jid, jid)
}

// DownloadVoice fetches and decrypts the audio of a voice note.
func (c *Channel) DownloadVoice(ctx context.Context, msg *Message) ([]byte, error) {
	if msg.audio == nil {
		return nil, fmt.Errorf("message has no voice audio")
	}
	data, err := c.client.Download(ctx, msg.audio)
	if err != nil {
		return nil, fmt.Errorf("downloading voice note: %w", err)
	}
	return data, nil
}

func (c *Channel) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// loginWithQR runs the pairing flow, logging each QR code for scanning.
func (c *Channel) loginWithQR(ctx context.Context) error {
	qrChan, err := c.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}
			switch evt.Event {
			case "code":
				c.logger.Info("scan QR code with WhatsApp to link device", "code", evt.Code)
			case "success":
				c.connected.Store(true)
				c.logger.Info("login successful")
				return nil
			case "timeout":
				return fmt.Errorf("QR code timed out")
			default:
				if evt.Error != nil {
					return fmt.Errorf("QR login: %w", evt.Error)
				}
			}
		}
	}
}

// parseJID accepts a bare phone number or a full JID string.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
