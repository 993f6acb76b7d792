// Package whatsapp wraps the whatsmeow client for ReplyPipe.
//
// It handles device login, sending text, chat presence and the chat id
// grammar shared with the rest of the module.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/BTreeMap/ReplyPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

const (
	// DefaultSQLitePath is where the whatsmeow device store lives when no DSN is given.
	DefaultSQLitePath = "/var/lib/replypipe/whatsmeow.db"
	// JIDSuffix is the server of regular user chats.
	JIDSuffix = types.DefaultUserServer
)

// Sender is the part of the client used by the transport adapter.
type Sender interface {
	Send(ctx context.Context, chatID string, body string) (string, error)
	SetTyping(ctx context.Context, chatID string, composing bool) error
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow device store connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // print the raw pairing code instead of a QR block
	LogLevel    string // whatsmeow log level, default INFO
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode prints the login code as text.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// WithLogLevel sets the level of whatsmeow's own logger.
func WithLogLevel(level string) Option {
	return func(o *Opts) { o.LogLevel = strings.ToUpper(level) }
}

// Client wraps the whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
}

var _ Sender = (*Client)(nil)

// driverFor picks the database/sql driver for the device store and warns when
// a SQLite DSN lacks foreign keys, which whatsmeow relies on.
func driverFor(dsn string) string {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres"
	}
	if !strings.Contains(dsn, "foreign_keys") {
		slog.Warn("whatsapp.NewClient: SQLite device store without foreign keys; add '?_foreign_keys=on'",
			"dsn_example", "file:"+dsn+"?_foreign_keys=on")
	}
	return "sqlite3"
}

// NewClient opens the device store, logs in if no device is paired yet and
// connects.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := Opts{LogLevel: "INFO"}
	for _, opt := range opts {
		opt(&cfg)
	}
	dsn := cfg.DBDSN
	if dsn == "" {
		dsn = DefaultSQLitePath
	}
	driver := driverFor(dsn)
	slog.Debug("whatsapp.NewClient: opening device store", "driver", driver, "qrPath", cfg.QRPath, "numericCode", cfg.NumericCode)

	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", cfg.LogLevel, true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}
	waClient := whatsmeow.NewClient(device, waLog.Stdout("Client", cfg.LogLevel, true))

	if waClient.Store.ID != nil {
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
		slog.Info("whatsapp.NewClient: connected", "jid", waClient.Store.ID.String())
		return &Client{waClient: waClient}, nil
	}

	slog.Info("whatsapp.NewClient: no paired device, starting login")
	qrChan, err := waClient.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open login channel: %w", err)
	}
	if err := waClient.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			waClient.Disconnect()
			return nil, fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event != whatsmeow.QRChannelEventCode {
			slog.Info("whatsapp.NewClient: login event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(writer, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
		}
	}
	if waClient.Store.ID == nil {
		waClient.Disconnect()
		return nil, fmt.Errorf("whatsapp login did not complete")
	}
	slog.Info("whatsapp.NewClient: paired and connected", "jid", waClient.Store.ID.String())
	return &Client{waClient: waClient}, nil
}

// ChatID renders a JID in the chat id grammar used across ReplyPipe
// ("user@server", device part dropped).
func ChatID(jid types.JID) string {
	return jid.ToNonAD().String()
}

// ParseChatID converts a chat id back into a JID.
func ParseChatID(chatID string) (types.JID, error) {
	if !strings.Contains(chatID, "@") {
		return types.NewJID(chatID, JIDSuffix), nil
	}
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return types.JID{}, fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	return jid, nil
}

// Send delivers a text message and returns the id WhatsApp assigned to it.
func (c *Client) Send(ctx context.Context, chatID string, body string) (string, error) {
	if c.waClient == nil {
		return "", fmt.Errorf("whatsapp client not initialized")
	}
	if body == "" {
		return "", fmt.Errorf("message body cannot be empty")
	}
	jid, err := ParseChatID(chatID)
	if err != nil {
		return "", err
	}
	resp, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)})
	if err != nil {
		return "", fmt.Errorf("failed to send message to %s: %w", chatID, err)
	}
	slog.Debug("Client.Send: message sent", "chatID", chatID, "messageID", resp.ID, "length", len(body))
	return resp.ID, nil
}

// SetTyping shows or clears the composing indicator in a chat.
func (c *Client) SetTyping(ctx context.Context, chatID string, composing bool) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	jid, err := ParseChatID(chatID)
	if err != nil {
		return err
	}
	state := types.ChatPresencePaused
	if composing {
		state = types.ChatPresenceComposing
	}
	if err := c.waClient.SendChatPresence(jid, state, types.ChatPresenceMediaText); err != nil {
		return fmt.Errorf("failed to set chat presence for %s: %w", chatID, err)
	}
	return nil
}

// AddEventHandler registers a whatsmeow event handler.
func (c *Client) AddEventHandler(handler whatsmeow.EventHandler) uint32 {
	return c.waClient.AddEventHandler(handler)
}

// Disconnect closes the websocket connection.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// GetClient returns the underlying whatsmeow client.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// MockClient records sends and presence changes for tests.
type MockClient struct {
	mu      sync.Mutex
	Sent    []SentMessage
	Typing  []TypingEvent
	SendErr error
	next    int
}

// SentMessage is one message captured by MockClient.
type SentMessage struct {
	ChatID string
	Body   string
	ID     string
}

// TypingEvent is one presence change captured by MockClient.
type TypingEvent struct {
	ChatID    string
	Composing bool
}

var _ Sender = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) Send(ctx context.Context, chatID string, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return "", m.SendErr
	}
	m.next++
	id := fmt.Sprintf("MOCK%04d", m.next)
	m.Sent = append(m.Sent, SentMessage{ChatID: chatID, Body: body, ID: id})
	return id, nil
}

func (m *MockClient) SetTyping(ctx context.Context, chatID string, composing bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Typing = append(m.Typing, TypingEvent{ChatID: chatID, Composing: composing})
	return nil
}

// Messages returns a copy of the captured messages.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...)
}

// TypingEvents returns a copy of the captured presence changes.
func (m *MockClient) TypingEvents() []TypingEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TypingEvent(nil), m.Typing...)
}
