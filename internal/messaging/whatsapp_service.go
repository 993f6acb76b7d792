package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"
)

// eventSource is the part of whatsapp.Client used to subscribe to events.
type eventSource interface {
	AddEventHandler(handler whatsmeow.EventHandler) uint32
}

// WhatsAppService implements Service on top of the whatsmeow client.
type WhatsAppService struct {
	instanceID string
	client     whatsapp.Sender
	source     eventSource
	inbox      *inbox
	now        func() time.Time

	mu          sync.Mutex
	onConnected []func()
	onLoggedOut []func()
	started     bool
}

var (
	_ Service            = (*WhatsAppService)(nil)
	_ ConnectionNotifier = (*WhatsAppService)(nil)
	_ LogoutNotifier     = (*WhatsAppService)(nil)
)

// NewWhatsAppService wraps client for instanceID. Events are only consumed when
// client is a full *whatsapp.Client; mocks send only.
func NewWhatsAppService(instanceID string, client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{
		instanceID: instanceID,
		client:     client,
		inbox:      newInbox("WhatsAppService"),
		now:        time.Now,
	}
	if src, ok := client.(eventSource); ok {
		s.source = src
	}
	return s
}

// Start registers the event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	if s.source == nil {
		slog.Debug("WhatsAppService.Start: no event source, inbound disabled", "instanceID", s.instanceID)
		return nil
	}
	s.source.AddEventHandler(s.handleEvent)
	slog.Debug("WhatsAppService.Start: event handler registered", "instanceID", s.instanceID)
	return nil
}

// Stop closes the inbound channel.
func (s *WhatsAppService) Stop() error {
	if s.inbox.close() {
		slog.Info("WhatsAppService.Stop: stopped", "instanceID", s.instanceID)
	}
	return nil
}

// Inbound returns the channel of received messages.
func (s *WhatsAppService) Inbound() <-chan models.InboundMessage {
	return s.inbox.ch
}

// OnConnected registers fn to run after each successful connection.
func (s *WhatsAppService) OnConnected(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnected = append(s.onConnected, fn)
}

// OnLoggedOut registers fn to run when the device is logged out.
func (s *WhatsAppService) OnLoggedOut(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLoggedOut = append(s.onLoggedOut, fn)
}

// Send delivers text and returns the WhatsApp message id.
func (s *WhatsAppService) Send(ctx context.Context, key models.ConversationKey, text string) (string, error) {
	if s.inbox.isStopped() {
		return "", models.ErrServiceStopped
	}
	return s.client.Send(ctx, key.ChatID, text)
}

// SimulateTyping shows the composing indicator. The queue waits for d; the
// indicator clears when the message arrives.
func (s *WhatsAppService) SimulateTyping(ctx context.Context, key models.ConversationKey, d time.Duration) error {
	if s.inbox.isStopped() {
		return models.ErrServiceStopped
	}
	return s.client.SetTyping(ctx, key.ChatID, true)
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(v)
	case *events.Connected:
		s.handleConnected()
	case *events.Disconnected:
		slog.Warn("WhatsAppService.handleEvent: disconnected", "instanceID", s.instanceID)
	case *events.LoggedOut:
		slog.Error("WhatsAppService.handleEvent: device logged out", "instanceID", s.instanceID, "reason", v.Reason.String())
		s.handleLoggedOut()
	}
}

func (s *WhatsAppService) handleLoggedOut() {
	s.mu.Lock()
	hooks := append([]func(){}, s.onLoggedOut...)
	s.mu.Unlock()
	for _, fn := range hooks {
		go fn()
	}
}

func (s *WhatsAppService) handleConnected() {
	s.mu.Lock()
	hooks := append([]func(){}, s.onConnected...)
	s.mu.Unlock()
	slog.Info("WhatsAppService.handleConnected: connected", "instanceID", s.instanceID, "hooks", len(hooks))
	for _, fn := range hooks {
		go fn()
	}
}

// handleIncomingMessage converts a whatsmeow message into an InboundMessage.
// Messages sent from the paired phone are forwarded too, flagged as from self,
// so human takeovers are noticed.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	msg, ok := s.toInbound(evt)
	if !ok {
		return
	}
	if s.inbox.emit(msg) {
		slog.Debug("WhatsAppService.handleIncomingMessage: forwarded", "instanceID", s.instanceID,
			"chatID", msg.Key.ChatID, "kind", msg.Content.Kind, "fromSelf", msg.IsFromSelf)
	}
}

func (s *WhatsAppService) toInbound(evt *events.Message) (models.InboundMessage, bool) {
	key, err := models.NewConversationKey(s.instanceID, whatsapp.ChatID(evt.Info.Chat))
	if err != nil {
		slog.Debug("WhatsAppService.toInbound: ignoring chat outside the id grammar", "instanceID", s.instanceID, "chat", evt.Info.Chat.String())
		return models.InboundMessage{}, false
	}
	content, system := resolveContent(evt.Message)
	received := evt.Info.Timestamp
	if received.IsZero() {
		received = s.now()
	}
	return models.InboundMessage{
		Key:        key,
		MessageID:  evt.Info.ID,
		Content:    content,
		IsFromSelf: evt.Info.IsFromMe,
		IsSystem:   system,
		ReceivedAt: received,
	}, true
}
