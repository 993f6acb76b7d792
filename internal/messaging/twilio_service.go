package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ReplyPipe/internal/whatsapp"
)

// webhookValidator checks X-Twilio-Signature headers.
type webhookValidator interface {
	ValidateWebhook(url string, params map[string]string, signature string) bool
}

// TwilioService implements Service using the Twilio API. Inbound messages
// arrive through WebhookHandler.
type TwilioService struct {
	instanceID string
	client     twiliowhatsapp.Sender
	validator  webhookValidator
	webhookURL string
	inbox      *inbox
	now        func() time.Time
}

var _ Service = (*TwilioService)(nil)

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithWebhookValidation rejects webhook calls whose signature does not match
// publicURL, the address Twilio was configured to call. The client must be
// able to validate signatures.
func WithWebhookValidation(publicURL string) TwilioOption {
	return func(s *TwilioService) {
		if v, ok := s.client.(webhookValidator); ok {
			s.validator = v
			s.webhookURL = publicURL
		}
	}
}

// NewTwilioService wraps client for instanceID.
func NewTwilioService(instanceID string, client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{
		instanceID: instanceID,
		client:     client,
		inbox:      newInbox("TwilioService"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start is a no-op: inbound traffic is pushed by the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the inbound channel.
func (s *TwilioService) Stop() error {
	if s.inbox.close() {
		slog.Info("TwilioService.Stop: stopped", "instanceID", s.instanceID)
	}
	return nil
}

// Inbound returns the channel of received messages.
func (s *TwilioService) Inbound() <-chan models.InboundMessage {
	return s.inbox.ch
}

// Send delivers text to the chat's phone number and returns the message SID.
func (s *TwilioService) Send(ctx context.Context, key models.ConversationKey, text string) (string, error) {
	if s.inbox.isStopped() {
		return "", models.ErrServiceStopped
	}
	if key.IsGroup() {
		return "", fmt.Errorf("twilio cannot deliver to group chat %s", key.ChatID)
	}
	return s.client.Send(ctx, key.User(), text)
}

// SimulateTyping does nothing; Twilio has no typing indicator. The queue still
// waits out the delay.
func (s *TwilioService) SimulateTyping(ctx context.Context, key models.ConversationKey, d time.Duration) error {
	return nil
}

// WebhookHandler handles inbound Twilio webhook requests and forwards them on
// the Inbound channel.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Warn("TwilioService.WebhookHandler: bad form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.ValidateWebhook(s.webhookURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("TwilioService.WebhookHandler: signature mismatch", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	msg, err := s.parseWebhook(r)
	if err != nil {
		slog.Warn("TwilioService.WebhookHandler: rejected", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.inbox.isStopped() {
		http.Error(w, "Service stopped", http.StatusServiceUnavailable)
		return
	}
	s.inbox.emit(msg)
	slog.Debug("TwilioService.WebhookHandler: forwarded", "instanceID", s.instanceID, "chatID", msg.Key.ChatID, "kind", msg.Content.Kind)

	// Empty TwiML: replies go out through the REST API.
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<Response></Response>")
}

func (s *TwilioService) parseWebhook(r *http.Request) (models.InboundMessage, error) {
	from := strings.TrimPrefix(r.FormValue("From"), "whatsapp:")
	from = strings.TrimPrefix(from, "+")
	if from == "" {
		return models.InboundMessage{}, fmt.Errorf("missing From")
	}
	key, err := models.NewConversationKey(s.instanceID, from+"@"+whatsapp.JIDSuffix)
	if err != nil {
		return models.InboundMessage{}, err
	}
	return models.InboundMessage{
		Key:        key,
		MessageID:  r.FormValue("MessageSid"),
		Content:    twilioContent(r),
		ReceivedAt: s.now(),
	}, nil
}

// twilioContent resolves the variant from the webhook fields. Only the first
// media item is considered.
func twilioContent(r *http.Request) models.InboundContent {
	body := r.FormValue("Body")
	if lat, lon := r.FormValue("Latitude"), r.FormValue("Longitude"); lat != "" && lon != "" {
		la, err1 := strconv.ParseFloat(lat, 64)
		lo, err2 := strconv.ParseFloat(lon, 64)
		if err1 == nil && err2 == nil {
			return models.InboundContent{Kind: models.ContentLocation, Latitude: la, Longitude: lo}
		}
	}
	if n, _ := strconv.Atoi(r.FormValue("NumMedia")); n > 0 {
		ct := r.FormValue("MediaContentType0")
		c := models.InboundContent{Kind: mediaKind(ct), MimeType: ct, Caption: body}
		if c.Kind == models.ContentAudio || c.Kind == models.ContentSticker {
			c.Caption = ""
		}
		return c
	}
	if body == "" {
		return models.InboundContent{Kind: models.ContentUnsupported}
	}
	return models.TextContent(body)
}

func mediaKind(contentType string) models.ContentKind {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return models.ContentDocument
	}
	switch {
	case mediaType == "image/webp":
		return models.ContentSticker
	case strings.HasPrefix(mediaType, "image/"):
		return models.ContentImage
	case strings.HasPrefix(mediaType, "audio/"):
		return models.ContentAudio
	case strings.HasPrefix(mediaType, "video/"):
		return models.ContentVideo
	default:
		return models.ContentDocument
	}
}
