// Package models defines the core data structures for ReplyPipe.
//
// It includes conversation keys and state, intervention records, follow-up
// items and the API envelope types shared across modules.
package models

import (
	"regexp"
	"strings"
	"time"
)

// Chat id grammar accepted by every public entry point: "digits@domain",
// with the legacy "digits-digits@g.us" group form also allowed.
var (
	chatIDRegex     = regexp.MustCompile(`^[0-9]+(-[0-9]+)?@[a-z][a-z0-9.]*$`)
	instanceIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// Domains that identify group-like conversations. Automated responses never
// activate on these.
var groupDomains = map[string]bool{
	"g.us":       true,
	"broadcast":  true,
	"newsletter": true,
}

// ConversationKey identifies one conversation across all components.
type ConversationKey struct {
	InstanceID string `json:"instance_id"`
	ChatID     string `json:"chat_id"`
}

// NewConversationKey builds and validates a key.
func NewConversationKey(instanceID, chatID string) (ConversationKey, error) {
	key := ConversationKey{InstanceID: instanceID, ChatID: chatID}
	if err := key.Validate(); err != nil {
		return ConversationKey{}, err
	}
	return key, nil
}

// Validate checks the instance id and chat id against the accepted grammar.
func (k ConversationKey) Validate() error {
	if !instanceIDRegex.MatchString(k.InstanceID) {
		return NewValidationError("instance_id", k.InstanceID, "must match [A-Za-z0-9_-]{1,64}")
	}
	if !chatIDRegex.MatchString(k.ChatID) {
		return NewValidationError("chat_id", k.ChatID, "must look like digits@domain")
	}
	return nil
}

// IsGroup reports whether the key addresses a group-like conversation.
func (k ConversationKey) IsGroup() bool {
	return IsGroupChatID(k.ChatID)
}

// User returns the part of the chat id before the '@'.
func (k ConversationKey) User() string {
	user, _, _ := strings.Cut(k.ChatID, "@")
	return user
}

func (k ConversationKey) String() string {
	return k.InstanceID + "/" + k.ChatID
}

// IsGroupChatID reports whether chatID belongs to a group-like domain.
func IsGroupChatID(chatID string) bool {
	_, domain, ok := strings.Cut(chatID, "@")
	if !ok {
		return false
	}
	return groupDomains[domain]
}

// ValidateInstanceID checks an instance id on its own (bulk operations).
func ValidateInstanceID(instanceID string) error {
	if !instanceIDRegex.MatchString(instanceID) {
		return NewValidationError("instance_id", instanceID, "must match [A-Za-z0-9_-]{1,64}")
	}
	return nil
}

// InterventionRecord marks a chat as taken over by a human.
// ExpiresAt zero means the record never auto-expires.
type InterventionRecord struct {
	IsManual    bool      `json:"is_manual"`
	ActivatedAt time.Time `json:"activated_at"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether an automatic record has reached its expiry.
func (r InterventionRecord) Expired(now time.Time) bool {
	if r.IsManual || r.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(r.ExpiresAt)
}

// ModeSetting is an explicit operator choice to turn automation on or off.
type ModeSetting struct {
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConversationState is the per-chat state owned by the conversation registry.
type ConversationState struct {
	Active        bool                `json:"active"`
	LastInboundAt time.Time           `json:"last_inbound_at,omitempty"`
	Intervention  *InterventionRecord `json:"intervention,omitempty"`
	Mode          *ModeSetting        `json:"mode,omitempty"`
}

// Clone returns a deep copy safe to hand outside the registry lock.
func (s ConversationState) Clone() ConversationState {
	out := s
	if s.Intervention != nil {
		rec := *s.Intervention
		out.Intervention = &rec
	}
	if s.Mode != nil {
		mode := *s.Mode
		out.Mode = &mode
	}
	return out
}

// FollowUpStatus is the lifecycle state of a follow-up item.
type FollowUpStatus string

const (
	FollowUpStatusPending FollowUpStatus = "pending"
	FollowUpStatusSent    FollowUpStatus = "sent"
	FollowUpStatusFailed  FollowUpStatus = "failed"
)

// MaxFollowUpsPerChat caps sent follow-ups between two inbound activity resets.
const MaxFollowUpsPerChat = 3

// FollowUpItem is one scheduled re-engagement message.
type FollowUpItem struct {
	ID              string         `json:"id"`
	Message         string         `json:"message"`
	ChatID          string         `json:"chat_id"`
	InstanceID      string         `json:"instance_id"`
	ScheduledTime   time.Time      `json:"scheduled_time"`
	Status          FollowUpStatus `json:"status"`
	SequenceIndex   int            `json:"sequence_index"`
	TotalInSequence int            `json:"total_in_sequence"`
	FailureReason   string         `json:"failure_reason,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at,omitempty"`
}

// Key returns the conversation the item belongs to.
func (f FollowUpItem) Key() ConversationKey {
	return ConversationKey{InstanceID: f.InstanceID, ChatID: f.ChatID}
}

// SentFollowUpHistory counts follow-ups delivered since the last inbound activity.
type SentFollowUpHistory struct {
	LastFollowUpTime time.Time `json:"last_follow_up_time"`
	FollowUpCount    int       `json:"follow_up_count"`
}

// SentMessage is the audit record of one outbound message.
type SentMessage struct {
	InstanceID string    `json:"instance_id"`
	ChatID     string    `json:"chat_id"`
	MessageID  string    `json:"message_id"`
	Body       string    `json:"body"`
	SentAt     time.Time `json:"sent_at"`
}

// Turn is one entry of a conversation transcript handed to the responder.
type Turn struct {
	Role string    `json:"role"` // "user" or "assistant"
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Turn roles.
const (
	TurnRoleUser      = "user"
	TurnRoleAssistant = "assistant"
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
