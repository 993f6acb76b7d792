package models

import (
	"strings"
	"time"
)

// Setting defaults.
const (
	DefaultFollowUpCheckDelayMinutes = 60
	DefaultFollowUpIntervalHours     = 24
	DefaultFollowUpMessageCount      = 1
	DefaultReactivationHours         = 2
	DefaultInboundDebounceSeconds    = 10
	DefaultTypingMsPerChar           = 40
	DefaultMaxTypingSeconds          = 6
)

// Upper bounds applied by Normalize. They keep every derived duration far
// below the range of time.Duration.
const (
	MaxFollowUpCheckDelayMinutes = 30 * 24 * 60
	MaxFollowUpIntervalHours     = 365 * 24
	MaxReactivationHours         = 365 * 24
	MaxInboundDebounceSeconds    = 60 * 60
	MaxTypingMsPerChar           = 1000
	MaxMaxTypingSeconds          = 60
)

// DefaultFollowUpTemplates are sent when AI generation is off or fails.
var DefaultFollowUpTemplates = []string{
	"Oi! Passando para saber se ainda posso ajudar com algo.",
	"Just checking in: is there anything else you need?",
	"Seguimos à disposição caso precise de algo. 🙂",
}

// Settings is the per-instance configuration read by the core.
type Settings struct {
	FollowUpEnabled           bool     `json:"follow_up_enabled"`
	FollowUpCheckDelayMinutes int      `json:"follow_up_check_delay_minutes"`
	FollowUpIntervalHours     int      `json:"follow_up_interval_hours"`
	FollowUpMessageCount      int      `json:"follow_up_message_count"`
	FollowUpUseAI             bool     `json:"follow_up_use_ai"`
	FollowUpTemplates         []string `json:"follow_up_templates,omitempty"`
	AllowList                 []string `json:"allow_list,omitempty"`
	DenyList                  []string `json:"deny_list,omitempty"`
	ImmediateIntervention     bool     `json:"immediate_intervention"`
	ReactivationHours         int      `json:"reactivation_hours"`
	InboundDebounceSeconds    int      `json:"inbound_debounce_seconds"`
	TypingMsPerChar           int      `json:"typing_ms_per_char"`
	MaxTypingSeconds          int      `json:"max_typing_seconds"`
	ContextName               string   `json:"context_name,omitempty"`
}

// DefaultSettings returns the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		FollowUpEnabled:           false,
		FollowUpCheckDelayMinutes: DefaultFollowUpCheckDelayMinutes,
		FollowUpIntervalHours:     DefaultFollowUpIntervalHours,
		FollowUpMessageCount:      DefaultFollowUpMessageCount,
		FollowUpUseAI:             true,
		FollowUpTemplates:         append([]string(nil), DefaultFollowUpTemplates...),
		ReactivationHours:         DefaultReactivationHours,
		InboundDebounceSeconds:    DefaultInboundDebounceSeconds,
		TypingMsPerChar:           DefaultTypingMsPerChar,
		MaxTypingSeconds:          DefaultMaxTypingSeconds,
	}
}

// Normalize clamps the message count to 1..3, replaces non-positive
// durations with their defaults and caps every duration at its Max constant.
func (s Settings) Normalize() Settings {
	s.FollowUpMessageCount = clamp(s.FollowUpMessageCount, 1, MaxFollowUpsPerChat)
	if s.FollowUpCheckDelayMinutes <= 0 {
		s.FollowUpCheckDelayMinutes = DefaultFollowUpCheckDelayMinutes
	}
	s.FollowUpCheckDelayMinutes = min(s.FollowUpCheckDelayMinutes, MaxFollowUpCheckDelayMinutes)
	s.FollowUpIntervalHours = ClampIntervalHours(s.FollowUpIntervalHours)
	if s.ReactivationHours <= 0 {
		s.ReactivationHours = DefaultReactivationHours
	}
	s.ReactivationHours = min(s.ReactivationHours, MaxReactivationHours)
	if s.InboundDebounceSeconds <= 0 {
		s.InboundDebounceSeconds = DefaultInboundDebounceSeconds
	}
	s.InboundDebounceSeconds = min(s.InboundDebounceSeconds, MaxInboundDebounceSeconds)
	if s.TypingMsPerChar < 0 {
		s.TypingMsPerChar = DefaultTypingMsPerChar
	}
	s.TypingMsPerChar = min(s.TypingMsPerChar, MaxTypingMsPerChar)
	if s.MaxTypingSeconds < 0 {
		s.MaxTypingSeconds = DefaultMaxTypingSeconds
	}
	s.MaxTypingSeconds = min(s.MaxTypingSeconds, MaxMaxTypingSeconds)
	if len(s.FollowUpTemplates) == 0 {
		s.FollowUpTemplates = append([]string(nil), DefaultFollowUpTemplates...)
	}
	return s
}

// ClampIntervalHours maps a non-positive follow-up interval to the default
// and caps it at MaxFollowUpIntervalHours.
func ClampIntervalHours(h int) int {
	if h <= 0 {
		return DefaultFollowUpIntervalHours
	}
	return min(h, MaxFollowUpIntervalHours)
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// ReactivationWindow is how long an automatic intervention lasts.
func (s Settings) ReactivationWindow() time.Duration {
	return time.Duration(s.ReactivationHours) * time.Hour
}

// DebounceWindow is the inbound aggregation interval.
func (s Settings) DebounceWindow() time.Duration {
	return time.Duration(s.InboundDebounceSeconds) * time.Second
}

// CheckDelay is how long after a reply the follow-up check runs.
func (s Settings) CheckDelay() time.Duration {
	return time.Duration(s.FollowUpCheckDelayMinutes) * time.Minute
}

// Filtered reports whether the chat is excluded by the allow or deny list.
// Entries match either the full chat id or its user part.
func (s Settings) Filtered(key ConversationKey) bool {
	if len(s.AllowList) > 0 && !listContains(s.AllowList, key) {
		return true
	}
	return listContains(s.DenyList, key)
}

func listContains(list []string, key ConversationKey) bool {
	user := key.User()
	for _, entry := range list {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == key.ChatID || entry == user || strings.TrimPrefix(entry, "+") == user {
			return true
		}
	}
	return false
}
