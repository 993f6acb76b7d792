// Package settings provides the per-instance Settings read by the core:
// environment defaults plus optional per-instance overrides set at runtime.
package settings

import (
	"log/slog"
	"sync"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/util"
)

// EnvPrefix is prepended to every settings variable.
const EnvPrefix = "REPLYPIPE_"

// FromEnv reads the defaults from REPLYPIPE_* variables.
func FromEnv() models.Settings {
	d := models.DefaultSettings()
	s := models.Settings{
		FollowUpEnabled:           util.ParseBoolEnv(EnvPrefix+"FOLLOW_UP_ENABLED", d.FollowUpEnabled),
		FollowUpCheckDelayMinutes: util.ParseIntEnv(EnvPrefix+"FOLLOW_UP_CHECK_DELAY_MINUTES", d.FollowUpCheckDelayMinutes),
		FollowUpIntervalHours:     util.ParseIntEnv(EnvPrefix+"FOLLOW_UP_INTERVAL_HOURS", d.FollowUpIntervalHours),
		FollowUpMessageCount:      util.ParseIntEnv(EnvPrefix+"FOLLOW_UP_MESSAGE_COUNT", d.FollowUpMessageCount),
		FollowUpUseAI:             util.ParseBoolEnv(EnvPrefix+"FOLLOW_UP_USE_AI", d.FollowUpUseAI),
		FollowUpTemplates:         util.ParseListEnv(EnvPrefix+"FOLLOW_UP_TEMPLATES", "|"),
		AllowList:                 util.ParseListEnv(EnvPrefix+"ALLOW_LIST", ","),
		DenyList:                  util.ParseListEnv(EnvPrefix+"DENY_LIST", ","),
		ImmediateIntervention:     util.ParseBoolEnv(EnvPrefix+"IMMEDIATE_INTERVENTION", d.ImmediateIntervention),
		ReactivationHours:         util.ParseIntEnv(EnvPrefix+"REACTIVATION_HOURS", d.ReactivationHours),
		InboundDebounceSeconds:    util.ParseIntEnv(EnvPrefix+"INBOUND_DEBOUNCE_SECONDS", d.InboundDebounceSeconds),
		TypingMsPerChar:           util.ParseIntEnv(EnvPrefix+"TYPING_MS_PER_CHAR", d.TypingMsPerChar),
		MaxTypingSeconds:          util.ParseIntEnv(EnvPrefix+"MAX_TYPING_SECONDS", d.MaxTypingSeconds),
		ContextName:               util.ParseStringEnv(EnvPrefix+"CONTEXT_NAME", ""),
	}
	return s.Normalize()
}

// Provider hands out normalized Settings per instance.
type Provider struct {
	mu        sync.RWMutex
	defaults  models.Settings
	overrides map[string]models.Settings
}

// NewProvider creates a provider whose instances start from defaults.
func NewProvider(defaults models.Settings) *Provider {
	return &Provider{
		defaults:  defaults.Normalize(),
		overrides: make(map[string]models.Settings),
	}
}

// Settings returns the effective settings of instanceID.
func (p *Provider) Settings(instanceID string) models.Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if s, ok := p.overrides[instanceID]; ok {
		return clone(s)
	}
	return clone(p.defaults)
}

// Defaults returns the settings used by instances without an override.
func (p *Provider) Defaults() models.Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return clone(p.defaults)
}

// Set replaces the settings of instanceID. The stored value is normalized.
func (p *Provider) Set(instanceID string, s models.Settings) (models.Settings, error) {
	if err := models.ValidateInstanceID(instanceID); err != nil {
		return models.Settings{}, err
	}
	s = clone(s).Normalize()
	p.mu.Lock()
	p.overrides[instanceID] = s
	p.mu.Unlock()
	slog.Info("Provider.Set: settings overridden", "instanceID", instanceID,
		"followUpEnabled", s.FollowUpEnabled, "messageCount", s.FollowUpMessageCount, "useAI", s.FollowUpUseAI)
	return clone(s), nil
}

// Reset drops the override of instanceID. It reports whether one existed.
func (p *Provider) Reset(instanceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.overrides[instanceID]
	delete(p.overrides, instanceID)
	return ok
}

func clone(s models.Settings) models.Settings {
	s.FollowUpTemplates = append([]string(nil), s.FollowUpTemplates...)
	s.AllowList = append([]string(nil), s.AllowList...)
	s.DenyList = append([]string(nil), s.DenyList...)
	return s
}
