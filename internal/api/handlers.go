package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/engine"
	"github.com/BTreeMap/ReplyPipe/internal/intervention"
	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/outbound"
)

// healthHandler reports liveness plus a few gauges useful to load balancers.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"instances": len(s.manager.Instances()),
	}
	if s.hub != nil {
		health["event_subscribers"] = s.hub.Len()
	}
	writeJSONResponse(w, http.StatusOK, health)
}

type instanceSummary struct {
	ID            string         `json:"id"`
	ActiveChats   int            `json:"active_chats"`
	FollowUpItems int            `json:"follow_up_items"`
	Delivery      outbound.Stats `json:"delivery"`
}

func (s *Server) listInstancesHandler(w http.ResponseWriter, r *http.Request) {
	out := []instanceSummary{}
	for _, inst := range s.manager.Instances() {
		out = append(out, instanceSummary{
			ID:            inst.ID(),
			ActiveChats:   len(inst.Registry().Snapshot()),
			FollowUpItems: len(inst.FollowUps().Items(inst.ID())),
			Delivery:      inst.Queue().Stats(),
		})
	}
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}

type chatStatus struct {
	InstanceID string                `json:"instance_id"`
	ChatID     string                `json:"chat_id"`
	Automation intervention.Status   `json:"automation"`
	FollowUps  []models.FollowUpItem `json:"follow_ups"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	inst, key, err := s.chatFor(r)
	if err != nil {
		writeError(w, "statusHandler", err)
		return
	}
	status, err := inst.Machine().GetStatus(key)
	if err != nil {
		writeError(w, "statusHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(chatStatus{
		InstanceID: key.InstanceID,
		ChatID:     key.ChatID,
		Automation: status,
		FollowUps:  nonNil(inst.FollowUps().Pending(key)),
	}))
}

type modeRequest struct {
	Active *bool `json:"active"`
}

// setModeHandler switches automation on or off. A refused toggle (group
// chats, filtered chats) is answered with 409 and the current status.
func (s *Server) setModeHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	inst, key, err := s.chatFor(r)
	if err != nil {
		writeError(w, "setModeHandler", err)
		return
	}
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(`body must be {"active": true|false}`))
		return
	}
	res, err := inst.Machine().SetMode(key, *req.Active)
	if err != nil {
		writeError(w, "setModeHandler", err)
		return
	}
	writeModeResult(w, res)
}

func (s *Server) pauseHandler(w http.ResponseWriter, r *http.Request) {
	inst, key, err := s.chatFor(r)
	if err != nil {
		writeError(w, "pauseHandler", err)
		return
	}
	res, err := inst.Machine().PauseManually(key)
	if err != nil {
		writeError(w, "pauseHandler", err)
		return
	}
	writeModeResult(w, res)
}

func writeModeResult(w http.ResponseWriter, res intervention.ModeResult) {
	if !res.Success {
		writeJSONResponse(w, http.StatusConflict, models.APIResponse{
			Status:  string(models.APIStatusError),
			Message: res.Reason,
			Result:  res,
		})
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) clearInterventionHandler(w http.ResponseWriter, r *http.Request) {
	inst, key, err := s.chatFor(r)
	if err != nil {
		writeError(w, "clearInterventionHandler", err)
		return
	}
	had, err := inst.Machine().ClearIntervention(key)
	if err != nil {
		writeError(w, "clearInterventionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]bool{"cleared": had}))
}

func (s *Server) listFollowUpsHandler(w http.ResponseWriter, r *http.Request) {
	inst, err := s.instanceFor(r)
	if err != nil {
		writeError(w, "listFollowUpsHandler", err)
		return
	}
	items := inst.FollowUps().Items(inst.ID())
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := items[:0]
		for _, item := range items {
			if string(item.Status) == status {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nonNil(items)))
}

type chatFollowUps struct {
	Pending []models.FollowUpItem      `json:"pending"`
	History models.SentFollowUpHistory `json:"history"`
}

func (s *Server) chatFollowUpsHandler(w http.ResponseWriter, r *http.Request) {
	inst, key, err := s.chatFor(r)
	if err != nil {
		writeError(w, "chatFollowUpsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(chatFollowUps{
		Pending: nonNil(inst.FollowUps().Pending(key)),
		History: inst.FollowUps().History(key),
	}))
}

func (s *Server) cancelFollowUpsHandler(w http.ResponseWriter, r *http.Request) {
	inst, key, err := s.chatFor(r)
	if err != nil {
		writeError(w, "cancelFollowUpsHandler", err)
		return
	}
	n, err := inst.FollowUps().Cancel(r.Context(), key)
	if err != nil {
		writeError(w, "cancelFollowUpsHandler", err)
		return
	}
	slog.Info("Server.cancelFollowUpsHandler: follow-ups cancelled", "instanceID", key.InstanceID, "chatID", key.ChatID, "count", n)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"cancelled": n}))
}

func (s *Server) cancelAllFollowUpsHandler(w http.ResponseWriter, r *http.Request) {
	inst, err := s.instanceFor(r)
	if err != nil {
		writeError(w, "cancelAllFollowUpsHandler", err)
		return
	}
	n, err := inst.FollowUps().CancelAll(r.Context(), inst.ID())
	if err != nil {
		writeError(w, "cancelAllFollowUpsHandler", err)
		return
	}
	slog.Info("Server.cancelAllFollowUpsHandler: follow-ups cancelled", "instanceID", inst.ID(), "count", n)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"cancelled": n}))
}

func (s *Server) getSettingsHandler(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeJSONResponse(w, http.StatusNotImplemented, models.Error("settings are not configurable"))
		return
	}
	inst, err := s.instanceFor(r)
	if err != nil {
		writeError(w, "getSettingsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.settings.Settings(inst.ID())))
}

// updateSettingsHandler applies a partial update: fields missing from the
// body keep their current value.
func (s *Server) updateSettingsHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	if s.settings == nil {
		writeJSONResponse(w, http.StatusNotImplemented, models.Error("settings are not configurable"))
		return
	}
	inst, err := s.instanceFor(r)
	if err != nil {
		writeError(w, "updateSettingsHandler", err)
		return
	}
	id := inst.ID()
	current := s.settings.Settings(id)
	wasEnabled := current.FollowUpEnabled
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&current); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid settings: "+err.Error()))
		return
	}
	updated, err := s.settings.Set(id, current)
	if err != nil {
		writeError(w, "updateSettingsHandler", err)
		return
	}
	s.cancelIfDisabled(r.Context(), inst, wasEnabled, updated.FollowUpEnabled)
	writeJSONResponse(w, http.StatusOK, models.Success(updated))
}

func (s *Server) resetSettingsHandler(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeJSONResponse(w, http.StatusNotImplemented, models.Error("settings are not configurable"))
		return
	}
	inst, err := s.instanceFor(r)
	if err != nil {
		writeError(w, "resetSettingsHandler", err)
		return
	}
	wasEnabled := s.settings.Settings(inst.ID()).FollowUpEnabled
	had := s.settings.Reset(inst.ID())
	s.cancelIfDisabled(r.Context(), inst, wasEnabled, s.settings.Settings(inst.ID()).FollowUpEnabled)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("settings reset to defaults",
		map[string]interface{}{"had_override": had, "settings": s.settings.Settings(inst.ID())}))
}

// cancelIfDisabled drops every scheduled follow-up of inst when a settings
// change turned the feature off.
func (s *Server) cancelIfDisabled(ctx context.Context, inst *engine.Instance, was, now bool) {
	if !was || now {
		return
	}
	n, err := inst.FollowUps().CancelAll(ctx, inst.ID())
	if err != nil {
		slog.Error("Server.cancelIfDisabled: cancelling follow-ups failed", "instanceID", inst.ID(), "error", err)
		return
	}
	slog.Info("Server.cancelIfDisabled: follow-ups disabled, pending items cancelled", "instanceID", inst.ID(), "count", n)
}

func nonNil(items []models.FollowUpItem) []models.FollowUpItem {
	if items == nil {
		return []models.FollowUpItem{}
	}
	return items
}
