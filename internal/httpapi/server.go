// Package httpapi exposes the engine's control surface: call lifecycle,
// mute control, state inspection and call history.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/huddlekit/huddle/internal/call"
	"github.com/huddlekit/huddle/internal/config"
	"github.com/huddlekit/huddle/internal/history"
	"github.com/huddlekit/huddle/internal/observability"
)

const defaultHistoryLimit = 50

type Server struct {
	cfg     config.Config
	manager *call.Manager
	hist    history.Store
	metrics *observability.Metrics
	log     zerolog.Logger
}

func New(cfg config.Config, manager *call.Manager, hist history.Store, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		manager: manager,
		hist:    hist,
		metrics: metrics,
		log:     logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/calls", s.handleCreateCall)
	r.Get("/v1/calls", s.handleListCalls)
	r.Get("/v1/calls/{roomID}/{groupCallID}", s.handleGetCall)
	r.Post("/v1/calls/{roomID}/{groupCallID}/enter", s.handleEnterCall)
	r.Post("/v1/calls/{roomID}/{groupCallID}/leave", s.handleLeaveCall)
	r.Post("/v1/calls/{roomID}/{groupCallID}/terminate", s.handleTerminateCall)
	r.Post("/v1/calls/{roomID}/{groupCallID}/mute", s.handleMute)
	r.Get("/v1/calls/{roomID}/{groupCallID}/history", s.handleHistory)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"active_calls": s.manager.ActiveCount(),
	})
}

type createCallRequest struct {
	RoomID      string `json:"room_id"`
	GroupCallID string `json:"group_call_id,omitempty"`
	CallType    string `json:"call_type"`
	Intent      string `json:"intent"`
	PushToTalk  bool   `json:"ptt,omitempty"`
	Enter       bool   `json:"enter,omitempty"`
}

type peerSessionView struct {
	CallID           string `json:"call_id"`
	OpponentUserID   string `json:"opponent_user_id"`
	OpponentDeviceID string `json:"opponent_device_id"`
	State            string `json:"state"`
}

type callView struct {
	RoomID          string            `json:"room_id"`
	GroupCallID     string            `json:"group_call_id"`
	CallType        string            `json:"call_type"`
	Intent          string            `json:"intent"`
	PushToTalk      bool              `json:"ptt"`
	Entered         bool              `json:"entered"`
	Terminated      bool              `json:"terminated"`
	MicrophoneMuted bool              `json:"microphone_muted"`
	LocalVideoMuted bool              `json:"local_video_muted"`
	PeerSessions    []peerSessionView `json:"peer_sessions"`
}

func viewOf(gc *call.GroupCall) callView {
	sessions := gc.PeerSessions()
	peers := make([]peerSessionView, 0, len(sessions))
	for _, ps := range sessions {
		peers = append(peers, peerSessionView{
			CallID:           ps.CallID(),
			OpponentUserID:   ps.OpponentUserID(),
			OpponentDeviceID: ps.OpponentDeviceID(),
			State:            string(ps.State()),
		})
	}
	return callView{
		RoomID:          gc.RoomID(),
		GroupCallID:     gc.GroupCallID(),
		CallType:        string(gc.CallType()),
		Intent:          string(gc.Intent()),
		PushToTalk:      gc.PushToTalk(),
		Entered:         gc.Entered(),
		Terminated:      gc.Terminated(),
		MicrophoneMuted: gc.IsMicrophoneMuted(),
		LocalVideoMuted: gc.IsLocalVideoMuted(),
		PeerSessions:    peers,
	}
}

func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.RoomID) == "" {
		respondError(w, http.StatusBadRequest, "missing_room_id", "room_id is required")
		return
	}
	callType := call.Type(req.CallType)
	if callType == "" {
		callType = call.TypeVideo
	}
	if callType != call.TypeVideo && callType != call.TypeVoice {
		respondError(w, http.StatusBadRequest, "invalid_call_type", "call_type must be video or voice")
		return
	}
	intent := call.Intent(req.Intent)
	if intent == "" {
		intent = call.IntentPrompt
	}
	if intent != call.IntentPrompt && intent != call.IntentRing && intent != call.IntentDirect {
		respondError(w, http.StatusBadRequest, "invalid_intent", "intent must be prompt, ring or direct")
		return
	}

	gc, err := s.manager.Create(r.Context(), req.RoomID, req.GroupCallID, callType, intent, req.PushToTalk)
	if err != nil {
		if errors.Is(err, call.ErrParamsMismatch) {
			respondError(w, http.StatusConflict, "params_mismatch", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "create_failed", err.Error())
		return
	}
	if req.Enter {
		if err := gc.Enter(r.Context()); err != nil {
			respondError(w, http.StatusBadGateway, "enter_failed", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusCreated, viewOf(gc))
}

func (s *Server) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	calls := s.manager.List()
	views := make([]callView, 0, len(calls))
	for _, gc := range calls {
		views = append(views, viewOf(gc))
	}
	respondJSON(w, http.StatusOK, map[string]any{"calls": views})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) *call.GroupCall {
	gc, err := s.manager.Get(chi.URLParam(r, "roomID"), chi.URLParam(r, "groupCallID"))
	if err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return nil
	}
	return gc
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	gc := s.lookup(w, r)
	if gc == nil {
		return
	}
	respondJSON(w, http.StatusOK, viewOf(gc))
}

func (s *Server) handleEnterCall(w http.ResponseWriter, r *http.Request) {
	gc := s.lookup(w, r)
	if gc == nil {
		return
	}
	if err := gc.Enter(r.Context()); err != nil {
		if errors.Is(err, call.ErrTerminated) {
			respondError(w, http.StatusGone, "call_terminated", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "enter_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, viewOf(gc))
}

func (s *Server) handleLeaveCall(w http.ResponseWriter, r *http.Request) {
	gc := s.lookup(w, r)
	if gc == nil {
		return
	}
	if err := gc.Leave(r.Context()); err != nil {
		if errors.Is(err, call.ErrNotEntered) {
			respondError(w, http.StatusConflict, "not_entered", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "leave_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, viewOf(gc))
}

func (s *Server) handleTerminateCall(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	groupCallID := chi.URLParam(r, "groupCallID")
	if err := s.manager.Terminate(r.Context(), roomID, groupCallID); err != nil {
		if errors.Is(err, call.ErrNotFound) {
			respondError(w, http.StatusNotFound, "call_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "terminate_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "terminated"})
}

type muteRequest struct {
	Kind  string `json:"kind"`
	Muted bool   `json:"muted"`
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	gc := s.lookup(w, r)
	if gc == nil {
		return
	}
	var req muteRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var err error
	switch req.Kind {
	case "audio", "microphone":
		err = gc.SetMicrophoneMuted(r.Context(), req.Muted)
	case "video":
		err = gc.SetLocalVideoMuted(r.Context(), req.Muted)
	default:
		respondError(w, http.StatusBadRequest, "invalid_kind", "kind must be audio or video")
		return
	}
	if err != nil {
		// The flag is applied locally even when some peers missed the update.
		s.log.Warn().Err(err).Str("kind", req.Kind).Msg("mute propagation incomplete")
		respondJSON(w, http.StatusAccepted, viewOf(gc))
		return
	}
	respondJSON(w, http.StatusOK, viewOf(gc))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	groupCallID := chi.URLParam(r, "groupCallID")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	events, err := s.hist.Recent(ctx, roomID, groupCallID, defaultHistoryLimit)
	if err != nil {
		respondError(w, http.StatusBadGateway, "history_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
