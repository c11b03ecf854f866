package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"quizlink/internal/domain"
	"quizlink/internal/server"
)

// RESTHandler exposes the request/response fallback surface under
// /multiplayer. The websocket channel is the primary path; clients poll
// these endpoints when push is unavailable or stale.
type RESTHandler struct {
	service *server.LobbyService
}

func NewRESTHandler(service *server.LobbyService) *RESTHandler {
	return &RESTHandler{service: service}
}

// Register mounts every route on mux.
func (h *RESTHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /multiplayer/lobby", h.createLobby)
	mux.HandleFunc("POST /multiplayer/lobby/{code}/join", h.joinLobby)
	mux.HandleFunc("GET /multiplayer/lobby/{code}", h.getLobbyInfo)
	mux.HandleFunc("POST /multiplayer/lobby/{code}/ready", h.toggleReady)
	mux.HandleFunc("POST /multiplayer/lobby/{code}/settings", h.updateSettings)
	mux.HandleFunc("POST /multiplayer/lobby/{code}/start", h.startGame)
	mux.HandleFunc("GET /multiplayer/lobby/{code}/game", h.getGameState)
	mux.HandleFunc("POST /multiplayer/lobby/{code}/answer", h.submitAnswer)
	mux.HandleFunc("GET /multiplayer/lobby/{code}/results", h.getGameResults)
	mux.HandleFunc("POST /multiplayer/lobby/{code}/leave", h.leaveLobby)
	mux.HandleFunc("POST /multiplayer/lobby/{code}/avatar", h.updateAvatar)
	mux.HandleFunc("GET /multiplayer/categories", h.getCategories)
}

type joinResponse struct {
	Lobby  domain.LobbySnapshot `json:"lobby"`
	Player domain.Player        `json:"player"`
}

type createLobbyRequest struct {
	HostName string               `json:"hostName"`
	Avatar   string               `json:"avatar"`
	Settings *domain.GameSettings `json:"settings,omitempty"`
}

type joinLobbyRequest struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

type readyRequest struct {
	PlayerID string `json:"playerId"`
	Ready    bool   `json:"ready"`
}

type settingsRequest struct {
	PlayerID string               `json:"playerId"`
	Patch    domain.SettingsPatch `json:"patch"`
}

type playerRequest struct {
	PlayerID string `json:"playerId"`
}

type avatarRequest struct {
	PlayerID string `json:"playerId"`
	Avatar   string `json:"avatar"`
}

func (h *RESTHandler) createLobby(w http.ResponseWriter, r *http.Request) {
	var req createLobbyRequest
	if !decode(w, r, &req) {
		return
	}
	snap, player, err := h.service.CreateLobby(req.HostName, req.Avatar, req.Settings)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, joinResponse{Lobby: snap, Player: player})
}

func (h *RESTHandler) joinLobby(w http.ResponseWriter, r *http.Request) {
	var req joinLobbyRequest
	if !decode(w, r, &req) {
		return
	}
	snap, player, err := h.service.Join(r.PathValue("code"), req.Name, req.Avatar)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, joinResponse{Lobby: snap, Player: player})
}

func (h *RESTHandler) getLobbyInfo(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.GetLobby(r.PathValue("code"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, snap)
}

func (h *RESTHandler) toggleReady(w http.ResponseWriter, r *http.Request) {
	var req readyRequest
	if !decode(w, r, &req) {
		return
	}
	snap, err := h.service.ToggleReady(r.PathValue("code"), req.PlayerID, req.Ready)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, snap)
}

func (h *RESTHandler) updateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if !decode(w, r, &req) {
		return
	}
	snap, err := h.service.UpdateSettings(r.PathValue("code"), req.PlayerID, req.Patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, snap)
}

func (h *RESTHandler) startGame(w http.ResponseWriter, r *http.Request) {
	var req playerRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.service.StartGame(r.Context(), r.PathValue("code"), req.PlayerID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RESTHandler) getGameState(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.GetGameState(r.PathValue("code"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, state)
}

func (h *RESTHandler) submitAnswer(w http.ResponseWriter, r *http.Request) {
	var event domain.AnswerEvent
	if !decode(w, r, &event) {
		return
	}
	if err := h.service.SubmitAnswer(r.PathValue("code"), event); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RESTHandler) getGameResults(w http.ResponseWriter, r *http.Request) {
	results, err := h.service.GetResults(r.PathValue("code"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, results)
}

func (h *RESTHandler) leaveLobby(w http.ResponseWriter, r *http.Request) {
	var req playerRequest
	if !decode(w, r, &req) {
		return
	}
	h.service.Leave(r.PathValue("code"), req.PlayerID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *RESTHandler) updateAvatar(w http.ResponseWriter, r *http.Request) {
	var req avatarRequest
	if !decode(w, r, &req) {
		return
	}
	snap, err := h.service.UpdateAvatar(r.PathValue("code"), req.PlayerID, req.Avatar)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, snap)
}

func (h *RESTHandler) getCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.service.Categories(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, categories)
}

func decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("write response: %v", err)
	}
}

// writeError maps domain sentinels onto the conflict statuses clients branch
// on: 404 not found, 409 name conflict, 403 already started / not host.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrLobbyNotFound), errors.Is(err, domain.ErrPlayerNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrNameTaken):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrGameStarted), errors.Is(err, domain.ErrNotHost):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, domain.ErrGameNotStarted), errors.Is(err, domain.ErrQuestionSetNotFound):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrInvalidSettings):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
