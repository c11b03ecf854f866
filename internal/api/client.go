// Package api is the request/response client for the multiplayer REST
// surface. It backs the lobby synchronizer's polling fallback and the
// join/create flows.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"quizlink/internal/domain"
)

// Client talks to {baseURL}/multiplayer/...
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a client. baseURL has no trailing slash requirement.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// JoinResponse is returned by createLobby and joinLobby.
type JoinResponse struct {
	Lobby  domain.LobbySnapshot `json:"lobby"`
	Player domain.Player        `json:"player"`
}

type createLobbyRequest struct {
	HostName string                `json:"hostName"`
	Avatar   string                `json:"avatar"`
	Settings *domain.GameSettings  `json:"settings,omitempty"`
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

// CreateLobby creates a lobby with the caller as host.
func (c *Client) CreateLobby(ctx context.Context, hostName, avatar string, settings *domain.GameSettings) (JoinResponse, error) {
	var out JoinResponse
	err := c.do(ctx, http.MethodPost, "/multiplayer/lobby", createLobbyRequest{HostName: hostName, Avatar: avatar, Settings: settings}, &out)
	return out, err
}

// JoinLobby joins an existing lobby by code.
func (c *Client) JoinLobby(ctx context.Context, code, name, avatar string) (JoinResponse, error) {
	var out JoinResponse
	err := c.do(ctx, http.MethodPost, "/multiplayer/lobby/"+code+"/join", joinLobbyRequest{Name: name, Avatar: avatar}, &out)
	return out, err
}

// GetLobbyInfo pulls a full lobby snapshot; the polling fallback path.
func (c *Client) GetLobbyInfo(ctx context.Context, code string) (domain.LobbySnapshot, error) {
	var out domain.LobbySnapshot
	err := c.do(ctx, http.MethodGet, "/multiplayer/lobby/"+code, nil, &out)
	return out, err
}

// ToggleReady sets this player's ready flag.
func (c *Client) ToggleReady(ctx context.Context, code, playerID string, ready bool) error {
	return c.do(ctx, http.MethodPost, "/multiplayer/lobby/"+code+"/ready", readyRequest{PlayerID: playerID, Ready: ready}, nil)
}

// UpdateSettings merges a partial settings update. Host only.
func (c *Client) UpdateSettings(ctx context.Context, code, playerID string, patch domain.SettingsPatch) error {
	return c.do(ctx, http.MethodPost, "/multiplayer/lobby/"+code+"/settings", settingsRequest{PlayerID: playerID, Patch: patch}, nil)
}

// StartGame requests the game start. Host only.
func (c *Client) StartGame(ctx context.Context, code, playerID string) error {
	return c.do(ctx, http.MethodPost, "/multiplayer/lobby/"+code+"/start", playerRequest{PlayerID: playerID}, nil)
}

// GetGameState fetches the question set and roster for a started game.
func (c *Client) GetGameState(ctx context.Context, code string) (domain.GameState, error) {
	var out domain.GameState
	err := c.do(ctx, http.MethodGet, "/multiplayer/lobby/"+code+"/game", nil, &out)
	return out, err
}

// SubmitAnswer records an answer over REST; the channel emit is the primary
// path, this is the fallback.
func (c *Client) SubmitAnswer(ctx context.Context, code string, answer domain.AnswerEvent) error {
	return c.do(ctx, http.MethodPost, "/multiplayer/lobby/"+code+"/answer", answer, nil)
}

// GetGameResults fetches the final standings.
func (c *Client) GetGameResults(ctx context.Context, code string) (domain.GameResults, error) {
	var out domain.GameResults
	err := c.do(ctx, http.MethodGet, "/multiplayer/lobby/"+code+"/results", nil, &out)
	return out, err
}

// LeaveLobby removes the player from the lobby.
func (c *Client) LeaveLobby(ctx context.Context, code, playerID string) error {
	return c.do(ctx, http.MethodPost, "/multiplayer/lobby/"+code+"/leave", playerRequest{PlayerID: playerID}, nil)
}

// UpdateAvatar changes the player's avatar glyph.
func (c *Client) UpdateAvatar(ctx context.Context, code, playerID, avatar string) error {
	return c.do(ctx, http.MethodPost, "/multiplayer/lobby/"+code+"/avatar", avatarRequest{PlayerID: playerID, Avatar: avatar}, nil)
}

// GetCategories lists the quiz categories the server offers.
func (c *Client) GetCategories(ctx context.Context) ([]string, error) {
	var out []string
	err := c.do(ctx, http.MethodGet, "/multiplayer/categories", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return statusError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError maps conflict statuses to domain sentinels so callers can
// branch on them without parsing bodies.
func statusError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusNotFound:
		return domain.ErrLobbyNotFound
	case http.StatusConflict:
		return domain.ErrNameTaken
	case http.StatusForbidden:
		return domain.ErrGameStarted
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = resp.Status
	}
	return fmt.Errorf("api: %s", msg)
}
