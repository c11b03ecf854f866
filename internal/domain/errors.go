package domain

import "errors"

var (
	// ErrLobbyNotFound is returned when a lobby code does not resolve.
	ErrLobbyNotFound = errors.New("lobby not found")
	// ErrNameTaken is returned when a display name is already used in the lobby.
	ErrNameTaken = errors.New("name already taken in lobby")
	// ErrGameStarted is returned for join or settings mutations after start.
	ErrGameStarted = errors.New("game already started")
	// ErrNotHost is returned for host-only operations by non-hosts.
	ErrNotHost = errors.New("operation restricted to the host")
	// ErrPlayerNotFound is returned when a player id is not in the roster.
	ErrPlayerNotFound = errors.New("player not found in lobby")
	// ErrQuestionSetNotFound indicates the question content could not be loaded.
	ErrQuestionSetNotFound = errors.New("question set not found")
	// ErrGameNotStarted is returned when game state is requested pre-start.
	ErrGameNotStarted = errors.New("game not started")
	// ErrInvalidSettings is returned when a settings value is out of range.
	ErrInvalidSettings = errors.New("invalid game settings")
	// ErrChannelClosed is returned when using a torn-down channel adapter.
	ErrChannelClosed = errors.New("channel closed")
)
