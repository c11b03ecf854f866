package domain

import "encoding/json"

// Topic identifies one kind of channel event.
type Topic string

// Topics pushed by the server.
const (
	TopicConnect        Topic = "connect"
	TopicDisconnect     Topic = "disconnect"
	TopicLobbyUpdate    Topic = "lobby_update"
	TopicPlayerJoined   Topic = "player_joined"
	TopicPlayerLeft     Topic = "player_left"
	TopicGameStarted    Topic = "game_started"
	TopicNewQuestion    Topic = "new_question"
	TopicPlayerAnswered Topic = "player_answered"
	TopicAllAnswersIn   Topic = "all_answers_in"
	TopicGameOver       Topic = "game_over"
	TopicError          Topic = "error"
)

// Topics emitted by clients.
const (
	TopicJoinRoom            Topic = "join_room"
	TopicLeaveRoom           Topic = "leave_room"
	TopicStartGame           Topic = "start_game"
	TopicSubmitAnswer        Topic = "submit_answer"
	TopicRequestNextQuestion Topic = "request_next_question"
)

// Envelope is the wire frame for every channel message.
type Envelope struct {
	Type    Topic           `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope. A nil payload yields an
// envelope with no payload field.
func NewEnvelope(topic Topic, payload any) (Envelope, error) {
	env := Envelope{Type: topic}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = raw
	return env, nil
}

// Payloads per topic. Handler code decodes the raw payload into the struct
// matching the topic, so signatures stay checked even though the wire frame
// is generic.

// JoinRoomPayload asks the server to bind this connection to a lobby.
type JoinRoomPayload struct {
	Code     string `json:"code"`
	PlayerID string `json:"playerId"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
}

// LeaveRoomPayload unbinds this connection from a lobby.
type LeaveRoomPayload struct {
	Code     string `json:"code"`
	PlayerID string `json:"playerId"`
}

// StartGamePayload carries the host's start intent.
type StartGamePayload struct {
	Code     string `json:"code"`
	PlayerID string `json:"playerId"`
}

// SubmitAnswerPayload wraps an answer event with its lobby code.
type SubmitAnswerPayload struct {
	Code   string      `json:"code"`
	Answer AnswerEvent `json:"answer"`
}

// RequestNextQuestionPayload asks the server to advance past FromIndex.
// The server is authoritative and ignores stale or duplicate requests.
type RequestNextQuestionPayload struct {
	Code      string `json:"code"`
	FromIndex int    `json:"fromIndex"`
}

// PlayerEventPayload accompanies player_joined / player_left notifications.
type PlayerEventPayload struct {
	Code   string `json:"code"`
	Player Player `json:"player"`
}

// NewQuestionPayload advances every client to the question at Index.
type NewQuestionPayload struct {
	Code     string   `json:"code"`
	Index    int      `json:"index"`
	Question Question `json:"question"`
}

// AllAnswersInPayload signals that every player has answered the current
// question; clients arm a pause of PauseSeconds before requesting the next.
type AllAnswersInPayload struct {
	Code          string `json:"code"`
	QuestionIndex int    `json:"questionIndex"`
	PauseSeconds  int    `json:"pauseSeconds"`
}

// ErrorPayload carries a server-side rejection or failure message.
type ErrorPayload struct {
	Message string `json:"message"`
}
