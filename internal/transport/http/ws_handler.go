package http

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"quizlink/internal/domain"
	"quizlink/internal/server"
)

// WSHandler upgrades connections and bridges them onto lobby sessions. One
// connection serves one player; join_room binds it to a lobby and every
// session broadcast flows back over it.
type WSHandler struct {
	service  *server.LobbyService
	upgrader websocket.Upgrader
}

func NewWSHandler(service *server.LobbyService) *WSHandler {
	return &WSHandler{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS handles one websocket connection for its lifetime.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	send := make(chan domain.Envelope, 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}()

	var (
		cancelSub  func()
		updateDone chan struct{}
	)
	unbind := func() {
		if cancelSub != nil {
			cancelSub()
			cancelSub = nil
		}
		if updateDone != nil {
			<-updateDone
			updateDone = nil
		}
	}

	sendErr := func(msg string) {
		if env, err := domain.NewEnvelope(domain.TopicError, domain.ErrorPayload{Message: msg}); err == nil {
			select {
			case send <- env:
			case <-closeSignals:
			}
		}
	}

	for {
		var inbound domain.Envelope
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case domain.TopicJoinRoom:
			var payload domain.JoinRoomPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				sendErr("invalid join_room payload")
				continue
			}
			unbind()
			updates, cancel, err := h.service.Subscribe(payload.Code)
			if err != nil {
				sendErr(err.Error())
				continue
			}
			cancelSub = cancel
			updateDone = make(chan struct{})
			go func(updates <-chan domain.Envelope, done chan struct{}) {
				defer close(done)
				for {
					select {
					case update, ok := <-updates:
						if !ok {
							return
						}
						select {
						case send <- update:
						case <-closeSignals:
							return
						}
					case <-closeSignals:
						return
					}
				}
			}(updates, updateDone)

			// Echo the current snapshot so a reconnecting client converges
			// without waiting for the next mutation.
			if snap, err := h.service.GetLobby(payload.Code); err == nil {
				if env, err := domain.NewEnvelope(domain.TopicLobbyUpdate, snap); err == nil {
					select {
					case send <- env:
					case <-closeSignals:
					}
				}
			}

		case domain.TopicLeaveRoom:
			var payload domain.LeaveRoomPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				sendErr("invalid leave_room payload")
				continue
			}
			h.service.Leave(payload.Code, payload.PlayerID)
			unbind()

		case domain.TopicStartGame:
			var payload domain.StartGamePayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				sendErr("invalid start_game payload")
				continue
			}
			if err := h.service.StartGame(r.Context(), payload.Code, payload.PlayerID); err != nil {
				sendErr(err.Error())
			}

		case domain.TopicSubmitAnswer:
			var payload domain.SubmitAnswerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				sendErr("invalid submit_answer payload")
				continue
			}
			if err := h.service.SubmitAnswer(payload.Code, payload.Answer); err != nil {
				sendErr(err.Error())
			}

		case domain.TopicRequestNextQuestion:
			var payload domain.RequestNextQuestionPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				sendErr("invalid request_next_question payload")
				continue
			}
			if err := h.service.RequestNext(payload.Code, payload.FromIndex); err != nil {
				sendErr(err.Error())
			}

		default:
			sendErr("unsupported message type")
		}
	}

	// A dropped connection does not remove the player from the lobby; only
	// an explicit leave does. The client reconnects and rebinds; if it never
	// comes back, the per-question deadline keeps pacing moving without it.
	if cancelSub != nil {
		cancelSub()
	}
	close(closeSignals)
	if updateDone != nil {
		<-updateDone
	}
	close(send)
	<-writerDone
}
