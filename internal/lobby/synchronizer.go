// Package lobby reconciles authoritative lobby snapshots arriving over the
// push channel and over the REST polling fallback into one consistent local
// view, and carries the pre-game mutation intents (ready, settings, start).
package lobby

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"quizlink/internal/api"
	"quizlink/internal/channel"
	"quizlink/internal/dispatch"
	"quizlink/internal/domain"
	"quizlink/internal/session"
)

// State describes this client's relationship to one lobby code, independent
// of the lobby entity's own lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	default:
		return "disconnected"
	}
}

// Handlers are the UI-facing callbacks. All of them run on the
// synchronizer's dispatch queue; keep them short.
type Handlers struct {
	OnUpdate  func(domain.LobbySnapshot)
	OnStarted func(domain.LobbySnapshot)
	OnError   func(error)
}

// Options tune the reconciliation timing. Zero values get defaults matching
// the reference behavior.
type Options struct {
	// PollInterval is how often the fallback poll is considered.
	PollInterval time.Duration
	// StaleAfter is how long without a push update before polling kicks in.
	StaleAfter time.Duration
	// ConfirmWindow bounds the wait for the lobby_update echoing a join.
	ConfirmWindow time.Duration
}

func (o *Options) withDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 5 * time.Second
	}
	if o.ConfirmWindow <= 0 {
		o.ConfirmWindow = 5 * time.Second
	}
}

// Synchronizer owns the merged lobby view. All mutable fields are touched
// only from the dispatch queue; reads go through a published copy.
type Synchronizer struct {
	ch       *channel.Adapter
	api      *api.Client
	store    *session.Store
	queue    *dispatch.Queue
	opts     Options
	handlers Handlers

	// queue-confined state.
	state       State
	code        string
	self        domain.Player
	applied     domain.LobbySnapshot
	lastSeq     uint64
	lastPush    time.Time
	startedSeen bool
	torn        bool
	pollStop    func()
	confirmStop func()
	unsubs      []channel.Unsubscribe

	sf singleflight.Group

	pubMu    sync.RWMutex
	pubSnap  domain.LobbySnapshot
	pubState State
	pubSelf  domain.Player
}

// New wires a synchronizer onto an existing channel adapter and REST client.
// store may be nil when session persistence is handled elsewhere.
func New(ch *channel.Adapter, restClient *api.Client, store *session.Store, opts Options, handlers Handlers) *Synchronizer {
	opts.withDefaults()
	return &Synchronizer{
		ch:       ch,
		api:      restClient,
		store:    store,
		queue:    dispatch.New(),
		opts:     opts,
		handlers: handlers,
	}
}

// Create makes a new lobby with this client as host and enters it.
func (s *Synchronizer) Create(ctx context.Context, name, avatar string, settings *domain.GameSettings) error {
	resp, err := s.api.CreateLobby(ctx, name, avatar, settings)
	if err != nil {
		return fmt.Errorf("create lobby: %w", err)
	}
	return s.enter(resp)
}

// Join enters an existing lobby. Conflicts (name taken, already started,
// unknown code) are returned to the caller and not retried.
func (s *Synchronizer) Join(ctx context.Context, code, name, avatar string) error {
	resp, err := s.api.JoinLobby(ctx, code, name, avatar)
	if err != nil {
		return fmt.Errorf("join lobby: %w", err)
	}
	return s.enter(resp)
}

// enter installs identity, subscriptions, and the join intent after a
// successful create/join response.
func (s *Synchronizer) enter(resp api.JoinResponse) error {
	if s.store != nil {
		err := s.store.Save(session.Snapshot{
			PlayerName: resp.Player.Name,
			PlayerID:   resp.Player.ID,
			LobbyCode:  resp.Lobby.Code,
			IsHost:     resp.Player.IsHost,
			Avatar:     resp.Player.Avatar,
		})
		if err != nil {
			log.Printf("lobby: persist session: %v", err)
		}
	}

	ok := s.queue.Post(func() {
		s.code = resp.Lobby.Code
		s.self = resp.Player
		s.state = StateConnecting // joined only once a push confirms
		s.subscribeLocked()
		s.applySnapshot(resp.Lobby, false)
		s.publish()

		// If no push lands inside the confirm window, fall back to polling.
		s.confirmStop = s.queue.After(s.opts.ConfirmWindow, func() {
			if s.torn || s.startedSeen {
				return
			}
			if s.lastPush.IsZero() {
				s.ensurePolling()
			}
		})
	})
	if !ok {
		return domain.ErrChannelClosed
	}

	if err := s.ch.Connect(); err != nil {
		log.Printf("lobby: channel connect: %v (polling will cover)", err)
		s.queue.Post(func() { s.ensurePolling() })
	}
	s.emitJoin(resp.Lobby.Code, resp.Player)
	return nil
}

func (s *Synchronizer) emitJoin(code string, self domain.Player) {
	err := s.ch.Emit(domain.TopicJoinRoom, domain.JoinRoomPayload{
		Code:     code,
		PlayerID: self.ID,
		Name:     self.Name,
		Avatar:   self.Avatar,
	})
	if err != nil {
		log.Printf("lobby: emit join_room: %v", err)
	}
}

// subscribeLocked registers every channel topic the lobby cares about. Runs
// on the queue.
func (s *Synchronizer) subscribeLocked() {
	sub := func(topic domain.Topic, handler channel.Handler) {
		s.unsubs = append(s.unsubs, s.ch.Subscribe(topic, handler))
	}

	sub(domain.TopicLobbyUpdate, func(payload json.RawMessage) {
		var snap domain.LobbySnapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			log.Printf("lobby: bad lobby_update payload: %v", err)
			return
		}
		s.queue.Post(func() { s.applySnapshot(snap, true) })
	})
	sub(domain.TopicPlayerJoined, func(payload json.RawMessage) {
		var p domain.PlayerEventPayload
		if err := json.Unmarshal(payload, &p); err == nil {
			log.Printf("lobby %s: %s joined", p.Code, p.Player.Name)
		}
	})
	sub(domain.TopicPlayerLeft, func(payload json.RawMessage) {
		var p domain.PlayerEventPayload
		if err := json.Unmarshal(payload, &p); err == nil {
			log.Printf("lobby %s: %s left", p.Code, p.Player.Name)
		}
	})
	sub(domain.TopicGameStarted, func(payload json.RawMessage) {
		var snap domain.LobbySnapshot
		_ = json.Unmarshal(payload, &snap)
		s.queue.Post(func() { s.markStarted(snap) })
	})
	sub(domain.TopicConnect, func(json.RawMessage) {
		s.queue.Post(func() {
			if s.torn || s.code == "" {
				return
			}
			// Rebind the fresh connection to our lobby and let push flow
			// again; the next confirmed update quiets polling to watchdog duty.
			s.emitJoin(s.code, s.self)
		})
	})
	sub(domain.TopicDisconnect, func(json.RawMessage) {
		s.queue.Post(func() {
			if s.torn {
				return
			}
			s.state = StateConnecting
			s.publish()
			s.ensurePolling()
		})
	})
	sub(domain.TopicError, func(payload json.RawMessage) {
		var p domain.ErrorPayload
		_ = json.Unmarshal(payload, &p)
		if s.handlers.OnError != nil && p.Message != "" {
			s.queue.Post(func() { s.handlers.OnError(fmt.Errorf("server: %s", p.Message)) })
		}
	})
}

// applySnapshot is the single reconciliation point for push and poll inputs.
// Snapshots with a sequence number are gated monotonically; unnumbered
// snapshots fall back to arrival order, where the last one received wins.
func (s *Synchronizer) applySnapshot(snap domain.LobbySnapshot, fromPush bool) {
	if s.torn {
		return
	}
	if snap.Seq != 0 {
		if snap.Seq <= s.lastSeq {
			return
		}
		s.lastSeq = snap.Seq
	}

	s.applied = snap
	if self, ok := snap.PlayerByID(s.self.ID); ok {
		s.self = self
	}
	if fromPush {
		s.lastPush = time.Now()
		s.state = StateJoined
		// Keep the poll timer armed as a staleness watchdog. While pushes keep
		// arriving the tick suppresses requests; if the server goes silent
		// past StaleAfter the next tick issues a GET even on a live socket.
		s.ensurePolling()
	}
	s.publish()

	if s.handlers.OnUpdate != nil {
		s.handlers.OnUpdate(snap)
	}
	if snap.GameStarted {
		s.markStarted(snap)
	}
}

// markStarted fires the started transition exactly once, from whichever
// server-confirmed source arrives first (game_started push or a snapshot
// with gameStarted set).
func (s *Synchronizer) markStarted(snap domain.LobbySnapshot) {
	if s.torn || s.startedSeen {
		return
	}
	s.startedSeen = true
	s.stopPolling()
	if snap.Code == "" {
		snap = s.applied
	}
	if s.handlers.OnStarted != nil {
		s.handlers.OnStarted(snap)
	}
}

// ensurePolling arms the fallback poll loop if it is not already running.
// Runs on the queue.
func (s *Synchronizer) ensurePolling() {
	if s.torn || s.startedSeen || s.pollStop != nil {
		return
	}
	s.armPollTick()
}

func (s *Synchronizer) armPollTick() {
	s.pollStop = s.queue.After(s.opts.PollInterval, func() {
		s.pollStop = nil
		if s.torn || s.startedSeen {
			return
		}
		// Suppress while push is flowing: a recent push means polling would
		// only add load and risk stale overwrites (the seq gate catches those
		// anyway, but there is no point issuing the request).
		if s.ch.IsConnected() && !s.lastPush.IsZero() && time.Since(s.lastPush) < s.opts.StaleAfter {
			s.armPollTick()
			return
		}
		code := s.code
		go s.pollOnce(code)
		s.armPollTick()
	})
}

// pollOnce pulls the lobby over REST and funnels it through the same
// reconciliation as push updates. Errors are logged, not surfaced; polling
// is background sync.
func (s *Synchronizer) pollOnce(code string) {
	snap, err, _ := s.sf.Do(code, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.api.GetLobbyInfo(ctx, code)
	})
	if err != nil {
		log.Printf("lobby: poll %s: %v", code, err)
		return
	}
	s.queue.Post(func() { s.applySnapshot(snap.(domain.LobbySnapshot), false) })
}

func (s *Synchronizer) stopPolling() {
	if s.pollStop != nil {
		s.pollStop()
		s.pollStop = nil
	}
}

// ToggleReady asks the server to set this player's ready flag. The UI
// reflects the change only once the echoed lobby_update confirms it; the
// last received update always wins over local intent.
func (s *Synchronizer) ToggleReady(ready bool) {
	s.queue.Post(func() {
		code, id := s.code, s.self.ID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.api.ToggleReady(ctx, code, id, ready); err != nil {
				s.reportError(fmt.Errorf("toggle ready: %w", err))
			}
		}()
	})
}

// UpdateSettings merges the patch locally right away for responsiveness and
// sends it to the server; the next authoritative snapshot reconverges the
// local view even if the optimistic merge diverged. Host only.
func (s *Synchronizer) UpdateSettings(patch domain.SettingsPatch) {
	s.queue.Post(func() {
		if !s.self.IsHost {
			s.reportError(domain.ErrNotHost)
			return
		}
		if s.applied.GameStarted {
			s.reportError(domain.ErrGameStarted)
			return
		}
		patch.Apply(&s.applied.Settings)
		s.publish()
		if s.handlers.OnUpdate != nil {
			s.handlers.OnUpdate(s.applied)
		}

		code, id := s.code, s.self.ID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.api.UpdateSettings(ctx, code, id, patch); err != nil {
				// Background sync: log and let the next snapshot reconverge.
				log.Printf("lobby: update settings: %v", err)
			}
		}()
	})
}

// StartGame emits the start intent. The local transition into quiz mode
// happens only when the server confirms with game_started.
func (s *Synchronizer) StartGame() {
	s.queue.Post(func() {
		if !s.self.IsHost {
			s.reportError(domain.ErrNotHost)
			return
		}
		err := s.ch.Emit(domain.TopicStartGame, domain.StartGamePayload{Code: s.code, PlayerID: s.self.ID})
		if err != nil {
			s.reportError(fmt.Errorf("start game: %w", err))
		}
	})
}

// Leave exits the lobby, clears the persisted session, and tears down.
func (s *Synchronizer) Leave(ctx context.Context) {
	var code, id string
	done := make(chan struct{})
	if s.queue.Post(func() {
		code, id = s.code, s.self.ID
		close(done)
	}) {
		<-done
	}
	if code != "" {
		_ = s.ch.Emit(domain.TopicLeaveRoom, domain.LeaveRoomPayload{Code: code, PlayerID: id})
		if err := s.api.LeaveLobby(ctx, code, id); err != nil {
			log.Printf("lobby: leave: %v", err)
		}
	}
	if s.store != nil {
		if err := s.store.Clear(); err != nil {
			log.Printf("lobby: clear session: %v", err)
		}
	}
	s.Teardown()
}

// Teardown synchronously deregisters every channel subscription and stops
// every timer; no handler or poll mutates state afterwards.
func (s *Synchronizer) Teardown() {
	done := make(chan struct{})
	posted := s.queue.Post(func() {
		s.torn = true
		s.stopPolling()
		if s.confirmStop != nil {
			s.confirmStop()
			s.confirmStop = nil
		}
		for _, unsub := range s.unsubs {
			unsub()
		}
		s.unsubs = nil
		s.state = StateDisconnected
		s.publish()
		close(done)
	})
	if posted {
		<-done
	}
	s.queue.Close()
}

func (s *Synchronizer) reportError(err error) {
	if s.handlers.OnError != nil {
		s.handlers.OnError(err)
	} else {
		log.Printf("lobby: %v", err)
	}
}

func (s *Synchronizer) publish() {
	s.pubMu.Lock()
	s.pubSnap = s.applied
	s.pubState = s.state
	s.pubSelf = s.self
	s.pubMu.Unlock()
}

// Snapshot returns the last reconciled lobby view.
func (s *Synchronizer) Snapshot() domain.LobbySnapshot {
	s.pubMu.RLock()
	defer s.pubMu.RUnlock()
	return s.pubSnap
}

// State returns this client's lobby relationship state.
func (s *Synchronizer) State() State {
	s.pubMu.RLock()
	defer s.pubMu.RUnlock()
	return s.pubState
}

// Self returns this client's roster entry as last confirmed by the server.
func (s *Synchronizer) Self() domain.Player {
	s.pubMu.RLock()
	defer s.pubMu.RUnlock()
	return s.pubSelf
}
