// Package server is the reference lobby server: the authoritative record of
// rosters, settings, pacing, and scores that the client core synchronizes
// against.
package server

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"quizlink/internal/domain"
)

// SessionRepository abstracts how lobby sessions are stored.
type SessionRepository interface {
	Put(code string, session *Session)
	Get(code string) (*Session, bool)
	DeleteIfEmpty(code string)
}

// ScoreRecorder is an optional store capability: running totals get mirrored
// into a store that outlives this process.
type ScoreRecorder interface {
	RecordScore(ctx context.Context, code, playerName string, score int) error
}

// QuestionRepository provides quiz content for a started game.
type QuestionRepository interface {
	GetQuestions(ctx context.Context, req SetRequest) ([]domain.Question, error)
	Categories(ctx context.Context) ([]string, error)
}

// SetRequest describes the question set a lobby's settings call for.
type SetRequest struct {
	Categories   []string
	Difficulty   string
	NumQuestions int
	Topic        string
}

const pauseSeconds = 3

// answerGrace extends the server-side question deadline past the client
// countdown, so connected clients get to submit their own timeout answers
// before the server records empty ones on their behalf.
const answerGrace = 2 * time.Second

// LobbyService contains the multiplayer use cases.
type LobbyService struct {
	sessions  SessionRepository
	questions QuestionRepository

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewLobbyService(sessions SessionRepository, questions QuestionRepository) *LobbyService {
	return &LobbyService{
		sessions:  sessions,
		questions: questions,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

func (l *LobbyService) newCode() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var b strings.Builder
	for i := 0; i < 5; i++ {
		b.WriteByte(codeAlphabet[l.rnd.Intn(len(codeAlphabet))])
	}
	return b.String()
}

// CreateLobby opens a new lobby with the caller as its host. The host flag is
// assigned here and never transferred.
func (l *LobbyService) CreateLobby(hostName, avatar string, settings *domain.GameSettings) (domain.LobbySnapshot, domain.Player, error) {
	if hostName == "" {
		return domain.LobbySnapshot{}, domain.Player{}, fmt.Errorf("host name is required")
	}
	if settings != nil {
		if err := settings.Validate(); err != nil {
			return domain.LobbySnapshot{}, domain.Player{}, err
		}
	}

	var session *Session
	var code string
	for {
		code = l.newCode()
		if _, exists := l.sessions.Get(code); !exists {
			session = NewSession(code)
			l.sessions.Put(code, session)
			break
		}
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if settings != nil {
		session.settings = *settings
	}
	host := &domain.Player{
		ID:     uuid.NewString(),
		Name:   hostName,
		IsHost: true,
		Avatar: avatar,
	}
	session.players[host.ID] = host
	session.order = append(session.order, host.ID)
	session.bumpLocked()
	return session.snapshotLocked(), *host, nil
}

// Join adds a player to an open lobby. Duplicate names and started games are
// rejected, not retried.
func (l *LobbyService) Join(code, name, avatar string) (domain.LobbySnapshot, domain.Player, error) {
	session, ok := l.sessions.Get(code)
	if !ok {
		return domain.LobbySnapshot{}, domain.Player{}, domain.ErrLobbyNotFound
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if session.started {
		return domain.LobbySnapshot{}, domain.Player{}, domain.ErrGameStarted
	}
	for _, p := range session.players {
		if p.Name == name {
			return domain.LobbySnapshot{}, domain.Player{}, domain.ErrNameTaken
		}
	}

	player := &domain.Player{
		ID:     uuid.NewString(),
		Name:   name,
		Avatar: avatar,
	}
	session.players[player.ID] = player
	session.order = append(session.order, player.ID)
	session.bumpLocked()

	if env, err := domain.NewEnvelope(domain.TopicPlayerJoined, domain.PlayerEventPayload{Code: code, Player: *player}); err == nil {
		session.broadcastLocked(env)
	}
	snap := session.broadcastSnapshotLocked()
	return snap, *player, nil
}

// GetLobby returns the current snapshot; the polling fallback path.
func (l *LobbyService) GetLobby(code string) (domain.LobbySnapshot, error) {
	session, ok := l.sessions.Get(code)
	if !ok {
		return domain.LobbySnapshot{}, domain.ErrLobbyNotFound
	}
	session.mu.RLock()
	defer session.mu.RUnlock()
	return session.snapshotLocked(), nil
}

// ToggleReady flips a player's ready flag and pushes the updated roster.
func (l *LobbyService) ToggleReady(code, playerID string, ready bool) (domain.LobbySnapshot, error) {
	session, ok := l.sessions.Get(code)
	if !ok {
		return domain.LobbySnapshot{}, domain.ErrLobbyNotFound
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	player, ok := session.players[playerID]
	if !ok {
		return domain.LobbySnapshot{}, domain.ErrPlayerNotFound
	}
	player.Ready = ready
	session.bumpLocked()
	return session.broadcastSnapshotLocked(), nil
}

// UpdateSettings merges a partial settings update. Host only, pre-start only.
func (l *LobbyService) UpdateSettings(code, playerID string, patch domain.SettingsPatch) (domain.LobbySnapshot, error) {
	session, ok := l.sessions.Get(code)
	if !ok {
		return domain.LobbySnapshot{}, domain.ErrLobbyNotFound
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	player, ok := session.players[playerID]
	if !ok {
		return domain.LobbySnapshot{}, domain.ErrPlayerNotFound
	}
	if !player.IsHost {
		return domain.LobbySnapshot{}, domain.ErrNotHost
	}
	if session.started {
		return domain.LobbySnapshot{}, domain.ErrGameStarted
	}
	merged := session.settings
	patch.Apply(&merged)
	if err := merged.Validate(); err != nil {
		return domain.LobbySnapshot{}, err
	}
	session.settings = merged
	session.bumpLocked()
	return session.broadcastSnapshotLocked(), nil
}

// UpdateAvatar changes a player's avatar glyph.
func (l *LobbyService) UpdateAvatar(code, playerID, avatar string) (domain.LobbySnapshot, error) {
	session, ok := l.sessions.Get(code)
	if !ok {
		return domain.LobbySnapshot{}, domain.ErrLobbyNotFound
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	player, ok := session.players[playerID]
	if !ok {
		return domain.LobbySnapshot{}, domain.ErrPlayerNotFound
	}
	player.Avatar = avatar
	session.bumpLocked()
	return session.broadcastSnapshotLocked(), nil
}

// StartGame loads the question set and transitions the lobby into its game.
// The transition happens exactly once; repeat requests are rejected.
func (l *LobbyService) StartGame(ctx context.Context, code, playerID string) error {
	session, ok := l.sessions.Get(code)
	if !ok {
		return domain.ErrLobbyNotFound
	}

	session.mu.Lock()
	if session.started {
		session.mu.Unlock()
		return domain.ErrGameStarted
	}
	player, ok := session.players[playerID]
	if !ok {
		session.mu.Unlock()
		return domain.ErrPlayerNotFound
	}
	if !player.IsHost {
		session.mu.Unlock()
		return domain.ErrNotHost
	}
	req := SetRequest{
		Categories:   session.settings.Categories,
		Difficulty:   session.settings.Difficulty,
		NumQuestions: session.settings.NumQuestions,
		Topic:        session.settings.Topic,
	}
	session.mu.Unlock()

	// Question loading can hit the network; keep it outside the lock.
	questions, err := l.questions.GetQuestions(ctx, req)
	if err != nil {
		return fmt.Errorf("load questions: %w", err)
	}
	if len(questions) == 0 {
		return domain.ErrQuestionSetNotFound
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if session.started {
		return domain.ErrGameStarted
	}
	session.started = true
	session.questions = questions
	session.current = 0
	for _, p := range session.players {
		p.TotalQuestions = len(questions)
		p.CurrentQuestion = 0
		p.Score = 0
		p.CorrectAnswers = 0
	}
	session.bumpLocked()

	snap := session.snapshotLocked()
	if env, err := domain.NewEnvelope(domain.TopicGameStarted, snap); err == nil {
		session.broadcastLocked(env)
	}
	session.broadcastSnapshotLocked()
	if env, err := domain.NewEnvelope(domain.TopicNewQuestion, domain.NewQuestionPayload{
		Code: code, Index: 0, Question: questions[0],
	}); err == nil {
		session.broadcastLocked(env)
	}
	l.armQuestionDeadlineLocked(session, code, 0)
	return nil
}

// GetGameState returns the question set and roster for a started game.
func (l *LobbyService) GetGameState(code string) (domain.GameState, error) {
	session, ok := l.sessions.Get(code)
	if !ok {
		return domain.GameState{}, domain.ErrLobbyNotFound
	}
	session.mu.RLock()
	defer session.mu.RUnlock()
	if !session.started {
		return domain.GameState{}, domain.ErrGameNotStarted
	}
	snap := session.snapshotLocked()
	return domain.GameState{
		Code:         code,
		Questions:    append([]domain.Question(nil), session.questions...),
		Players:      snap.Players,
		CurrentIndex: session.current,
		Settings:     session.settings,
	}, nil
}

// SubmitAnswer records one answer idempotently: replays of the same
// (player, question) pair never double-count. When the last outstanding
// answer for the current question lands, all_answers_in goes out.
func (l *LobbyService) SubmitAnswer(code string, event domain.AnswerEvent) error {
	session, ok := l.sessions.Get(code)
	if !ok {
		return domain.ErrLobbyNotFound
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	if !session.started {
		return domain.ErrGameNotStarted
	}
	player, ok := session.players[event.PlayerID]
	if !ok {
		return domain.ErrPlayerNotFound
	}

	key := answerKey{playerID: event.PlayerID, index: event.QuestionIndex}
	if _, seen := session.answers[key]; seen {
		return nil
	}
	session.answers[key] = event

	player.Score += event.ScoreDelta
	if event.IsCorrect {
		player.CorrectAnswers++
	}
	player.CurrentQuestion = event.QuestionIndex
	session.bumpLocked()

	if env, err := domain.NewEnvelope(domain.TopicPlayerAnswered, event); err == nil {
		session.broadcastLocked(env)
	}

	if recorder, ok := l.sessions.(ScoreRecorder); ok {
		name, score := player.Name, player.Score
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := recorder.RecordScore(ctx, code, name, score); err != nil {
				log.Printf("server: record score: %v", err)
			}
		}()
	}

	if event.QuestionIndex == session.current && session.allAnsweredLocked() {
		l.completeQuestionLocked(session, code)
	}
	return nil
}

func (s *Session) allAnsweredLocked() bool {
	for id := range s.players {
		if _, ok := s.answers[answerKey{playerID: id, index: s.current}]; !ok {
			return false
		}
	}
	return len(s.players) > 0
}

// completeQuestionLocked broadcasts all_answers_in for the current question
// and disarms its deadline.
func (l *LobbyService) completeQuestionLocked(session *Session, code string) {
	stopQuestionDeadlineLocked(session)
	if env, err := domain.NewEnvelope(domain.TopicAllAnswersIn, domain.AllAnswersInPayload{
		Code:          code,
		QuestionIndex: session.current,
		PauseSeconds:  pauseSeconds,
	}); err == nil {
		session.broadcastLocked(env)
	}
}

// armQuestionDeadlineLocked schedules the pacing backstop for one question.
// A player whose connection vanished never submits and never leaves, so the
// lobby cannot wait on the roster alone; once the countdown plus grace
// elapses, the missing answers are recorded empty and pacing moves on.
func (l *LobbyService) armQuestionDeadlineLocked(session *Session, code string, index int) {
	if session.questionTimer != nil {
		session.questionTimer.Stop()
	}
	d := time.Duration(session.settings.TimePerQuestion)*time.Second + answerGrace
	session.questionTimer = time.AfterFunc(d, func() {
		l.expireQuestion(code, index)
	})
}

func stopQuestionDeadlineLocked(session *Session) {
	if session.questionTimer != nil {
		session.questionTimer.Stop()
		session.questionTimer = nil
	}
}

// expireQuestion force-records an empty answer for every player still missing
// one on the given question. A no-op when the game already moved past it.
func (l *LobbyService) expireQuestion(code string, index int) {
	session, ok := l.sessions.Get(code)
	if !ok {
		return
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	if !session.started || session.finished || session.current != index {
		return
	}
	if session.allAnsweredLocked() {
		return
	}
	for id, player := range session.players {
		key := answerKey{playerID: id, index: index}
		if _, seen := session.answers[key]; seen {
			continue
		}
		event := domain.AnswerEvent{
			PlayerID:      id,
			QuestionIndex: index,
			TimeTaken:     float64(session.settings.TimePerQuestion),
		}
		session.answers[key] = event
		player.CurrentQuestion = index
		if env, err := domain.NewEnvelope(domain.TopicPlayerAnswered, event); err == nil {
			session.broadcastLocked(env)
		}
	}
	session.bumpLocked()
	l.completeQuestionLocked(session, code)
}

// RequestNext advances to the next question once per index. Every client
// sends this after the pause; only the first request for the current index
// does anything.
func (l *LobbyService) RequestNext(code string, fromIndex int) error {
	session, ok := l.sessions.Get(code)
	if !ok {
		return domain.ErrLobbyNotFound
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	if !session.started || session.finished {
		return nil
	}
	if fromIndex != session.current {
		return nil
	}

	next := session.current + 1
	if next >= len(session.questions) {
		session.finished = true
		stopQuestionDeadlineLocked(session)
		session.bumpLocked()
		results := session.resultsLocked()
		if env, err := domain.NewEnvelope(domain.TopicGameOver, results); err == nil {
			session.broadcastLocked(env)
		}
		return nil
	}

	session.current = next
	session.bumpLocked()
	if env, err := domain.NewEnvelope(domain.TopicNewQuestion, domain.NewQuestionPayload{
		Code: code, Index: next, Question: session.questions[next],
	}); err == nil {
		session.broadcastLocked(env)
	}
	l.armQuestionDeadlineLocked(session, code, next)
	return nil
}

// GetResults returns the final standings for a finished game.
func (l *LobbyService) GetResults(code string) (domain.GameResults, error) {
	session, ok := l.sessions.Get(code)
	if !ok {
		return domain.GameResults{}, domain.ErrLobbyNotFound
	}
	session.mu.RLock()
	defer session.mu.RUnlock()
	if !session.started {
		return domain.GameResults{}, domain.ErrGameNotStarted
	}
	return session.resultsLocked(), nil
}

// Leave removes a player and drops the session once empty.
func (l *LobbyService) Leave(code, playerID string) {
	session, ok := l.sessions.Get(code)
	if !ok {
		return
	}
	session.mu.Lock()
	player, present := session.players[playerID]
	if present {
		delete(session.players, playerID)
		for i, id := range session.order {
			if id == playerID {
				session.order = append(session.order[:i], session.order[i+1:]...)
				break
			}
		}
		session.bumpLocked()
		if env, err := domain.NewEnvelope(domain.TopicPlayerLeft, domain.PlayerEventPayload{Code: code, Player: *player}); err == nil {
			session.broadcastLocked(env)
		}
		session.broadcastSnapshotLocked()
		// The departed player may have been the only missing answer.
		_, answered := session.answers[answerKey{playerID: playerID, index: session.current}]
		if session.started && !session.finished && !answered && session.allAnsweredLocked() {
			l.completeQuestionLocked(session, code)
		}
	}
	empty := len(session.players) == 0
	if empty {
		stopQuestionDeadlineLocked(session)
	}
	session.mu.Unlock()

	if empty {
		l.sessions.DeleteIfEmpty(code)
	}
}

// Subscribe returns a channel of push envelopes for a lobby. The caller must
// invoke cancel to avoid leaks.
func (l *LobbyService) Subscribe(code string) (<-chan domain.Envelope, func(), error) {
	session, ok := l.sessions.Get(code)
	if !ok {
		return nil, nil, domain.ErrLobbyNotFound
	}
	ch, cancel := session.subscribe()
	return ch, cancel, nil
}

// Categories lists the available question categories.
func (l *LobbyService) Categories(ctx context.Context) ([]string, error) {
	return l.questions.Categories(ctx)
}
