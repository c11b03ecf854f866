package server

import (
	"sort"
	"sync"
	"time"

	"quizlink/internal/domain"
)

type answerKey struct {
	playerID string
	index    int
}

// Session is the authoritative in-memory record of one lobby and, once
// started, its game. All snapshots it hands out carry a monotonically
// increasing seq so clients can discard stale ones regardless of whether
// they arrived by push or by poll.
type Session struct {
	mu          sync.RWMutex
	code        string
	createdAt   time.Time
	now         func() time.Time
	seq         uint64
	order       []string
	players     map[string]*domain.Player
	settings    domain.GameSettings
	started     bool
	finished    bool
	questions   []domain.Question
	current     int
	answers     map[answerKey]domain.AnswerEvent
	subscribers map[chan domain.Envelope]struct{}

	// questionTimer is the server-side pacing backstop for the current
	// question. Re-armed on every question, stopped when the game ends.
	questionTimer *time.Timer
}

// NewSession is exported for stores that need to seed sessions.
func NewSession(code string) *Session {
	return newSessionWithClock(code, time.Now)
}

// newSessionWithClock allows deterministic timestamps in tests.
func newSessionWithClock(code string, now func() time.Time) *Session {
	return &Session{
		code:        code,
		createdAt:   now(),
		now:         now,
		players:     make(map[string]*domain.Player),
		settings:    domain.DefaultSettings(),
		answers:     make(map[answerKey]domain.AnswerEvent),
		subscribers: make(map[chan domain.Envelope]struct{}),
	}
}

// IsEmpty reports whether the session has no players.
func (s *Session) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.players) == 0
}

func (s *Session) snapshotLocked() domain.LobbySnapshot {
	players := make([]domain.Player, 0, len(s.order))
	for _, id := range s.order {
		if p, ok := s.players[id]; ok {
			players = append(players, *p)
		}
	}
	return domain.LobbySnapshot{
		Seq:         s.seq,
		Code:        s.code,
		Players:     players,
		Settings:    s.settings,
		GameStarted: s.started,
	}
}

// bumpLocked advances the snapshot sequence; call before building the
// snapshot that reflects a mutation.
func (s *Session) bumpLocked() {
	s.seq++
}

func (s *Session) subscribe() (<-chan domain.Envelope, func()) {
	ch := make(chan domain.Envelope, 16)

	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// broadcastLocked fans an envelope out to every subscriber without blocking;
// a slow subscriber loses its oldest pending message instead of stalling the
// rest of the lobby.
func (s *Session) broadcastLocked(env domain.Envelope) {
	for ch := range s.subscribers {
		select {
		case ch <- env:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- env
		}
	}
}

func (s *Session) broadcastSnapshotLocked() domain.LobbySnapshot {
	snap := s.snapshotLocked()
	if env, err := domain.NewEnvelope(domain.TopicLobbyUpdate, snap); err == nil {
		s.broadcastLocked(env)
	}
	return snap
}

// resultsLocked builds the final standings ordered by score, correct answers,
// then name.
func (s *Session) resultsLocked() domain.GameResults {
	standings := make([]domain.Player, 0, len(s.order))
	for _, id := range s.order {
		if p, ok := s.players[id]; ok {
			standings = append(standings, *p)
		}
	}
	sortStandings(standings)
	return domain.GameResults{
		Code:       s.code,
		Standings:  standings,
		FinishedAt: s.now(),
	}
}

func sortStandings(players []domain.Player) {
	sort.Slice(players, func(i, j int) bool {
		if players[i].Score != players[j].Score {
			return players[i].Score > players[j].Score
		}
		if players[i].CorrectAnswers != players[j].CorrectAnswers {
			return players[i].CorrectAnswers > players[j].CorrectAnswers
		}
		return players[i].Name < players[j].Name
	})
}
