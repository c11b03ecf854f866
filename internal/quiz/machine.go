// Package quiz drives one client through a running game: local countdown and
// answer capture, score computation, and forward progress on server-pushed
// pacing signals. The server is authoritative for which question is current;
// this machine never advances on its own.
package quiz

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"quizlink/internal/api"
	"quizlink/internal/channel"
	"quizlink/internal/dispatch"
	"quizlink/internal/domain"
	"quizlink/internal/scoring"
	"quizlink/internal/session"
)

// Phase is this client's derived quiz state. It is local; other clients may
// be in a different phase at the same instant.
type Phase int

const (
	PhaseLoading Phase = iota
	PhaseQuestion
	PhaseWaiting
	PhaseResults
)

func (p Phase) String() string {
	switch p {
	case PhaseQuestion:
		return "question"
	case PhaseWaiting:
		return "waiting"
	case PhaseResults:
		return "results"
	default:
		return "loading"
	}
}

const (
	feedbackDelay      = 1500 * time.Millisecond
	defaultPause       = 3 * time.Second
	countdownTick      = 100 * time.Millisecond
	startupNoiseWindow = 2 * time.Second
)

// View is a read-only rendering snapshot for the UI layer.
type View struct {
	Phase     Phase
	Index     int
	Question  domain.Question
	Remaining float64
	Selected  string
	Answered  bool
	Players   []domain.Player
	Results   domain.GameResults
}

// Handlers are the UI-facing callbacks; they run on the machine's queue.
type Handlers struct {
	OnChange   func(View)
	OnFinished func(domain.GameResults)
	OnError    func(error)
}

type answerKey struct {
	playerID string
	index    int
}

// Machine is the per-client quiz state machine. All mutable fields are
// queue-confined.
type Machine struct {
	ch       *channel.Adapter
	api      *api.Client
	store    *session.Store
	queue    *dispatch.Queue
	handlers Handlers

	code     string
	selfID   string
	settings domain.GameSettings
	now      func() time.Time

	phase       Phase
	questions   []domain.Question
	players     map[string]*domain.Player
	index       int
	lastApplied int
	answered    bool
	selected    string
	deadline    time.Time
	recorded    map[answerKey]struct{}
	results     domain.GameResults
	enteredAt   time.Time
	torn        bool

	timerGen  int
	tickStop  func()
	pauseStop func()
	fbStop    func()
	unsubs    []channel.Unsubscribe

	pubMu   sync.RWMutex
	pubView View
}

// New wires a machine onto the shared channel adapter and REST client.
// store may be nil; results persistence is then skipped.
func New(ch *channel.Adapter, restClient *api.Client, store *session.Store, code, selfID string, handlers Handlers) *Machine {
	return newMachineWithClock(ch, restClient, store, code, selfID, handlers, time.Now)
}

// newMachineWithClock allows deterministic timing in tests.
func newMachineWithClock(ch *channel.Adapter, restClient *api.Client, store *session.Store, code, selfID string, handlers Handlers, now func() time.Time) *Machine {
	return &Machine{
		ch:          ch,
		api:         restClient,
		store:       store,
		queue:       dispatch.New(),
		handlers:    handlers,
		code:        code,
		selfID:      selfID,
		now:         now,
		lastApplied: -1,
		players:     make(map[string]*domain.Player),
		recorded:    make(map[answerKey]struct{}),
	}
}

// Start fetches the question set and roster and enters the first question.
// The machine is in LOADING until the fetch lands.
func (m *Machine) Start(ctx context.Context) error {
	state, err := m.api.GetGameState(ctx, m.code)
	if err != nil {
		return fmt.Errorf("load game state: %w", err)
	}
	ok := m.queue.Post(func() {
		m.enteredAt = m.now()
		m.settings = state.Settings
		m.questions = state.Questions
		for i := range state.Players {
			p := state.Players[i]
			m.players[p.ID] = &p
		}
		m.subscribeLocked()
		m.applyQuestion(state.CurrentIndex, domain.Question{})
	})
	if !ok {
		return domain.ErrChannelClosed
	}
	return nil
}

func (m *Machine) subscribeLocked() {
	sub := func(topic domain.Topic, handler channel.Handler) {
		m.unsubs = append(m.unsubs, m.ch.Subscribe(topic, handler))
	}

	sub(domain.TopicNewQuestion, func(payload json.RawMessage) {
		var p domain.NewQuestionPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			log.Printf("quiz: bad new_question payload: %v", err)
			return
		}
		m.queue.Post(func() { m.applyQuestion(p.Index, p.Question) })
	})
	sub(domain.TopicPlayerAnswered, func(payload json.RawMessage) {
		var p domain.AnswerEvent
		if err := json.Unmarshal(payload, &p); err != nil {
			log.Printf("quiz: bad player_answered payload: %v", err)
			return
		}
		m.queue.Post(func() { m.recordAnswer(p) })
	})
	sub(domain.TopicAllAnswersIn, func(payload json.RawMessage) {
		var p domain.AllAnswersInPayload
		_ = json.Unmarshal(payload, &p)
		m.queue.Post(func() { m.allAnswersIn(p) })
	})
	sub(domain.TopicGameOver, func(payload json.RawMessage) {
		var results domain.GameResults
		if err := json.Unmarshal(payload, &results); err != nil {
			log.Printf("quiz: bad game_over payload: %v", err)
			return
		}
		m.queue.Post(func() { m.finish(results) })
	})
	sub(domain.TopicError, func(payload json.RawMessage) {
		var p domain.ErrorPayload
		_ = json.Unmarshal(payload, &p)
		m.queue.Post(func() {
			// Errors racing game start are expected transients, not failures.
			if m.now().Sub(m.enteredAt) < startupNoiseWindow {
				log.Printf("quiz: suppressing startup error: %s", p.Message)
				return
			}
			if m.handlers.OnError != nil && p.Message != "" {
				m.handlers.OnError(fmt.Errorf("server: %s", p.Message))
			}
		})
	})
}

// applyQuestion is the only forward-progress transition. The server-provided
// index is ground truth; duplicates and stale indices are no-ops.
func (m *Machine) applyQuestion(index int, pushed domain.Question) {
	if m.torn || m.phase == PhaseResults {
		return
	}
	if index <= m.lastApplied {
		return
	}
	if _, ok := m.questionAt(index, pushed); !ok {
		log.Printf("quiz: no question data for index %d, ignoring", index)
		return
	}

	m.cancelTimers()
	m.lastApplied = index
	m.index = index
	m.answered = false
	m.selected = ""
	m.phase = PhaseQuestion
	per := m.settings.TimePerQuestion
	if per <= 0 {
		per = 15
	}
	m.deadline = m.now().Add(time.Duration(per) * time.Second)
	if self, ok := m.players[m.selfID]; ok {
		self.CurrentQuestion = index
	}
	m.publish()
	m.armCountdown()
}

// questionAt prefers the locally fetched set and falls back to the pushed
// question when the set is short (e.g. the fetch raced the first push).
func (m *Machine) questionAt(index int, pushed domain.Question) (domain.Question, bool) {
	if index >= 0 && index < len(m.questions) {
		return m.questions[index], true
	}
	if pushed.Text != "" {
		if index >= len(m.questions) {
			// Grow the local set so later reads stay index-addressable.
			for len(m.questions) < index {
				m.questions = append(m.questions, domain.Question{Index: len(m.questions)})
			}
			m.questions = append(m.questions, pushed)
		}
		return pushed, true
	}
	return domain.Question{}, false
}

func (m *Machine) armCountdown() {
	m.timerGen++
	gen := m.timerGen
	var tick func()
	tick = func() {
		if m.torn || gen != m.timerGen || m.phase != PhaseQuestion {
			return
		}
		if !m.now().Before(m.deadline) {
			// Timed out: submit an empty answer.
			m.submit("")
			return
		}
		m.publish()
		m.tickStop = m.queue.After(countdownTick, tick)
	}
	m.tickStop = m.queue.After(countdownTick, tick)
}

// Answer records the local player's selection. Once answered, repeated
// attempts for the same question are no-ops.
func (m *Machine) Answer(letter string) {
	m.queue.Post(func() { m.submit(letter) })
}

func (m *Machine) submit(letter string) {
	if m.torn || m.phase != PhaseQuestion || m.answered {
		return
	}
	m.answered = true
	m.selected = letter

	per := m.settings.TimePerQuestion
	if per <= 0 {
		per = 15
	}
	remaining := m.deadline.Sub(m.now()).Seconds()
	if remaining < 0 {
		remaining = 0
	}

	question := m.questions[m.index]
	correct := letter != "" && letter == question.CorrectAnswer
	delta := scoring.Score(correct, remaining, question.Difficulty, per)

	event := domain.AnswerEvent{
		PlayerID:      m.selfID,
		QuestionIndex: m.index,
		Answer:        letter,
		TimeTaken:     float64(per) - remaining,
		IsCorrect:     correct,
		ScoreDelta:    delta,
	}
	// Apply locally through the same idempotent path as everyone else's
	// answers; the echoed player_answered becomes a duplicate and is dropped.
	m.recordAnswer(event)

	if err := m.ch.Emit(domain.TopicSubmitAnswer, domain.SubmitAnswerPayload{Code: m.code, Answer: event}); err != nil {
		log.Printf("quiz: emit submit_answer: %v", err)
	}

	// Show feedback briefly, then move to WAITING.
	m.timerGen++
	gen := m.timerGen
	m.publish()
	m.fbStop = m.queue.After(feedbackDelay, func() {
		if m.torn || gen != m.timerGen || m.phase != PhaseQuestion {
			return
		}
		m.phase = PhaseWaiting
		m.publish()
	})
}

// recordAnswer aggregates one answer event idempotently: a duplicate
// (player, questionIndex) pair never double-counts score.
func (m *Machine) recordAnswer(event domain.AnswerEvent) {
	if m.torn {
		return
	}
	key := answerKey{playerID: event.PlayerID, index: event.QuestionIndex}
	if _, seen := m.recorded[key]; seen {
		return
	}
	m.recorded[key] = struct{}{}

	player, ok := m.players[event.PlayerID]
	if !ok {
		player = &domain.Player{ID: event.PlayerID}
		m.players[event.PlayerID] = player
	}
	player.Score += event.ScoreDelta
	if event.IsCorrect {
		player.CorrectAnswers++
	}
	player.CurrentQuestion = event.QuestionIndex
	m.publish()
}

// allAnswersIn arms the inter-question pause, after which this client asks
// the server for the next question. The server dedupes the requests that
// every client sends.
func (m *Machine) allAnswersIn(p domain.AllAnswersInPayload) {
	if m.torn || m.phase == PhaseResults {
		return
	}
	if !m.answered {
		// Zero time left for a player that somehow never answered; treat as
		// timeout so the game cannot stall on us.
		m.submit("")
	}
	pause := defaultPause
	if p.PauseSeconds > 0 {
		pause = time.Duration(p.PauseSeconds) * time.Second
	}
	m.timerGen++
	gen := m.timerGen
	if m.pauseStop != nil {
		m.pauseStop()
	}
	from := m.index
	m.pauseStop = m.queue.After(pause, func() {
		if m.torn || gen != m.timerGen || m.phase == PhaseResults {
			return
		}
		err := m.ch.Emit(domain.TopicRequestNextQuestion, domain.RequestNextQuestionPayload{Code: m.code, FromIndex: from})
		if err != nil {
			log.Printf("quiz: request next question: %v", err)
		}
	})
}

// finish is terminal: results are persisted durably before the UI is told,
// so a reload or an unreachable server cannot lose them.
func (m *Machine) finish(results domain.GameResults) {
	if m.torn || m.phase == PhaseResults {
		return
	}
	m.cancelTimers()
	m.phase = PhaseResults
	m.results = results
	if m.store != nil {
		if err := m.store.SaveResults(results); err != nil {
			log.Printf("quiz: persist results: %v", err)
		}
	}
	m.publish()
	if m.handlers.OnFinished != nil {
		m.handlers.OnFinished(results)
	}
}

func (m *Machine) cancelTimers() {
	m.timerGen++
	if m.tickStop != nil {
		m.tickStop()
		m.tickStop = nil
	}
	if m.pauseStop != nil {
		m.pauseStop()
		m.pauseStop = nil
	}
	if m.fbStop != nil {
		m.fbStop()
		m.fbStop = nil
	}
}

// Teardown deregisters every subscription and cancels every timer. Events
// arriving afterwards do not mutate state.
func (m *Machine) Teardown() {
	done := make(chan struct{})
	posted := m.queue.Post(func() {
		m.torn = true
		m.cancelTimers()
		for _, unsub := range m.unsubs {
			unsub()
		}
		m.unsubs = nil
		close(done)
	})
	if posted {
		<-done
	}
	m.queue.Close()
}

func (m *Machine) publish() {
	view := View{
		Phase:    m.phase,
		Index:    m.index,
		Selected: m.selected,
		Answered: m.answered,
		Results:  m.results,
	}
	if m.index >= 0 && m.index < len(m.questions) {
		view.Question = m.questions[m.index]
	}
	if m.phase == PhaseQuestion {
		if remaining := m.deadline.Sub(m.now()).Seconds(); remaining > 0 {
			view.Remaining = remaining
		}
	}
	view.Players = make([]domain.Player, 0, len(m.players))
	for _, p := range m.players {
		view.Players = append(view.Players, *p)
	}
	sort.Slice(view.Players, func(i, j int) bool {
		if view.Players[i].Score != view.Players[j].Score {
			return view.Players[i].Score > view.Players[j].Score
		}
		return view.Players[i].Name < view.Players[j].Name
	})

	m.pubMu.Lock()
	m.pubView = view
	m.pubMu.Unlock()

	if m.handlers.OnChange != nil {
		m.handlers.OnChange(view)
	}
}

// View returns the latest rendering snapshot.
func (m *Machine) View() View {
	m.pubMu.RLock()
	defer m.pubMu.RUnlock()
	return m.pubView
}
