package server

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"quizlink/internal/domain"
)

func testQuestions() map[string][]domain.Question {
	return map[string][]domain.Question{
		"general": {
			{
				Text:          "Pick B",
				Options:       []string{"A. no", "B. yes", "C. no", "D. no"},
				CorrectAnswer: "B",
				Difficulty:    domain.DifficultyMedium,
			},
			{
				Text:          "Pick C",
				Options:       []string{"A. no", "B. no", "C. yes", "D. no"},
				CorrectAnswer: "C",
				Difficulty:    domain.DifficultyMedium,
			},
		},
	}
}

func newTestService() *LobbyService {
	questions := NewCachedQuestions(NewStaticQuestionLoader(testQuestions()), 5*time.Minute)
	return NewLobbyService(NewMemoryStore(), questions)
}

func newStartedLobby(t *testing.T, service *LobbyService) (code string, host, guest domain.Player) {
	t.Helper()
	snap, hostPlayer, err := service.CreateLobby("Alice", "🦊", nil)
	if err != nil {
		t.Fatalf("create lobby: %v", err)
	}
	code = snap.Code
	_, guestPlayer, err := service.Join(code, "Bob", "🐢")
	if err != nil {
		t.Fatalf("join lobby: %v", err)
	}
	if err := service.StartGame(context.Background(), code, hostPlayer.ID); err != nil {
		t.Fatalf("start game: %v", err)
	}
	return code, hostPlayer, guestPlayer
}

func TestCreateAssignsSingleHost(t *testing.T) {
	service := newTestService()
	snap, host, err := service.CreateLobby("Alice", "🦊", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !host.IsHost {
		t.Fatalf("creator should be host")
	}
	if len(snap.Code) != 5 {
		t.Fatalf("expected 5-char code, got %q", snap.Code)
	}

	_, guest, err := service.Join(snap.Code, "Bob", "🐢")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if guest.IsHost {
		t.Fatalf("joiner must not be host")
	}

	updated, _ := service.GetLobby(snap.Code)
	hosts := 0
	for _, p := range updated.Players {
		if p.IsHost {
			hosts++
		}
	}
	if hosts != 1 {
		t.Fatalf("expected exactly one host, got %d", hosts)
	}
}

func TestJoinConflicts(t *testing.T) {
	service := newTestService()
	snap, host, err := service.CreateLobby("Alice", "🦊", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, _, err := service.Join(snap.Code, "Alice", ""); !errors.Is(err, domain.ErrNameTaken) {
		t.Fatalf("expected name conflict, got %v", err)
	}
	if _, _, err := service.Join("ZZZZZ", "Bob", ""); !errors.Is(err, domain.ErrLobbyNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := service.StartGame(context.Background(), snap.Code, host.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, err := service.Join(snap.Code, "Carol", ""); !errors.Is(err, domain.ErrGameStarted) {
		t.Fatalf("expected started rejection, got %v", err)
	}
}

func TestSettingsHostOnlyAndSeqMonotonic(t *testing.T) {
	service := newTestService()
	snap, host, _ := service.CreateLobby("Alice", "🦊", nil)
	_, guest, _ := service.Join(snap.Code, "Bob", "")

	if _, err := service.UpdateSettings(snap.Code, guest.ID, domain.SettingsPatch{}); !errors.Is(err, domain.ErrNotHost) {
		t.Fatalf("expected host-only rejection, got %v", err)
	}

	num := 2
	diff := domain.DifficultyHard
	updated, err := service.UpdateSettings(snap.Code, host.ID, domain.SettingsPatch{NumQuestions: &num, Difficulty: &diff})
	if err != nil {
		t.Fatalf("update settings: %v", err)
	}
	if updated.Settings.NumQuestions != 2 || updated.Settings.Difficulty != domain.DifficultyHard {
		t.Fatalf("patch not applied: %+v", updated.Settings)
	}
	if updated.Settings.TimePerQuestion != 15 {
		t.Fatalf("untouched field changed: %+v", updated.Settings)
	}

	var lastSeq uint64
	for _, ready := range []bool{true, false, true} {
		s, err := service.ToggleReady(snap.Code, guest.ID, ready)
		if err != nil {
			t.Fatalf("toggle ready: %v", err)
		}
		if s.Seq <= lastSeq {
			t.Fatalf("seq not monotonic: %d after %d", s.Seq, lastSeq)
		}
		lastSeq = s.Seq
	}
}

func TestStartGameBroadcastsPacing(t *testing.T) {
	service := newTestService()
	snap, host, _ := service.CreateLobby("Alice", "🦊", nil)
	updates, cancel, err := service.Subscribe(snap.Code)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := service.StartGame(context.Background(), snap.Code, host.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := service.StartGame(context.Background(), snap.Code, host.ID); !errors.Is(err, domain.ErrGameStarted) {
		t.Fatalf("expected second start rejected, got %v", err)
	}

	seen := map[domain.Topic]bool{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 3 {
		select {
		case env := <-updates:
			seen[env.Type] = true
			if env.Type == domain.TopicNewQuestion {
				var p domain.NewQuestionPayload
				if err := json.Unmarshal(env.Payload, &p); err != nil || p.Index != 0 {
					t.Fatalf("bad new_question payload: %v %+v", err, p)
				}
			}
		case <-timeout:
			t.Fatalf("missing broadcasts, saw %v", seen)
		}
	}
	for _, topic := range []domain.Topic{domain.TopicGameStarted, domain.TopicLobbyUpdate, domain.TopicNewQuestion} {
		if !seen[topic] {
			t.Fatalf("expected %s broadcast, saw %v", topic, seen)
		}
	}
}

func TestAnswerAggregationIsIdempotent(t *testing.T) {
	service := newTestService()
	code, host, _ := newStartedLobby(t, service)

	event := domain.AnswerEvent{
		PlayerID:      host.ID,
		QuestionIndex: 0,
		Answer:        "B",
		IsCorrect:     true,
		ScoreDelta:    10,
	}
	for i := 0; i < 5; i++ {
		if err := service.SubmitAnswer(code, event); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	snap, _ := service.GetLobby(code)
	player, ok := snap.PlayerByID(host.ID)
	if !ok {
		t.Fatalf("host missing from roster")
	}
	if player.Score != 10 || player.CorrectAnswers != 1 {
		t.Fatalf("duplicates double-counted: score=%d correct=%d", player.Score, player.CorrectAnswers)
	}
}

func TestAllAnswersInThenAdvanceThenGameOver(t *testing.T) {
	service := newTestService()
	code, host, guest := newStartedLobby(t, service)

	updates, cancel, err := service.Subscribe(code)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	mustSubmit := func(player domain.Player, index, delta int, correct bool) {
		t.Helper()
		err := service.SubmitAnswer(code, domain.AnswerEvent{
			PlayerID:      player.ID,
			QuestionIndex: index,
			IsCorrect:     correct,
			ScoreDelta:    delta,
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	mustSubmit(host, 0, 10, true)
	mustSubmit(guest, 0, 0, false)
	waitTopic(t, updates, domain.TopicAllAnswersIn)

	// Stale and duplicate advance requests are no-ops.
	if err := service.RequestNext(code, 5); err != nil {
		t.Fatalf("stale next: %v", err)
	}
	if err := service.RequestNext(code, 0); err != nil {
		t.Fatalf("next: %v", err)
	}
	if err := service.RequestNext(code, 0); err != nil {
		t.Fatalf("duplicate next: %v", err)
	}
	env := waitTopic(t, updates, domain.TopicNewQuestion)
	var nq domain.NewQuestionPayload
	if err := json.Unmarshal(env.Payload, &nq); err != nil || nq.Index != 1 {
		t.Fatalf("expected index 1, got %+v (%v)", nq, err)
	}

	mustSubmit(host, 1, 8, true)
	mustSubmit(guest, 1, 12, true)
	waitTopic(t, updates, domain.TopicAllAnswersIn)
	if err := service.RequestNext(code, 1); err != nil {
		t.Fatalf("final next: %v", err)
	}
	env = waitTopic(t, updates, domain.TopicGameOver)
	var results domain.GameResults
	if err := json.Unmarshal(env.Payload, &results); err != nil {
		t.Fatalf("results payload: %v", err)
	}
	if len(results.Standings) != 2 {
		t.Fatalf("expected 2 standings, got %d", len(results.Standings))
	}
	if results.Standings[0].Name != "Alice" || results.Standings[0].Score != 18 {
		t.Fatalf("expected Alice leading with 18, got %+v", results.Standings[0])
	}
}

func TestSettingsRejectOutOfRangeValues(t *testing.T) {
	service := newTestService()
	snap, host, _ := service.CreateLobby("Alice", "🦊", nil)

	tooMany := 50
	if _, err := service.UpdateSettings(snap.Code, host.ID, domain.SettingsPatch{NumQuestions: &tooMany}); !errors.Is(err, domain.ErrInvalidSettings) {
		t.Fatalf("expected invalid settings, got %v", err)
	}
	zeroTime := 0
	if _, err := service.UpdateSettings(snap.Code, host.ID, domain.SettingsPatch{TimePerQuestion: &zeroTime}); !errors.Is(err, domain.ErrInvalidSettings) {
		t.Fatalf("expected invalid settings, got %v", err)
	}

	updated, _ := service.GetLobby(snap.Code)
	if updated.Settings.NumQuestions != 10 || updated.Settings.TimePerQuestion != 15 {
		t.Fatalf("rejected patch must leave settings untouched: %+v", updated.Settings)
	}

	bad := domain.DefaultSettings()
	bad.NumQuestions = 0
	if _, _, err := service.CreateLobby("Carol", "", &bad); !errors.Is(err, domain.ErrInvalidSettings) {
		t.Fatalf("expected create rejection, got %v", err)
	}
}

func TestVanishedPlayerDoesNotStallPacing(t *testing.T) {
	service := newTestService()
	settings := domain.DefaultSettings()
	settings.NumQuestions = 2
	settings.TimePerQuestion = 1
	snap, host, err := service.CreateLobby("Alice", "🦊", &settings)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, guest, err := service.Join(snap.Code, "Bob", "🐢")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := service.StartGame(context.Background(), snap.Code, host.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	updates, cancel, err := service.Subscribe(snap.Code)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	// The guest's connection is gone; only the host answers.
	err = service.SubmitAnswer(snap.Code, domain.AnswerEvent{
		PlayerID:      host.ID,
		QuestionIndex: 0,
		Answer:        "B",
		IsCorrect:     true,
		ScoreDelta:    10,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Once the question deadline passes, the server records an empty answer
	// for the silent player and pacing moves on without them.
	env := waitTopicWithin(t, updates, domain.TopicAllAnswersIn, 6*time.Second)
	var p domain.AllAnswersInPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.QuestionIndex != 0 {
		t.Fatalf("bad all_answers_in payload: %v %+v", err, p)
	}

	after, _ := service.GetLobby(snap.Code)
	if bob, ok := after.PlayerByID(guest.ID); !ok || bob.Score != 0 || bob.CorrectAnswers != 0 {
		t.Fatalf("forced answer must not score: %+v", bob)
	}
}

func TestLeaveReleasesPendingAllAnswersIn(t *testing.T) {
	service := newTestService()
	code, host, guest := newStartedLobby(t, service)

	updates, cancel, err := service.Subscribe(code)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	err = service.SubmitAnswer(code, domain.AnswerEvent{
		PlayerID:      host.ID,
		QuestionIndex: 0,
		Answer:        "B",
		IsCorrect:     true,
		ScoreDelta:    10,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// The guest was the only missing answer; leaving completes the question.
	service.Leave(code, guest.ID)
	waitTopic(t, updates, domain.TopicAllAnswersIn)
}

func waitTopic(t *testing.T, updates <-chan domain.Envelope, topic domain.Topic) domain.Envelope {
	t.Helper()
	return waitTopicWithin(t, updates, topic, 2*time.Second)
}

func waitTopicWithin(t *testing.T, updates <-chan domain.Envelope, topic domain.Topic, d time.Duration) domain.Envelope {
	t.Helper()
	timeout := time.After(d)
	for {
		select {
		case env := <-updates:
			if env.Type == topic {
				return env
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", topic)
		}
	}
}
