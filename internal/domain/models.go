package domain

import "time"

// Difficulty levels accepted by the game settings.
const (
	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"
)

// Player is one member of a lobby roster. IDs are server-assigned and stable
// for the lifetime of the session; names are unique within a lobby.
type Player struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	IsHost          bool   `json:"isHost"`
	Avatar          string `json:"avatar"`
	Ready           bool   `json:"ready"`
	Score           int    `json:"score"`
	CorrectAnswers  int    `json:"correctAnswers"`
	CurrentQuestion int    `json:"currentQuestion"`
	TotalQuestions  int    `json:"totalQuestions"`
}

// GameSettings configures a lobby. Mutable only by the host before the game
// starts; frozen afterwards.
type GameSettings struct {
	NumQuestions    int      `json:"numQuestions"`
	Categories      []string `json:"categories"`
	Difficulty      string   `json:"difficulty"`
	TimePerQuestion int      `json:"timePerQuestion"`
	AllowSkipping   bool     `json:"allowSkipping"`
	Topic           string   `json:"topic,omitempty"`
	Model           string   `json:"model"`
	IncludeImages   bool     `json:"includeImages"`
}

// DefaultSettings returns the settings a freshly created lobby starts with.
func DefaultSettings() GameSettings {
	return GameSettings{
		NumQuestions:    10,
		Categories:      []string{"general"},
		Difficulty:      DifficultyMedium,
		TimePerQuestion: 15,
		Model:           "default",
	}
}

// Question count bounds for a single game.
const (
	MinQuestions = 1
	MaxQuestions = 20
)

// Validate checks the ranges a lobby will accept: question count within
// bounds and a positive countdown.
func (s GameSettings) Validate() error {
	if s.NumQuestions < MinQuestions || s.NumQuestions > MaxQuestions {
		return ErrInvalidSettings
	}
	if s.TimePerQuestion <= 0 {
		return ErrInvalidSettings
	}
	return nil
}

// SettingsPatch is a partial settings update. Nil fields are left untouched.
type SettingsPatch struct {
	NumQuestions    *int      `json:"numQuestions,omitempty"`
	Categories      *[]string `json:"categories,omitempty"`
	Difficulty      *string   `json:"difficulty,omitempty"`
	TimePerQuestion *int      `json:"timePerQuestion,omitempty"`
	AllowSkipping   *bool     `json:"allowSkipping,omitempty"`
	Topic           *string   `json:"topic,omitempty"`
	Model           *string   `json:"model,omitempty"`
	IncludeImages   *bool     `json:"includeImages,omitempty"`
}

// Apply merges the patch into settings.
func (p SettingsPatch) Apply(s *GameSettings) {
	if p.NumQuestions != nil {
		s.NumQuestions = *p.NumQuestions
	}
	if p.Categories != nil {
		s.Categories = append([]string(nil), (*p.Categories)...)
	}
	if p.Difficulty != nil {
		s.Difficulty = *p.Difficulty
	}
	if p.TimePerQuestion != nil {
		s.TimePerQuestion = *p.TimePerQuestion
	}
	if p.AllowSkipping != nil {
		s.AllowSkipping = *p.AllowSkipping
	}
	if p.Topic != nil {
		s.Topic = *p.Topic
	}
	if p.Model != nil {
		s.Model = *p.Model
	}
	if p.IncludeImages != nil {
		s.IncludeImages = *p.IncludeImages
	}
}

// LobbySnapshot is a full roster+settings payload representing lobby state at
// a point in time. Seq is a server-assigned monotonic counter; clients discard
// snapshots whose Seq is not strictly greater than the last one applied. A
// zero Seq means the server does not number snapshots and arrival order wins.
type LobbySnapshot struct {
	Seq         uint64       `json:"seq"`
	Code        string       `json:"code"`
	Players     []Player     `json:"players"`
	Settings    GameSettings `json:"settings"`
	GameStarted bool         `json:"gameStarted"`
}

// PlayerByID returns the roster entry with the given id, if present.
func (s LobbySnapshot) PlayerByID(id string) (Player, bool) {
	for _, p := range s.Players {
		if p.ID == id {
			return p, true
		}
	}
	return Player{}, false
}

// Question is a single multiple-choice question. Options carry their letter
// tag inline ("A. ..."), and CorrectAnswer is the bare letter.
type Question struct {
	Index         int      `json:"index"`
	Text          string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer string   `json:"correct_answer"`
	Difficulty    string   `json:"difficulty"`
	Image         string   `json:"image,omitempty"`
}

// AnswerEvent is one player's submitted response to one question. Answer is
// empty on timeout. Delivery is at-least-once; aggregators deduplicate on
// (PlayerID, QuestionIndex).
type AnswerEvent struct {
	PlayerID      string  `json:"playerId"`
	QuestionIndex int     `json:"questionIndex"`
	Answer        string  `json:"answer,omitempty"`
	TimeTaken     float64 `json:"timeTakenSeconds"`
	IsCorrect     bool    `json:"isCorrect"`
	ScoreDelta    int     `json:"scoreDelta"`
}

// GameState is the full per-game payload a client fetches when entering the
// quiz: the question set plus the roster as of the fetch.
type GameState struct {
	Code         string       `json:"code"`
	Questions    []Question   `json:"questions"`
	Players      []Player     `json:"players"`
	CurrentIndex int          `json:"currentIndex"`
	Settings     GameSettings `json:"settings"`
}

// GameResults holds the final per-player aggregates pushed with game_over.
type GameResults struct {
	Code       string    `json:"code"`
	Standings  []Player  `json:"standings"`
	FinishedAt time.Time `json:"finishedAt"`
}
