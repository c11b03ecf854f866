package server

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"quizlink/internal/domain"
)

// QuestionLoader fetches the question pool for one category from a backing
// store (Postgres in production, a static map in tests and demos).
type QuestionLoader interface {
	LoadCategory(ctx context.Context, category string) ([]domain.Question, error)
	ListCategories(ctx context.Context) ([]string, error)
}

// buildSet assembles a game's question set from per-category pools: filter by
// difficulty when the pool has matches, interleave categories, cap at
// numQuestions, and re-index sequentially.
func buildSet(pools [][]domain.Question, difficulty string, numQuestions int) []domain.Question {
	if numQuestions <= 0 {
		numQuestions = 10
	}
	var merged []domain.Question
	for _, pool := range pools {
		filtered := pool
		if difficulty != "" {
			var matching []domain.Question
			for _, q := range pool {
				if q.Difficulty == difficulty {
					matching = append(matching, q)
				}
			}
			if len(matching) > 0 {
				filtered = matching
			}
		}
		merged = append(merged, filtered...)
	}

	if len(merged) > numQuestions {
		merged = merged[:numQuestions]
	}
	out := make([]domain.Question, len(merged))
	copy(out, merged)
	for i := range out {
		out[i].Index = i
	}
	return out
}

// CachedQuestions caches category pools in memory with TTL to avoid repeated
// backing-store hits; concurrent misses for the same category collapse into
// one load.
type CachedQuestions struct {
	loader QuestionLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group
	rnd    *rand.Rand

	mu    sync.RWMutex
	cache map[string]cachedPool
}

type cachedPool struct {
	questions []domain.Question
	expiresAt time.Time
}

func NewCachedQuestions(loader QuestionLoader, ttl time.Duration) *CachedQuestions {
	return &CachedQuestions{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedPool),
	}
}

func (c *CachedQuestions) GetQuestions(ctx context.Context, req SetRequest) ([]domain.Question, error) {
	categories := req.Categories
	if len(categories) == 0 {
		categories = []string{"general"}
	}
	pools := make([][]domain.Question, 0, len(categories))
	for _, category := range categories {
		pool, err := c.pool(ctx, category)
		if err != nil {
			return nil, err
		}
		pools = append(pools, pool)
	}
	return buildSet(pools, req.Difficulty, req.NumQuestions), nil
}

func (c *CachedQuestions) pool(ctx context.Context, category string) ([]domain.Question, error) {
	now := c.clock()

	c.mu.RLock()
	if entry, ok := c.cache[category]; ok && entry.expiresAt.After(now) {
		c.mu.RUnlock()
		return entry.questions, nil
	}
	c.mu.RUnlock()

	result, err, _ := c.sf.Do(category, func() (interface{}, error) {
		now := c.clock()
		c.mu.RLock()
		if entry, ok := c.cache[category]; ok && entry.expiresAt.After(now) {
			c.mu.RUnlock()
			return entry.questions, nil
		}
		c.mu.RUnlock()

		questions, err := c.loader.LoadCategory(ctx, category)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.cache[category] = cachedPool{
			questions: questions,
			expiresAt: now.Add(c.ttlWithJitter()),
		}
		c.mu.Unlock()
		return questions, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Question), nil
}

func (c *CachedQuestions) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}

func (c *CachedQuestions) Categories(ctx context.Context) ([]string, error) {
	return c.loader.ListCategories(ctx)
}

// StaticQuestionLoader serves pools from an in-memory map (tests/demos).
type StaticQuestionLoader struct {
	pools map[string][]domain.Question
}

func NewStaticQuestionLoader(pools map[string][]domain.Question) *StaticQuestionLoader {
	return &StaticQuestionLoader{pools: pools}
}

func (l *StaticQuestionLoader) LoadCategory(_ context.Context, category string) ([]domain.Question, error) {
	if pool, ok := l.pools[strings.ToLower(category)]; ok {
		return pool, nil
	}
	return nil, domain.ErrQuestionSetNotFound
}

func (l *StaticQuestionLoader) ListCategories(_ context.Context) ([]string, error) {
	categories := make([]string, 0, len(l.pools))
	for category := range l.pools {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	return categories, nil
}

// SampleQuestions is a small built-in pool used when no Postgres is
// configured.
func SampleQuestions() map[string][]domain.Question {
	return map[string][]domain.Question{
		"general": {
			{
				Text:          "What is the largest planet in the solar system?",
				Options:       []string{"A. Earth", "B. Jupiter", "C. Saturn", "D. Neptune"},
				CorrectAnswer: "B",
				Difficulty:    domain.DifficultyEasy,
			},
			{
				Text:          "Which element has the chemical symbol O?",
				Options:       []string{"A. Gold", "B. Osmium", "C. Oxygen", "D. Oganesson"},
				CorrectAnswer: "C",
				Difficulty:    domain.DifficultyEasy,
			},
			{
				Text:          "In which year did the first moon landing take place?",
				Options:       []string{"A. 1965", "B. 1967", "C. 1969", "D. 1971"},
				CorrectAnswer: "C",
				Difficulty:    domain.DifficultyMedium,
			},
			{
				Text:          "Which composer wrote the Brandenburg Concertos?",
				Options:       []string{"A. Mozart", "B. Bach", "C. Beethoven", "D. Handel"},
				CorrectAnswer: "B",
				Difficulty:    domain.DifficultyHard,
			},
		},
		"science": {
			{
				Text:          "What particle carries a negative electric charge?",
				Options:       []string{"A. Proton", "B. Neutron", "C. Electron", "D. Photon"},
				CorrectAnswer: "C",
				Difficulty:    domain.DifficultyEasy,
			},
			{
				Text:          "What is the speed of light in a vacuum, approximately?",
				Options:       []string{"A. 300,000 km/s", "B. 150,000 km/s", "C. 1,000,000 km/s", "D. 30,000 km/s"},
				CorrectAnswer: "A",
				Difficulty:    domain.DifficultyMedium,
			},
		},
	}
}
