package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"quizlink/internal/domain"
)

// RedisQuestions caches category pools in Redis as JSON blobs and falls back
// to a loader on miss. Keyed as questions:{category}.
type RedisQuestions struct {
	client *redis.Client
	loader QuestionLoader
	ttl    time.Duration
	sf     singleflight.Group
	rnd    *rand.Rand
}

func NewRedisQuestions(client *redis.Client, loader QuestionLoader, ttl time.Duration) *RedisQuestions {
	return &RedisQuestions{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *RedisQuestions) GetQuestions(ctx context.Context, req SetRequest) ([]domain.Question, error) {
	categories := req.Categories
	if len(categories) == 0 {
		categories = []string{"general"}
	}
	pools := make([][]domain.Question, 0, len(categories))
	for _, category := range categories {
		pool, err := r.pool(ctx, category)
		if err != nil {
			return nil, err
		}
		pools = append(pools, pool)
	}
	return buildSet(pools, req.Difficulty, req.NumQuestions), nil
}

func (r *RedisQuestions) pool(ctx context.Context, category string) ([]domain.Question, error) {
	key := r.key(category)

	raw, err := r.client.Get(ctx, key).Result()
	if err == nil && raw != "" {
		var pool []domain.Question
		if err := json.Unmarshal([]byte(raw), &pool); err == nil {
			return pool, nil
		}
	}

	result, err, _ := r.sf.Do(category, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		raw, err := r.client.Get(ctx, key).Result()
		if err == nil && raw != "" {
			var pool []domain.Question
			if err := json.Unmarshal([]byte(raw), &pool); err == nil {
				return pool, nil
			}
		}

		pool, err := r.loader.LoadCategory(ctx, category)
		if err != nil {
			return nil, err
		}

		encoded, err := json.Marshal(pool)
		if err != nil {
			return nil, fmt.Errorf("encode pool: %w", err)
		}
		_ = r.client.Set(ctx, key, encoded, r.ttlWithJitter()).Err()
		return pool, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Question), nil
}

func (r *RedisQuestions) Categories(ctx context.Context) ([]string, error) {
	categories, err := r.loader.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(categories)
	return categories, nil
}

func (r *RedisQuestions) key(category string) string {
	return "questions:" + category
}

func (r *RedisQuestions) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	jitterMax := int64(r.ttl) / 10
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
