package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"

	"quizlink/internal/domain"
)

// PostgresQuestionLoader loads category pools stored as JSONB.
type PostgresQuestionLoader struct {
	pool *pgxpool.Pool
}

func NewPostgresQuestionLoader(pool *pgxpool.Pool) *PostgresQuestionLoader {
	return &PostgresQuestionLoader{pool: pool}
}

func (l *PostgresQuestionLoader) LoadCategory(ctx context.Context, category string) ([]domain.Question, error) {
	var raw []byte
	err := l.pool.QueryRow(ctx, `SELECT data FROM question_sets WHERE category=$1`, category).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("load question set: %w", err)
	}
	var questions []domain.Question
	if err := json.Unmarshal(raw, &questions); err != nil {
		return nil, fmt.Errorf("unmarshal question set: %w", err)
	}
	return questions, nil
}

func (l *PostgresQuestionLoader) ListCategories(ctx context.Context) ([]string, error) {
	rows, err := l.pool.Query(ctx, `SELECT category FROM question_sets ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var categories []string
	for rows.Next() {
		var category string
		if err := rows.Scan(&category); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		categories = append(categories, category)
	}
	return categories, rows.Err()
}
