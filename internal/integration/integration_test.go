package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"quizlink/internal/domain"
	"quizlink/internal/server"
	pgmigrations "quizlink/internal/server/migrations"
)

func TestLobbyGameEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	seedQuestions(t, ctx, pgURL, "general", sampleCategory())

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()

	loader := server.NewPostgresQuestionLoader(pool)
	questions := server.NewRedisQuestions(redisClient, loader, 5*time.Minute)
	sessions := server.NewRedisStore(redisClient, 5*time.Minute)
	service := server.NewLobbyService(sessions, questions)

	settings := domain.DefaultSettings()
	settings.NumQuestions = 2
	settings.Difficulty = ""
	snap, host, err := service.CreateLobby("Alice", "🦊", &settings)
	if err != nil {
		t.Fatalf("create lobby: %v", err)
	}
	code := snap.Code

	if exists, _ := redisClient.Exists(ctx, "lobby:session:"+code).Result(); exists != 1 {
		t.Fatalf("liveness key missing for %s", code)
	}

	_, guest, err := service.Join(code, "Bob", "🐢")
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := service.StartGame(ctx, code, host.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if exists, _ := redisClient.Exists(ctx, "questions:general").Result(); exists != 1 {
		t.Fatalf("question pool not cached in redis")
	}

	state, err := service.GetGameState(code)
	if err != nil {
		t.Fatalf("game state: %v", err)
	}
	if len(state.Questions) != 2 || state.CurrentIndex != 0 {
		t.Fatalf("unexpected game state: %d questions, index %d", len(state.Questions), state.CurrentIndex)
	}

	submit := func(playerID string, index, delta int, correct bool) {
		t.Helper()
		err := service.SubmitAnswer(code, domain.AnswerEvent{
			PlayerID:      playerID,
			QuestionIndex: index,
			IsCorrect:     correct,
			ScoreDelta:    delta,
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	submit(host.ID, 0, 10, true)
	submit(guest.ID, 0, 0, false)
	if err := service.RequestNext(code, 0); err != nil {
		t.Fatalf("next: %v", err)
	}
	submit(host.ID, 1, 0, false)
	submit(guest.ID, 1, 15, true)
	if err := service.RequestNext(code, 1); err != nil {
		t.Fatalf("final next: %v", err)
	}

	results, err := service.GetResults(code)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(results.Standings) != 2 || results.Standings[0].Name != "Bob" || results.Standings[0].Score != 15 {
		t.Fatalf("standings: %+v", results.Standings)
	}

	// Running totals land on the redis leaderboard via the async mirror.
	awaitScore(t, ctx, redisClient, "lobby:scores:"+code, "Bob", 15)

	service.Leave(code, host.ID)
	service.Leave(code, guest.ID)
	if _, err := service.GetLobby(code); !errors.Is(err, domain.ErrLobbyNotFound) {
		t.Fatalf("empty lobby should be gone, got %v", err)
	}
}

func awaitScore(t *testing.T, ctx context.Context, client *goredis.Client, key, member string, want float64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got, err := client.ZScore(ctx, key, member).Result(); err == nil && got == want {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("leaderboard never reached %s=%v at %s", member, want, key)
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quiz", "POSTGRES_PASSWORD": "quizpass", "POSTGRES_DB": "quizdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://quiz:quizpass@%s:%s/quizdb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func seedQuestions(t *testing.T, ctx context.Context, dsn, category string, pool []domain.Question) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	data, err := json.Marshal(pool)
	if err != nil {
		t.Fatalf("marshal pool: %v", err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO question_sets (category, data) VALUES (?, ?::jsonb) ON CONFLICT (category) DO UPDATE SET data=EXCLUDED.data`, category, string(data))
	if err != nil {
		t.Fatalf("insert pool: %v", err)
	}
}

func sampleCategory() []domain.Question {
	return []domain.Question{
		{
			Text:          "What is 2 + 2?",
			Options:       []string{"A. 3", "B. 4", "C. 5", "D. 22"},
			CorrectAnswer: "B",
			Difficulty:    domain.DifficultyEasy,
		},
		{
			Text:          "Which planet is known as the red planet?",
			Options:       []string{"A. Venus", "B. Jupiter", "C. Mars", "D. Mercury"},
			CorrectAnswer: "C",
			Difficulty:    domain.DifficultyMedium,
		},
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
