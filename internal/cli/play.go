package cli

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"quizlink/internal/api"
	"quizlink/internal/channel"
	"quizlink/internal/config"
	"quizlink/internal/domain"
	"quizlink/internal/lobby"
	"quizlink/internal/quiz"
	"quizlink/internal/session"
)

// NewPlayCmd builds the terminal client. It is a thin consumer of the client
// core: lobby synchronizer for the pre-game phase, quiz machine for the game.
func NewPlayCmd(configPath *string) *cobra.Command {
	var (
		name     string
		avatar   string
		joinCode string
		create   bool
	)
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Join or create a lobby from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if !create && joinCode == "" {
				return fmt.Errorf("either --create or --join CODE is required")
			}
			return runPlay(cmd.Context(), *configPath, name, avatar, joinCode, create)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&avatar, "avatar", "🙂", "avatar glyph")
	cmd.Flags().StringVar(&joinCode, "join", "", "lobby code to join")
	cmd.Flags().BoolVar(&create, "create", false, "create a new lobby")
	return cmd
}

func runPlay(ctx context.Context, configPath, name, avatar, joinCode string, create bool) error {
	// The client runs fine on defaults; only a malformed config is fatal.
	cfg, err := config.Load(configPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	baseURL := cfg.Client.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	socketURL := cfg.Client.SocketURL
	if socketURL == "" {
		socketURL = "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	}
	sessionDB := cfg.Client.SessionDB
	if sessionDB == "" {
		home, _ := os.UserHomeDir()
		sessionDB = filepath.Join(home, ".quizlink", "session.db")
	}

	store, err := session.Open(sessionDB)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	restClient := api.New(baseURL)
	adapter := channel.New(socketURL)
	defer adapter.Close()

	started := make(chan domain.LobbySnapshot, 1)
	sync := lobby.New(adapter, restClient, store, lobby.Options{
		PollInterval: config.Duration(cfg.Client.PollInterval, 0),
	}, lobby.Handlers{
		OnUpdate: func(snap domain.LobbySnapshot) {
			fmt.Printf("lobby %s: %d player(s):\n", snap.Code, len(snap.Players))
			for _, p := range snap.Players {
				marker := " "
				if p.Ready {
					marker = "✓"
				}
				host := ""
				if p.IsHost {
					host = " (host)"
				}
				fmt.Printf("  [%s] %s %s%s\n", marker, p.Avatar, p.Name, host)
			}
		},
		OnStarted: func(snap domain.LobbySnapshot) {
			select {
			case started <- snap:
			default:
			}
		},
		OnError: func(err error) { log.Printf("lobby: %v", err) },
	})
	defer sync.Teardown()

	if create {
		if err := sync.Create(ctx, name, avatar, nil); err != nil {
			return err
		}
		fmt.Printf("created lobby %s (share this code)\n", sync.Snapshot().Code)
	} else {
		if err := sync.Join(ctx, joinCode, name, avatar); err != nil {
			return err
		}
	}

	fmt.Println("commands: ready | start | quit. answers: A/B/C/D once the game runs")
	lines := readLines()

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-started:
			return runQuiz(ctx, adapter, restClient, store, snap.Code, sync.Self().ID, lines)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "ready":
				sync.ToggleReady(true)
			case "unready":
				sync.ToggleReady(false)
			case "start":
				sync.StartGame()
			case "quit":
				sync.Leave(ctx)
				return nil
			}
		}
	}
}

func runQuiz(ctx context.Context, adapter *channel.Adapter, restClient *api.Client, store *session.Store, code, selfID string, lines <-chan string) error {
	finished := make(chan domain.GameResults, 1)
	printedIndex := -1
	waitingShown := false
	machine := quiz.New(adapter, restClient, store, code, selfID, quiz.Handlers{
		OnChange: func(view quiz.View) {
			switch view.Phase {
			case quiz.PhaseQuestion:
				// The view updates on every countdown tick; print each
				// question once.
				if view.Index != printedIndex {
					printedIndex = view.Index
					waitingShown = false
					fmt.Printf("\nQ%d (%.0fs): %s\n", view.Index+1, view.Remaining, view.Question.Text)
					for _, option := range view.Question.Options {
						fmt.Println("  " + option)
					}
				}
			case quiz.PhaseWaiting:
				if !waitingShown {
					waitingShown = true
					fmt.Println("waiting for the other players...")
				}
			}
		},
		OnFinished: func(results domain.GameResults) {
			select {
			case finished <- results:
			default:
			}
		},
		OnError: func(err error) { log.Printf("quiz: %v", err) },
	})
	defer machine.Teardown()

	if err := machine.Start(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case results := <-finished:
			fmt.Println("\nfinal standings:")
			for i, p := range results.Standings {
				fmt.Printf("  %d. %s %s: %d pts (%d correct)\n", i+1, p.Avatar, p.Name, p.Score, p.CorrectAnswers)
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			answer := strings.ToUpper(strings.TrimSpace(line))
			switch answer {
			case "A", "B", "C", "D":
				machine.Answer(answer)
			case "QUIT":
				return nil
			}
		}
	}
}

func readLines() <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}
