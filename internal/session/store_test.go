package session

import (
	"path/filepath"
	"testing"
	"time"

	"quizlink/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveLoadClear(t *testing.T) {
	store := openTestStore(t)

	if _, ok, err := store.Load(); err != nil || ok {
		t.Fatalf("expected empty store, got ok=%v err=%v", ok, err)
	}

	snap := Snapshot{
		PlayerName: "Alice",
		PlayerID:   "p-1",
		LobbyCode:  "ABC12",
		IsHost:     true,
		Avatar:     "🦊",
	}
	if err := store.Save(snap); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, ok, err := store.Load()
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if loaded != snap {
		t.Fatalf("loaded %+v, want %+v", loaded, snap)
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := store.Load(); ok {
		t.Fatalf("expected store empty after clear")
	}
}

func TestSaveOverwrites(t *testing.T) {
	store := openTestStore(t)

	_ = store.Save(Snapshot{PlayerName: "Alice", PlayerID: "p-1", LobbyCode: "AAAAA"})
	_ = store.Save(Snapshot{PlayerName: "Alice", PlayerID: "p-1", LobbyCode: "BBBBB", Avatar: "🐢"})

	loaded, ok, err := store.Load()
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if loaded.LobbyCode != "BBBBB" || loaded.Avatar != "🐢" {
		t.Fatalf("expected latest snapshot, got %+v", loaded)
	}
}

func TestResultsRoundTrip(t *testing.T) {
	store := openTestStore(t)

	if _, ok, err := store.LoadResults(); err != nil || ok {
		t.Fatalf("expected no results, got ok=%v err=%v", ok, err)
	}

	results := domain.GameResults{
		Code: "ABC12",
		Standings: []domain.Player{
			{ID: "p-1", Name: "Alice", Score: 42, CorrectAnswers: 4},
			{ID: "p-2", Name: "Bob", Score: 17, CorrectAnswers: 2},
		},
		FinishedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := store.SaveResults(results); err != nil {
		t.Fatalf("save results: %v", err)
	}

	loaded, ok, err := store.LoadResults()
	if err != nil || !ok {
		t.Fatalf("load results: ok=%v err=%v", ok, err)
	}
	if len(loaded.Standings) != 2 || loaded.Standings[0].Score != 42 || loaded.Code != "ABC12" {
		t.Fatalf("results mismatch: %+v", loaded)
	}

	// Clear removes everything, results included.
	if err := store.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := store.LoadResults(); ok {
		t.Fatalf("expected results removed by clear")
	}
}
