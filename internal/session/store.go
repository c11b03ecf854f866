// Package session persists this client's identity and last-known results so
// a restart mid-lobby can resume. It is the only durable state in the core;
// it is written on explicit user actions only, never by background sync.
package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "modernc.org/sqlite"

	"quizlink/internal/domain"
)

// Snapshot is the recoverable identity of this client.
type Snapshot struct {
	PlayerName string
	PlayerID   string
	LobbyCode  string
	IsHost     bool
	Avatar     string
}

const (
	keyPlayerName  = "player_name"
	keyPlayerID    = "player_id"
	keyLobbyCode   = "lobby_code"
	keyIsHost      = "is_host"
	keyAvatar      = "avatar"
	keyLastResults = "last_results"
)

// Store is a small key-value table over SQLite.
type Store struct {
	db *sql.DB
}

// Open prepares the database at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("session db path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure session dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS session (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Save persists the snapshot, replacing any previous one.
func (s *Store) Save(snap Snapshot) error {
	values := map[string]string{
		keyPlayerName: snap.PlayerName,
		keyPlayerID:   snap.PlayerID,
		keyLobbyCode:  snap.LobbyCode,
		keyIsHost:     strconv.FormatBool(snap.IsHost),
		keyAvatar:     snap.Avatar,
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	for key, value := range values {
		if _, err := tx.Exec(`INSERT INTO session(key, value) VALUES(?, ?)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value); err != nil {
			tx.Rollback()
			return fmt.Errorf("save %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// Load returns the persisted snapshot, if any. A snapshot without a player id
// is treated as absent.
func (s *Store) Load() (Snapshot, bool, error) {
	rows, err := s.db.Query(`SELECT key, value FROM session`)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load session: %w", err)
	}
	defer rows.Close()

	var snap Snapshot
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Snapshot{}, false, fmt.Errorf("scan session row: %w", err)
		}
		switch key {
		case keyPlayerName:
			snap.PlayerName = value
		case keyPlayerID:
			snap.PlayerID = value
		case keyLobbyCode:
			snap.LobbyCode = value
		case keyIsHost:
			snap.IsHost = value == "true"
		case keyAvatar:
			snap.Avatar = value
		}
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, false, err
	}
	if snap.PlayerID == "" {
		return Snapshot{}, false, nil
	}
	return snap, true, nil
}

// SaveResults persists final game aggregates so the results remain viewable
// after a restart or with the server gone.
func (s *Store) SaveResults(results domain.GameResults) error {
	raw, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO session(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, keyLastResults, string(raw))
	if err != nil {
		return fmt.Errorf("save results: %w", err)
	}
	return nil
}

// LoadResults returns the last persisted game results, if present.
func (s *Store) LoadResults() (domain.GameResults, bool, error) {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM session WHERE key=?`, keyLastResults).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.GameResults{}, false, nil
	}
	if err != nil {
		return domain.GameResults{}, false, fmt.Errorf("load results: %w", err)
	}
	var results domain.GameResults
	if err := json.Unmarshal([]byte(raw), &results); err != nil {
		return domain.GameResults{}, false, fmt.Errorf("unmarshal results: %w", err)
	}
	return results, true, nil
}

// Clear removes every persisted key.
func (s *Store) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM session`); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Close releases database resources.
func (s *Store) Close() error {
	return s.db.Close()
}
