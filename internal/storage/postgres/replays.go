package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/werewolf/internal/game/engine"
	"github.com/cory-johannsen/werewolf/internal/game/setup"
)

// ErrReplayNotFound is returned when a replay lookup yields no results.
var ErrReplayNotFound = errors.New("replay not found")

// ReplayRepository persists finished-game replays. It implements
// engine.ReplayRecorder; the assignment and action log are stored as JSONB
// documents alongside the queryable summary columns.
type ReplayRepository struct {
	db *pgxpool.Pool
}

// NewReplayRepository creates a ReplayRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewReplayRepository(db *pgxpool.Pool) *ReplayRepository {
	return &ReplayRepository{db: db}
}

// Record stores a finished game's replay.
//
// Precondition: replay.SessionID must be non-nil.
// Postcondition: The replay is durable; recording the same session twice
// returns an error from the primary key.
func (r *ReplayRepository) Record(ctx context.Context, replay engine.Replay) error {
	assignment, err := json.Marshal(replay.Assignment)
	if err != nil {
		return fmt.Errorf("encoding assignment: %w", err)
	}
	actions, err := json.Marshal(replay.Actions)
	if err != nil {
		return fmt.Errorf("encoding actions: %w", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO replays (session_id, room_key, game_type, started_at, ended_at, winner, assignment, actions)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		replay.SessionID, replay.RoomKey, replay.GameType,
		replay.StartedAt, replay.EndedAt, string(replay.Winner),
		assignment, actions,
	)
	if err != nil {
		return fmt.Errorf("inserting replay: %w", err)
	}
	return nil
}

// Get retrieves a replay by session id.
//
// Postcondition: Returns the replay or ErrReplayNotFound.
func (r *ReplayRepository) Get(ctx context.Context, sessionID uuid.UUID) (engine.Replay, error) {
	var (
		replay     engine.Replay
		winner     string
		assignment []byte
		actions    []byte
	)
	err := r.db.QueryRow(ctx,
		`SELECT session_id, room_key, game_type, started_at, ended_at, winner, assignment, actions
		 FROM replays WHERE session_id = $1`,
		sessionID,
	).Scan(&replay.SessionID, &replay.RoomKey, &replay.GameType,
		&replay.StartedAt, &replay.EndedAt, &winner, &assignment, &actions)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return engine.Replay{}, ErrReplayNotFound
		}
		return engine.Replay{}, fmt.Errorf("querying replay: %w", err)
	}

	replay.Winner = setup.Faction(winner)
	if err := json.Unmarshal(assignment, &replay.Assignment); err != nil {
		return engine.Replay{}, fmt.Errorf("decoding assignment: %w", err)
	}
	if err := json.Unmarshal(actions, &replay.Actions); err != nil {
		return engine.Replay{}, fmt.Errorf("decoding actions: %w", err)
	}
	return replay, nil
}

// ListByRoomKey returns replay summaries for a room, newest first. The
// heavy JSONB columns are left unloaded.
//
// Precondition: limit must be positive.
func (r *ReplayRepository) ListByRoomKey(ctx context.Context, roomKey string, limit int) ([]engine.Replay, error) {
	rows, err := r.db.Query(ctx,
		`SELECT session_id, room_key, game_type, started_at, ended_at, winner
		 FROM replays WHERE room_key = $1
		 ORDER BY ended_at DESC
		 LIMIT $2`,
		roomKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying replays: %w", err)
	}
	defer rows.Close()

	var out []engine.Replay
	for rows.Next() {
		var (
			replay engine.Replay
			winner string
		)
		if err := rows.Scan(&replay.SessionID, &replay.RoomKey, &replay.GameType,
			&replay.StartedAt, &replay.EndedAt, &winner); err != nil {
			return nil, fmt.Errorf("scanning replay: %w", err)
		}
		replay.Winner = setup.Faction(winner)
		out = append(out, replay)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating replays: %w", err)
	}
	return out, nil
}
