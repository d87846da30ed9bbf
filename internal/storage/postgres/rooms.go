package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/werewolf/internal/game/room"
)

// ErrRoomExists is returned when inserting a room whose platform id is
// already inventoried.
var ErrRoomExists = errors.New("room already exists")

// RoomRepository persists the inventory of provisioned isolated rooms. The
// inventory survives restarts; the in-memory pool is repopulated from it
// at startup.
type RoomRepository struct {
	db *pgxpool.Pool
}

// NewRoomRepository creates a RoomRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewRoomRepository(db *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{db: db}
}

// Insert records a newly provisioned room.
//
// Precondition: r.ID must be non-empty and r.Number positive.
// Postcondition: The room is inventoried, or ErrRoomExists if its platform
// id or number is already taken.
func (r *RoomRepository) Insert(ctx context.Context, rm room.Room) error {
	if rm.ID == "" {
		return fmt.Errorf("room with empty platform id")
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO rooms (platform_id, number) VALUES ($1, $2)`,
		rm.ID, rm.Number,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrRoomExists, rm.ID)
		}
		return fmt.Errorf("inserting room: %w", err)
	}
	return nil
}

// ListAll returns every inventoried room ordered by number.
//
// Postcondition: Returns the full inventory; an empty inventory yields an
// empty slice and no error.
func (r *RoomRepository) ListAll(ctx context.Context) ([]room.Room, error) {
	rows, err := r.db.Query(ctx,
		`SELECT platform_id, number FROM rooms ORDER BY number`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying rooms: %w", err)
	}
	defer rows.Close()

	var out []room.Room
	for rows.Next() {
		var rm room.Room
		if err := rows.Scan(&rm.ID, &rm.Number); err != nil {
			return nil, fmt.Errorf("scanning room: %w", err)
		}
		out = append(out, rm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rooms: %w", err)
	}
	return out, nil
}

// NextNumber returns the display number for the next room to provision.
//
// Postcondition: Returns 1 for an empty inventory, max(number)+1 otherwise.
func (r *RoomRepository) NextNumber(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(number), 0) + 1 FROM rooms`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("querying next room number: %w", err)
	}
	return n, nil
}
