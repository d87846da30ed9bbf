// Package platform defines the narrow chat-platform collaborator the game
// core consumes. The core posts status text, messages players privately, and
// manages isolated room occupancy through this interface; it never touches
// platform transport directly.
package platform

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Client is the outbound surface to the chat platform.
type Client interface {
	// PostStatus posts text into the channel identified by roomKey. The key
	// may name a public game channel or an isolated room.
	PostStatus(ctx context.Context, roomKey, text string) error

	// SendPrivate delivers text to a single user outside any shared channel.
	SendPrivate(ctx context.Context, userID, text string) error

	// CreateIsolatedRoom provisions a new isolated room owned by the given
	// community and returns its platform identifier. Used by operator
	// tooling only; sessions never create rooms.
	CreateIsolatedRoom(ctx context.Context, ownerCommunityID string) (string, error)

	// EvictOccupants removes every occupant of the room except those in keep.
	EvictOccupants(ctx context.Context, roomID string, keep []string) error

	// DestroyRoom decommissions an isolated room. External operation; the
	// game core never calls this for pooled rooms.
	DestroyRoom(ctx context.Context, roomID string) error
}

// LogClient is a Client that records every call to a logger and performs no
// platform I/O. It backs dev runs and any deployment where the real
// transport is attached elsewhere.
type LogClient struct {
	logger *zap.Logger
}

// NewLogClient creates a LogClient.
//
// Precondition: logger must be non-nil.
func NewLogClient(logger *zap.Logger) *LogClient {
	return &LogClient{logger: logger}
}

func (c *LogClient) PostStatus(ctx context.Context, roomKey, text string) error {
	c.logger.Info("post status",
		zap.String("room_key", roomKey),
		zap.String("text", text),
	)
	return nil
}

func (c *LogClient) SendPrivate(ctx context.Context, userID, text string) error {
	c.logger.Info("send private message",
		zap.String("user_id", userID),
		zap.String("text", text),
	)
	return nil
}

func (c *LogClient) CreateIsolatedRoom(ctx context.Context, ownerCommunityID string) (string, error) {
	id := uuid.NewString()
	c.logger.Info("create isolated room",
		zap.String("owner_community_id", ownerCommunityID),
		zap.String("room_id", id),
	)
	return id, nil
}

func (c *LogClient) EvictOccupants(ctx context.Context, roomID string, keep []string) error {
	c.logger.Info("evict room occupants",
		zap.String("room_id", roomID),
		zap.Strings("keep", keep),
	)
	return nil
}

func (c *LogClient) DestroyRoom(ctx context.Context, roomID string) error {
	c.logger.Info("destroy room",
		zap.String("room_id", roomID),
	)
	return nil
}
