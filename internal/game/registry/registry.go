// Package registry tracks the running game sessions, enforcing at most one
// session per originating chat room.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/werewolf/internal/config"
	"github.com/cory-johannsen/werewolf/internal/game/assign"
	"github.com/cory-johannsen/werewolf/internal/game/engine"
	"github.com/cory-johannsen/werewolf/internal/game/random"
	"github.com/cory-johannsen/werewolf/internal/game/room"
	"github.com/cory-johannsen/werewolf/internal/game/setup"
	"github.com/cory-johannsen/werewolf/internal/platform"
	"github.com/cory-johannsen/werewolf/internal/scripting"
)

// ErrSessionConflict is returned when a room already hosts a session.
var ErrSessionConflict = errors.New("room already has a session")

// ErrNoSession is returned when a room hosts no session.
var ErrNoSession = errors.New("no session for room")

// Deps holds the collaborators shared by every session the registry
// creates.
type Deps struct {
	Setups    *setup.Registry
	Durations config.PhaseDurations
	Pool      *room.Pool
	Platform  platform.Client
	Recorder  engine.ReplayRecorder
	Win       *scripting.WinEvaluator
	Source    random.Source
	Logger    *zap.Logger
}

// Registry is the process-wide session table.
//
// Invariant: at most one live session per room key; a session is removed
// from the table exactly when its teardown completes.
type Registry struct {
	deps Deps

	mu       sync.RWMutex
	sessions map[string]*engine.Session
}

// NewRegistry creates an empty registry.
//
// Precondition: deps.Logger must be non-nil; the remaining collaborators
// are validated per session at Open time.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:     deps,
		sessions: make(map[string]*engine.Session),
	}
}

// Open creates a session in signup for roomKey and claims the room's slot.
//
// Postcondition: Returns the new session, or ErrSessionConflict if the
// room already hosts one. The slot is released when the session ends.
func (r *Registry) Open(roomKey, gameType string, players []assign.Member) (*engine.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[roomKey]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionConflict, roomKey)
	}

	s, err := engine.NewSession(engine.Deps{
		RoomKey:   roomKey,
		GameType:  gameType,
		Setups:    r.deps.Setups,
		Durations: r.deps.Durations,
		Pool:      r.deps.Pool,
		Platform:  r.deps.Platform,
		Recorder:  r.deps.Recorder,
		Win:       r.deps.Win,
		Source:    r.deps.Source,
		Logger:    r.deps.Logger,
		OnEnd:     r.remove,
	}, players)
	if err != nil {
		return nil, err
	}
	r.sessions[roomKey] = s
	return s, nil
}

// Start opens a session and immediately starts it. A start failure (no
// room free, bad player count) releases the slot so the room can retry.
//
// Postcondition: On success the returned session is running. On error no
// session is registered for roomKey.
func (r *Registry) Start(ctx context.Context, roomKey, gameType string, players []assign.Member) (*engine.Session, error) {
	s, err := r.Open(roomKey, gameType, players)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		r.remove(roomKey)
		return nil, err
	}
	return s, nil
}

// Get returns the session for roomKey, if any.
func (r *Registry) Get(roomKey string) (*engine.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[roomKey]
	return s, ok
}

// End force-ends the session for roomKey.
//
// Postcondition: Returns ErrNoSession if the room hosts none; otherwise
// the session's teardown has run and the slot is free.
func (r *Registry) End(ctx context.Context, roomKey, reason string) error {
	s, ok := r.Get(roomKey)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, roomKey)
	}
	s.End(ctx, reason)
	return nil
}

// Snapshot returns the status of the session for roomKey.
func (r *Registry) Snapshot(roomKey string) (engine.Status, error) {
	s, ok := r.Get(roomKey)
	if !ok {
		return engine.Status{}, fmt.Errorf("%w: %s", ErrNoSession, roomKey)
	}
	return s.Snapshot(), nil
}

// Active returns a status for every registered session, ordered by room
// key.
func (r *Registry) Active() []engine.Status {
	r.mu.RLock()
	sessions := make([]*engine.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]engine.Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomKey < out[j].RoomKey })
	return out
}

// Shutdown force-ends every session. Used during process shutdown so each
// session returns its room and records its replay.
func (r *Registry) Shutdown(ctx context.Context) {
	for _, st := range r.Active() {
		if s, ok := r.Get(st.RoomKey); ok {
			s.End(ctx, "server shutting down")
		}
	}
}

// remove releases a room's slot. Wired as each session's OnEnd callback.
func (r *Registry) remove(roomKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, roomKey)
}
