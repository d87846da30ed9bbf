// Package engine runs a single werewolf game session: the phase state
// machine, action intake and resolution, win detection, and the teardown
// that returns the session's isolated room to the pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/werewolf/internal/config"
	"github.com/cory-johannsen/werewolf/internal/game/assign"
	"github.com/cory-johannsen/werewolf/internal/game/random"
	"github.com/cory-johannsen/werewolf/internal/game/room"
	"github.com/cory-johannsen/werewolf/internal/game/setup"
	"github.com/cory-johannsen/werewolf/internal/platform"
	"github.com/cory-johannsen/werewolf/internal/scripting"
)

// Phase is the session lifecycle phase. Running games cycle
// night -> day -> dusk -> night until a terminal condition fires.
type Phase string

const (
	PhaseSignup Phase = "signup"
	PhaseNight  Phase = "night"
	PhaseDay    Phase = "day"
	PhaseDusk   Phase = "dusk"
	PhaseEnded  Phase = "ended"
)

// running reports whether p is one of the in-game phases.
func (p Phase) running() bool {
	return p == PhaseNight || p == PhaseDay || p == PhaseDusk
}

// WinnerNone records a session that ended without a winning faction
// (abandonment, or everyone dead in the same resolution step).
const WinnerNone = setup.Faction("")

// ErrNoRoomAvailable is returned by Start when the pool has no free room.
// Session start fails fast rather than queueing on the pool.
var ErrNoRoomAvailable = errors.New("no isolated room available")

// ErrNotInSignup is returned for signup mutations after the game started.
var ErrNotInSignup = errors.New("session is no longer in signup")

// Player is one participant's in-game state. Liveness is mutated only by
// phase resolution.
type Player struct {
	ID        string
	Name      string
	Alive     bool
	Character setup.Character
}

// Replay is the record handed to the persistence collaborator when a
// session ends.
type Replay struct {
	SessionID  uuid.UUID
	RoomKey    string
	GameType   string
	StartedAt  time.Time
	EndedAt    time.Time
	Winner     setup.Faction
	Assignment []ReplayAssignment
	Actions    []Action
}

// ReplayAssignment is one player's dealt character in a replay record.
type ReplayAssignment struct {
	PlayerID string
	Name     string
	Faction  setup.Faction
	Role     setup.Role
}

// ReplayRecorder persists replay records. Implementations must be safe for
// concurrent use.
type ReplayRecorder interface {
	Record(ctx context.Context, replay Replay) error
}

// Deps bundles the collaborators and policy a session needs.
type Deps struct {
	// RoomKey identifies the originating chat room the game runs in.
	RoomKey string
	// GameType selects the setup (role composition) for the game.
	GameType string
	// Setups is the registry of known game setups.
	Setups *setup.Registry
	// Durations holds the per-phase deadlines.
	Durations config.PhaseDurations
	// Pool is the shared room pool; Start polls it, teardown returns to it.
	Pool *room.Pool
	// Platform is the chat-platform collaborator.
	Platform platform.Client
	// Recorder persists the replay on end. Nil disables replay emission.
	Recorder ReplayRecorder
	// Win optionally overrides the built-in win predicates with a loaded
	// script for this game type. Nil means built-ins only.
	Win *scripting.WinEvaluator
	// Source drives the role shuffle.
	Source random.Source
	// Logger must be non-nil.
	Logger *zap.Logger
	// OnEnd is invoked exactly once after teardown completes, with the
	// session's room key. Nil is allowed.
	OnEnd func(roomKey string)
}

func (d Deps) validate() error {
	var errs []string
	if d.RoomKey == "" {
		errs = append(errs, "RoomKey must not be empty")
	}
	if d.GameType == "" {
		errs = append(errs, "GameType must not be empty")
	}
	if d.Setups == nil {
		errs = append(errs, "Setups must not be nil")
	}
	if d.Pool == nil {
		errs = append(errs, "Pool must not be nil")
	}
	if d.Platform == nil {
		errs = append(errs, "Platform must not be nil")
	}
	if d.Source == nil {
		errs = append(errs, "Source must not be nil")
	}
	if d.Logger == nil {
		errs = append(errs, "Logger must not be nil")
	}
	if d.Durations.Night <= 0 || d.Durations.Day <= 0 || d.Durations.Dusk <= 0 {
		errs = append(errs, "Durations must all be > 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid session deps: %v", errs)
	}
	return nil
}

// Session is one running game. All exported methods are safe for
// concurrent use.
//
// Invariant: the action log is append-only and only this session's
// validation path appends to it.
// Invariant: teardown runs exactly once; a session that leaves the running
// phases always returns its room to the pool.
type Session struct {
	id   uuid.UUID
	deps Deps

	mu         sync.Mutex
	phase      Phase
	phaseSeq   int
	cycle      int
	deadline   time.Time
	signup     []assign.Member
	players    map[string]*Player
	assignment *assign.Assignment
	actions    []Action
	submitted  map[string]map[Ability]bool
	rm         room.Room
	hasRoom    bool
	startedAt  time.Time
	endedAt    time.Time
	winner     setup.Faction
	endReason  string

	timer   *PhaseTimer
	endOnce sync.Once
}

// NewSession creates a session in signup with the given initial players.
//
// Postcondition: Returns a session accepting Join/Leave/Start, or an error
// if deps are invalid or initial player ids collide.
func NewSession(deps Deps, players []assign.Member) (*Session, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	s := &Session{
		id:        uuid.New(),
		deps:      deps,
		phase:     PhaseSignup,
		players:   make(map[string]*Player),
		submitted: make(map[string]map[Ability]bool),
	}
	for _, m := range players {
		if err := s.Join(m); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// RoomKey returns the originating chat room key.
func (s *Session) RoomKey() string { return s.deps.RoomKey }

// Join adds a player during signup.
//
// Postcondition: Returns ErrNotInSignup after start, or an error for a
// duplicate or empty player id.
func (s *Session) Join(m assign.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseSignup {
		return ErrNotInSignup
	}
	if m.ID == "" {
		return fmt.Errorf("player with empty id")
	}
	for _, existing := range s.signup {
		if existing.ID == m.ID {
			return fmt.Errorf("player %q already signed up", m.ID)
		}
	}
	s.signup = append(s.signup, m)
	return nil
}

// Leave removes a player during signup.
//
// Postcondition: Returns ErrNotInSignup after start, or an error if the
// player is not signed up.
func (s *Session) Leave(playerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseSignup {
		return ErrNotInSignup
	}
	for i, m := range s.signup {
		if m.ID == playerID {
			s.signup = append(s.signup[:i], s.signup[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("player %q not signed up", playerID)
}

// Start moves the session from signup into the first night. It validates
// the player count against the game type's compositions, polls the room
// pool without blocking (failing fast with ErrNoRoomAvailable), deals the
// assignment, scrubs the room for the wolves, and starts the night timer.
//
// Postcondition: On success the session is running and owns a room. On
// error the session stays in signup and the pool is unchanged (a polled
// room is put back if assignment fails).
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != PhaseSignup {
		s.mu.Unlock()
		return fmt.Errorf("session for %s already started", s.deps.RoomKey)
	}
	members := make([]assign.Member, len(s.signup))
	copy(members, s.signup)
	s.mu.Unlock()

	// Validate the player count before touching the pool so a bad request
	// cannot churn rooms.
	st, ok := s.deps.Setups.Get(s.deps.GameType)
	if !ok {
		return fmt.Errorf("%w: %q", assign.ErrUnknownGameType, s.deps.GameType)
	}
	if _, ok := st.Composition(len(members)); !ok {
		return fmt.Errorf("%w: game type %q has no composition for %d players (valid sizes %v)",
			assign.ErrInsufficientPlayers, s.deps.GameType, len(members), st.Sizes())
	}

	rm, ok := s.deps.Pool.Poll()
	if !ok {
		return fmt.Errorf("%w for session in %s", ErrNoRoomAvailable, s.deps.RoomKey)
	}

	a, err := assign.Assign(s.deps.Setups, s.deps.GameType, members, s.deps.Source)
	if err != nil {
		if putErr := s.deps.Pool.PutBack(rm); putErr != nil {
			s.deps.Logger.Error("returning room after failed assignment",
				zap.String("room", rm.Label()), zap.Error(putErr))
		}
		return err
	}

	s.mu.Lock()
	if s.phase != PhaseSignup {
		s.mu.Unlock()
		if putErr := s.deps.Pool.PutBack(rm); putErr != nil {
			s.deps.Logger.Error("returning room after start race",
				zap.String("room", rm.Label()), zap.Error(putErr))
		}
		return fmt.Errorf("session for %s already started", s.deps.RoomKey)
	}

	nameOf := make(map[string]string, len(members))
	for _, m := range members {
		nameOf[m.ID] = m.Name
	}
	for _, id := range a.PlayerIDs() {
		c, _ := a.Character(id)
		s.players[id] = &Player{ID: id, Name: nameOf[id], Alive: true, Character: c}
	}
	s.assignment = a
	s.rm = rm
	s.hasRoom = true
	s.startedAt = time.Now()
	wolves := a.FactionMembers(setup.FactionWolves)
	out := s.enterPhaseLocked(PhaseNight)
	s.mu.Unlock()

	s.deps.Logger.Info("session started",
		zap.String("session_id", s.id.String()),
		zap.String("room_key", s.deps.RoomKey),
		zap.String("game_type", s.deps.GameType),
		zap.Int("players", len(members)),
		zap.String("room", rm.Label()),
	)

	// Prepare the wolf room: evict everyone not on the wolf list, then
	// welcome the pack.
	if err := s.deps.Platform.EvictOccupants(ctx, rm.ID, wolves); err != nil {
		s.deps.Logger.Error("scrubbing wolf room at start",
			zap.String("room", rm.Label()), zap.Error(err))
	}
	wolfNames := make([]string, 0, len(wolves))
	for _, id := range wolves {
		wolfNames = append(wolfNames, nameOf[id])
	}
	s.post(ctx, rm.ID, fmt.Sprintf("Welcome to wolf chat %s. The pack: %s.", rm.Label(), joinNames(wolfNames)))

	// Role cards go out privately.
	for _, id := range a.PlayerIDs() {
		c, _ := a.Character(id)
		s.sendPrivate(ctx, id, fmt.Sprintf("You are a %s of the %s faction.", c.Role, c.Faction))
	}

	s.post(ctx, s.deps.RoomKey, fmt.Sprintf("The game begins with %d players. Check your private messages for your role.", len(members)))
	s.emit(ctx, out)
	return nil
}

// Submit validates and records an action for the current phase. A player
// may resubmit an ability before the phase closes; the latest submission
// supersedes earlier ones at resolution time, and all of them stay in the
// log. When the last eligible player has acted the phase resolves early.
//
// Postcondition: Returns nil and appends to the log, or an
// *IllegalActionError that leaves the log and liveness untouched.
func (s *Session) Submit(ctx context.Context, playerID string, ability Ability, targets []string) error {
	s.mu.Lock()

	if !s.phase.running() || time.Now().After(s.deadline) {
		s.mu.Unlock()
		return illegalAction(ReasonWrongPhase, "phase %s is not accepting actions", s.phase)
	}
	p, ok := s.players[playerID]
	if !ok || !p.Alive {
		s.mu.Unlock()
		return illegalAction(ReasonNotAlive, "player %s is not a living player", playerID)
	}
	if !knownAbility(ability) {
		s.mu.Unlock()
		return illegalAction(ReasonUnknownAbility, "%q", ability)
	}
	if !roleMayUse(p.Character.Role, s.phase, ability) {
		s.mu.Unlock()
		return illegalAction(ReasonWrongPhase, "%s may not %s during %s", p.Character.Role, ability, s.phase)
	}
	if len(targets) != 1 {
		s.mu.Unlock()
		return illegalAction(ReasonInvalidTarget, "%s takes exactly one target, got %d", ability, len(targets))
	}
	target, ok := s.players[targets[0]]
	if !ok || !target.Alive {
		s.mu.Unlock()
		return illegalAction(ReasonInvalidTarget, "%s is not a living player", targets[0])
	}

	s.actions = append(s.actions, Action{
		ID:          uuid.New(),
		PlayerID:    playerID,
		Ability:     ability,
		Targets:     append([]string(nil), targets...),
		Phase:       s.phase,
		Cycle:       s.cycle,
		SubmittedAt: time.Now(),
	})
	if s.submitted[playerID] == nil {
		s.submitted[playerID] = make(map[Ability]bool)
	}
	s.submitted[playerID][ability] = true

	var out *outcome
	if s.allSubmittedLocked() {
		out = s.resolveLocked()
	}
	s.mu.Unlock()

	if out != nil {
		s.emit(ctx, out)
		if out.ended {
			s.terminate(ctx, out.winner, "completed")
		}
	}
	return nil
}

// End forces the session to end (abandonment, operator stop). It runs the
// same teardown as a natural win, with no winner recorded.
func (s *Session) End(ctx context.Context, reason string) {
	s.terminate(ctx, WinnerNone, reason)
}

// advance is the phase-deadline timer callback. seq guards against a stale
// timer firing after the phase already resolved early.
func (s *Session) advance(seq int) {
	ctx := context.Background()

	s.mu.Lock()
	if !s.phase.running() || s.phaseSeq != seq {
		s.mu.Unlock()
		return
	}
	out := s.resolveLocked()
	s.mu.Unlock()

	s.emit(ctx, out)
	if out.ended {
		s.terminate(ctx, out.winner, "completed")
	}
}

// terminate runs the teardown sequence exactly once: stop the timer, record
// the result, emit the replay, scrub and return the room, and deregister.
// Every step runs even if an earlier one fails; the pool is never left
// short a room.
func (s *Session) terminate(ctx context.Context, winner setup.Faction, reason string) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.phase = PhaseEnded
		s.phaseSeq++
		s.winner = winner
		s.endReason = reason
		s.endedAt = time.Now()
		rm, hasRoom := s.rm, s.hasRoom
		s.hasRoom = false
		replay := s.replayLocked()
		timer := s.timer
		s.mu.Unlock()

		if timer != nil {
			timer.Stop()
		}

		switch winner {
		case WinnerNone:
			s.post(ctx, s.deps.RoomKey, fmt.Sprintf("The game is over (%s). Nobody wins.", reason))
		default:
			s.post(ctx, s.deps.RoomKey, fmt.Sprintf("The game is over. The %s faction wins!", winner))
		}

		if s.deps.Recorder != nil {
			if err := s.deps.Recorder.Record(ctx, replay); err != nil {
				s.deps.Logger.Error("recording replay",
					zap.String("session_id", s.id.String()), zap.Error(err))
			}
		}

		if hasRoom {
			if err := s.deps.Platform.EvictOccupants(ctx, rm.ID, nil); err != nil {
				s.deps.Logger.Error("scrubbing room at end",
					zap.String("room", rm.Label()), zap.Error(err))
			}
			if err := s.deps.Pool.PutBack(rm); err != nil {
				s.deps.Logger.Error("returning room to pool",
					zap.String("room", rm.Label()), zap.Error(err))
			}
		}

		if s.deps.OnEnd != nil {
			s.deps.OnEnd(s.deps.RoomKey)
		}

		s.deps.Logger.Info("session ended",
			zap.String("session_id", s.id.String()),
			zap.String("room_key", s.deps.RoomKey),
			zap.String("winner", string(winner)),
			zap.String("reason", reason),
		)
	})
}

// replayLocked builds the replay record. Caller must hold s.mu.
func (s *Session) replayLocked() Replay {
	r := Replay{
		SessionID: s.id,
		RoomKey:   s.deps.RoomKey,
		GameType:  s.deps.GameType,
		StartedAt: s.startedAt,
		EndedAt:   s.endedAt,
		Winner:    s.winner,
		Actions:   append([]Action(nil), s.actions...),
	}
	if s.assignment != nil {
		for _, id := range s.assignment.PlayerIDs() {
			c, _ := s.assignment.Character(id)
			name := ""
			if p, ok := s.players[id]; ok {
				name = p.Name
			}
			r.Assignment = append(r.Assignment, ReplayAssignment{
				PlayerID: id,
				Name:     name,
				Faction:  c.Faction,
				Role:     c.Role,
			})
		}
	}
	return r
}

// Status is a point-in-time view of a session for the inbound status
// operation.
type Status struct {
	SessionID uuid.UUID
	RoomKey   string
	GameType  string
	Phase     Phase
	Cycle     int
	Deadline  time.Time
	RoomLabel string
	Players   []PlayerStatus
	Winner    setup.Faction
}

// PlayerStatus is one player's public state in a Status.
type PlayerStatus struct {
	ID    string
	Name  string
	Alive bool
}

// Snapshot returns the session's current status.
func (s *Session) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		SessionID: s.id,
		RoomKey:   s.deps.RoomKey,
		GameType:  s.deps.GameType,
		Phase:     s.phase,
		Cycle:     s.cycle,
		Deadline:  s.deadline,
		Winner:    s.winner,
	}
	if s.hasRoom {
		st.RoomLabel = s.rm.Label()
	}
	if s.phase == PhaseSignup {
		for _, m := range s.signup {
			st.Players = append(st.Players, PlayerStatus{ID: m.ID, Name: m.Name, Alive: true})
		}
		return st
	}
	if s.assignment != nil {
		for _, id := range s.assignment.PlayerIDs() {
			p := s.players[id]
			st.Players = append(st.Players, PlayerStatus{ID: p.ID, Name: p.Name, Alive: p.Alive})
		}
	}
	return st
}

// ActionLog returns a copy of the accepted actions so far.
func (s *Session) ActionLog() []Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Action(nil), s.actions...)
}

// post sends status text, logging delivery failures. Platform trouble never
// stalls the game.
func (s *Session) post(ctx context.Context, roomKey, text string) {
	if err := s.deps.Platform.PostStatus(ctx, roomKey, text); err != nil {
		s.deps.Logger.Error("posting status",
			zap.String("room_key", roomKey), zap.Error(err))
	}
}

func (s *Session) sendPrivate(ctx context.Context, userID, text string) {
	if err := s.deps.Platform.SendPrivate(ctx, userID, text); err != nil {
		s.deps.Logger.Error("sending private message",
			zap.String("user_id", userID), zap.Error(err))
	}
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}
