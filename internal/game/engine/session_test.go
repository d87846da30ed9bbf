package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cory-johannsen/werewolf/internal/config"
	"github.com/cory-johannsen/werewolf/internal/game/assign"
	"github.com/cory-johannsen/werewolf/internal/game/room"
	"github.com/cory-johannsen/werewolf/internal/game/setup"
	"github.com/cory-johannsen/werewolf/internal/scripting"
)

// identitySource makes Shuffle a no-op, so characters are dealt to players
// in declaration order.
type identitySource struct{}

func (identitySource) Intn(n int) int { return n - 1 }

// fakePlatform records every outbound platform call for assertion.
type fakePlatform struct {
	mu       sync.Mutex
	statuses map[string][]string
	privates map[string][]string
	evicted  []string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		statuses: make(map[string][]string),
		privates: make(map[string][]string),
	}
}

func (f *fakePlatform) PostStatus(_ context.Context, roomKey, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[roomKey] = append(f.statuses[roomKey], text)
	return nil
}

func (f *fakePlatform) SendPrivate(_ context.Context, userID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.privates[userID] = append(f.privates[userID], text)
	return nil
}

func (f *fakePlatform) CreateIsolatedRoom(_ context.Context, _ string) (string, error) {
	return "fake-room", nil
}

func (f *fakePlatform) EvictOccupants(_ context.Context, roomID string, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = append(f.evicted, roomID)
	return nil
}

func (f *fakePlatform) DestroyRoom(_ context.Context, _ string) error { return nil }

func (f *fakePlatform) statusesFor(roomKey string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statuses[roomKey]...)
}

func (f *fakePlatform) privatesFor(userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.privates[userID]...)
}

// memRecorder collects replays in memory.
type memRecorder struct {
	mu      sync.Mutex
	replays []Replay
}

func (r *memRecorder) Record(_ context.Context, replay Replay) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replays = append(r.replays, replay)
	return nil
}

func (r *memRecorder) recorded() []Replay {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Replay(nil), r.replays...)
}

func testRegistry(t *testing.T) *setup.Registry {
	t.Helper()
	reg := setup.NewRegistry()

	classic := setup.NewSetup("classic")
	require.NoError(t, classic.AddComposition(setup.Composition{
		Players: 5,
		Characters: []setup.Character{
			{Faction: setup.FactionWolves, Role: setup.RoleWerewolf},
			{Faction: setup.FactionVillage, Role: setup.RoleSeer},
			{Faction: setup.FactionVillage, Role: setup.RoleGuard},
			{Faction: setup.FactionVillage, Role: setup.RoleVillager},
			{Faction: setup.FactionVillage, Role: setup.RoleVillager},
		},
	}))
	require.NoError(t, reg.Register(classic))

	duel := setup.NewSetup("duel")
	require.NoError(t, duel.AddComposition(setup.Composition{
		Players: 3,
		Characters: []setup.Character{
			{Faction: setup.FactionWolves, Role: setup.RoleWerewolf},
			{Faction: setup.FactionVillage, Role: setup.RoleSeer},
			{Faction: setup.FactionVillage, Role: setup.RoleVillager},
		},
	}))
	require.NoError(t, reg.Register(duel))

	return reg
}

func poolWithRooms(t *testing.T, n int) *room.Pool {
	t.Helper()
	p := room.NewPool()
	for i := 1; i <= n; i++ {
		require.NoError(t, p.Add(room.Room{ID: "room-" + string(rune('a'+i-1)), Number: i}))
	}
	return p
}

// fixture bundles a session's collaborators for assertion.
type fixture struct {
	pool     *room.Pool
	platform *fakePlatform
	recorder *memRecorder
	ended    chan string
}

func newFixture(t *testing.T, rooms int) *fixture {
	t.Helper()
	return &fixture{
		pool:     poolWithRooms(t, rooms),
		platform: newFakePlatform(),
		recorder: &memRecorder{},
		ended:    make(chan string, 1),
	}
}

func (f *fixture) deps(gameType string, d config.PhaseDurations) Deps {
	return Deps{
		RoomKey:   "town-square",
		GameType:  gameType,
		Setups:    nil, // filled by newTestSession
		Durations: d,
		Pool:      f.pool,
		Platform:  f.platform,
		Recorder:  f.recorder,
		Source:    identitySource{},
		Logger:    zap.NewNop(),
		OnEnd:     func(roomKey string) { f.ended <- roomKey },
	}
}

func longDurations() config.PhaseDurations {
	return config.PhaseDurations{Night: time.Hour, Day: time.Hour, Dusk: time.Hour}
}

func members(ids ...string) []assign.Member {
	out := make([]assign.Member, 0, len(ids))
	for _, id := range ids {
		out = append(out, assign.Member{ID: id, Name: "player " + id})
	}
	return out
}

func newTestSession(t *testing.T, f *fixture, gameType string, d config.PhaseDurations, players []assign.Member) *Session {
	t.Helper()
	deps := f.deps(gameType, d)
	deps.Setups = testRegistry(t)
	s, err := NewSession(deps, players)
	require.NoError(t, err)
	t.Cleanup(func() { s.End(context.Background(), "test cleanup") })
	return s
}

// classic5 starts a 5 player classic game. With the identity source the
// deal is p1 werewolf, p2 seer, p3 guard, p4 and p5 villagers.
func classic5(t *testing.T, f *fixture, d config.PhaseDurations) *Session {
	t.Helper()
	s := newTestSession(t, f, "classic", d, members("p1", "p2", "p3", "p4", "p5"))
	require.NoError(t, s.Start(context.Background()))
	return s
}

func TestStartDealsRolesAndLoansRoom(t *testing.T) {
	f := newFixture(t, 1)
	s := classic5(t, f, longDurations())

	st := s.Snapshot()
	assert.Equal(t, PhaseNight, st.Phase)
	assert.Equal(t, 1, st.Cycle)
	assert.Len(t, st.Players, 5)
	for _, p := range st.Players {
		assert.True(t, p.Alive)
	}

	available, onLoan := f.pool.Stats()
	assert.Equal(t, 0, available)
	assert.Equal(t, 1, onLoan)

	// Role cards went out privately.
	require.NotEmpty(t, f.platform.privatesFor("p1"))
	assert.Contains(t, f.platform.privatesFor("p1")[0], "werewolf")
	assert.Contains(t, f.platform.privatesFor("p2")[0], "seer")
	assert.Contains(t, f.platform.privatesFor("p3")[0], "guard")

	// The wolf room was scrubbed and welcomed.
	assert.Contains(t, f.platform.evicted, "room-a")
	assert.Contains(t, f.platform.statusesFor("room-a")[0], "wolf chat")
}

func TestStartFailsFastWithoutRoom(t *testing.T) {
	f := newFixture(t, 0)
	s := newTestSession(t, f, "classic", longDurations(), members("p1", "p2", "p3", "p4", "p5"))

	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrNoRoomAvailable)
	assert.Equal(t, PhaseSignup, s.Snapshot().Phase)
}

func TestStartValidatesBeforeTouchingPool(t *testing.T) {
	f := newFixture(t, 1)
	s := newTestSession(t, f, "classic", longDurations(), members("p1", "p2"))

	err := s.Start(context.Background())
	require.ErrorIs(t, err, assign.ErrInsufficientPlayers)

	available, onLoan := f.pool.Stats()
	assert.Equal(t, 1, available)
	assert.Equal(t, 0, onLoan)
}

func TestSignupClosesAtStart(t *testing.T) {
	f := newFixture(t, 1)
	s := classic5(t, f, longDurations())

	assert.ErrorIs(t, s.Join(assign.Member{ID: "p6", Name: "late"}), ErrNotInSignup)
	assert.ErrorIs(t, s.Leave("p1"), ErrNotInSignup)
}

func TestJoinRejectsDuplicates(t *testing.T) {
	f := newFixture(t, 1)
	s := newTestSession(t, f, "classic", longDurations(), members("p1"))

	assert.Error(t, s.Join(assign.Member{ID: "p1", Name: "again"}))
	assert.Error(t, s.Join(assign.Member{ID: "", Name: "nameless"}))
	require.NoError(t, s.Join(assign.Member{ID: "p2", Name: "fine"}))
	require.NoError(t, s.Leave("p2"))
	assert.Error(t, s.Leave("p2"))
}

func requireReason(t *testing.T, err error, want RejectReason) {
	t.Helper()
	var ill *IllegalActionError
	require.ErrorAs(t, err, &ill)
	assert.Equal(t, want, ill.Reason)
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	s := classic5(t, f, longDurations())

	// Villagers have no night ability.
	requireReason(t, s.Submit(ctx, "p4", AbilityKill, []string{"p1"}), ReasonWrongPhase)
	// Voting waits for dusk.
	requireReason(t, s.Submit(ctx, "p2", AbilityVote, []string{"p1"}), ReasonWrongPhase)
	// Unknown players and unknown abilities are rejected.
	requireReason(t, s.Submit(ctx, "ghost", AbilitySee, []string{"p1"}), ReasonNotAlive)
	requireReason(t, s.Submit(ctx, "p2", Ability("smite"), []string{"p1"}), ReasonUnknownAbility)
	// Targets must be exactly one living player.
	requireReason(t, s.Submit(ctx, "p1", AbilityKill, nil), ReasonInvalidTarget)
	requireReason(t, s.Submit(ctx, "p1", AbilityKill, []string{"p4", "p5"}), ReasonInvalidTarget)
	requireReason(t, s.Submit(ctx, "p1", AbilityKill, []string{"ghost"}), ReasonInvalidTarget)

	assert.Empty(t, s.ActionLog())
}

func TestNightResolvesEarlyWhenAllHaveActed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	s := classic5(t, f, longDurations())

	require.NoError(t, s.Submit(ctx, "p1", AbilityKill, []string{"p4"}))
	require.NoError(t, s.Submit(ctx, "p2", AbilitySee, []string{"p1"}))
	assert.Equal(t, PhaseNight, s.Snapshot().Phase)

	require.NoError(t, s.Submit(ctx, "p3", AbilityProtect, []string{"p2"}))

	st := s.Snapshot()
	assert.Equal(t, PhaseDay, st.Phase)
	for _, p := range st.Players {
		if p.ID == "p4" {
			assert.False(t, p.Alive)
		} else {
			assert.True(t, p.Alive)
		}
	}

	// The seer learned the target's faction privately.
	var vision string
	for _, msg := range f.platform.privatesFor("p2") {
		vision = msg
	}
	assert.Contains(t, vision, "wolves")
}

func TestProtectionBlocksTheKill(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	s := classic5(t, f, longDurations())

	require.NoError(t, s.Submit(ctx, "p1", AbilityKill, []string{"p4"}))
	require.NoError(t, s.Submit(ctx, "p2", AbilitySee, []string{"p4"}))
	require.NoError(t, s.Submit(ctx, "p3", AbilityProtect, []string{"p4"}))

	st := s.Snapshot()
	assert.Equal(t, PhaseDay, st.Phase)
	for _, p := range st.Players {
		assert.True(t, p.Alive)
	}
	assert.Contains(t, f.platform.statusesFor("town-square"), "Someone was attacked in the night, but survived.")
}

func TestResubmissionSupersedes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	s := classic5(t, f, longDurations())

	require.NoError(t, s.Submit(ctx, "p1", AbilityKill, []string{"p4"}))
	require.NoError(t, s.Submit(ctx, "p1", AbilityKill, []string{"p5"}))
	require.NoError(t, s.Submit(ctx, "p2", AbilitySee, []string{"p1"}))
	require.NoError(t, s.Submit(ctx, "p3", AbilityProtect, []string{"p4"}))

	st := s.Snapshot()
	for _, p := range st.Players {
		if p.ID == "p5" {
			assert.False(t, p.Alive, "latest kill target should die")
		} else {
			assert.True(t, p.Alive)
		}
	}

	// Both submissions stay in the log.
	kills := 0
	for _, a := range s.ActionLog() {
		if a.Ability == AbilityKill {
			kills++
		}
	}
	assert.Equal(t, 2, kills)
}

func TestNightDeadlineForcesResolution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	d := config.PhaseDurations{Night: 50 * time.Millisecond, Day: time.Hour, Dusk: time.Hour}
	s := classic5(t, f, d)

	// Only the wolf acts; the seer and guard sleep through the deadline.
	require.NoError(t, s.Submit(ctx, "p1", AbilityKill, []string{"p5"}))

	require.Eventually(t, func() bool {
		return s.Snapshot().Phase == PhaseDay
	}, 2*time.Second, 5*time.Millisecond)

	for _, p := range s.Snapshot().Players {
		if p.ID == "p5" {
			assert.False(t, p.Alive)
		}
	}
}

func TestDuskDeadlineTalliesPartialVotes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	d := config.PhaseDurations{Night: time.Hour, Day: 30 * time.Millisecond, Dusk: 200 * time.Millisecond}
	s := classic5(t, f, d)

	require.NoError(t, s.Submit(ctx, "p1", AbilityKill, []string{"p4"}))
	require.NoError(t, s.Submit(ctx, "p2", AbilitySee, []string{"p1"}))
	require.NoError(t, s.Submit(ctx, "p3", AbilityProtect, []string{"p2"}))
	awaitPhase(t, s, PhaseDusk)

	// Only two of the four living players vote before the deadline.
	require.NoError(t, s.Submit(ctx, "p1", AbilityVote, []string{"p5"}))
	require.NoError(t, s.Submit(ctx, "p2", AbilityVote, []string{"p5"}))
	awaitPhase(t, s, PhaseNight)

	st := s.Snapshot()
	assert.Equal(t, 2, st.Cycle)
	for _, p := range st.Players {
		switch p.ID {
		case "p4", "p5":
			assert.False(t, p.Alive)
		default:
			assert.True(t, p.Alive)
		}
	}

	// A straggler vote after the deadline is rejected and leaves the log
	// untouched.
	before := len(s.ActionLog())
	requireReason(t, s.Submit(ctx, "p3", AbilityVote, []string{"p1"}), ReasonWrongPhase)
	assert.Len(t, s.ActionLog(), before)

	votes := 0
	for _, a := range s.ActionLog() {
		if a.Ability == AbilityVote {
			votes++
		}
	}
	assert.Equal(t, 2, votes, "only pre-deadline votes are recorded")
}

func TestDayNeverResolvesEarly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	s := classic5(t, f, longDurations())

	require.NoError(t, s.Submit(ctx, "p1", AbilityKill, []string{"p4"}))
	require.NoError(t, s.Submit(ctx, "p2", AbilitySee, []string{"p1"}))
	require.NoError(t, s.Submit(ctx, "p3", AbilityProtect, []string{"p2"}))
	require.Equal(t, PhaseDay, s.Snapshot().Phase)

	// No ability is legal during the day, so nothing can close it.
	requireReason(t, s.Submit(ctx, "p2", AbilityVote, []string{"p1"}), ReasonWrongPhase)
	requireReason(t, s.Submit(ctx, "p1", AbilityKill, []string{"p2"}), ReasonWrongPhase)
	assert.Equal(t, PhaseDay, s.Snapshot().Phase)
}

func awaitPhase(t *testing.T, s *Session, want Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.Snapshot().Phase == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestVillageWinsWhenLastWolfIsEliminated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	d := config.PhaseDurations{Night: time.Hour, Day: 30 * time.Millisecond, Dusk: time.Hour}
	s := classic5(t, f, d)

	require.NoError(t, s.Submit(ctx, "p1", AbilityKill, []string{"p4"}))
	require.NoError(t, s.Submit(ctx, "p2", AbilitySee, []string{"p1"}))
	require.NoError(t, s.Submit(ctx, "p3", AbilityProtect, []string{"p2"}))
	awaitPhase(t, s, PhaseDusk)

	for _, voter := range []string{"p1", "p2", "p3", "p5"} {
		require.NoError(t, s.Submit(ctx, voter, AbilityVote, []string{"p1"}))
	}

	st := s.Snapshot()
	assert.Equal(t, PhaseEnded, st.Phase)
	assert.Equal(t, setup.FactionVillage, st.Winner)

	// Teardown returned the room and fired the dereg callback.
	available, onLoan := f.pool.Stats()
	assert.Equal(t, 1, available)
	assert.Equal(t, 0, onLoan)
	select {
	case roomKey := <-f.ended:
		assert.Equal(t, "town-square", roomKey)
	case <-time.After(time.Second):
		t.Fatal("OnEnd was never invoked")
	}

	replays := f.recorder.recorded()
	require.Len(t, replays, 1)
	assert.Equal(t, setup.FactionVillage, replays[0].Winner)
	assert.Equal(t, "classic", replays[0].GameType)
	assert.Len(t, replays[0].Assignment, 5)
	assert.NotEmpty(t, replays[0].Actions)
}

func TestWolvesWinAtParity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	// duel deal: p1 werewolf, p2 seer, p3 villager.
	s := newTestSession(t, f, "duel", longDurations(), members("p1", "p2", "p3"))
	require.NoError(t, s.Start(ctx))

	require.NoError(t, s.Submit(ctx, "p1", AbilityKill, []string{"p3"}))
	require.NoError(t, s.Submit(ctx, "p2", AbilitySee, []string{"p1"}))

	st := s.Snapshot()
	assert.Equal(t, PhaseEnded, st.Phase)
	assert.Equal(t, setup.FactionWolves, st.Winner)
}

func TestTiedVoteEliminatesNobody(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	d := config.PhaseDurations{Night: time.Hour, Day: 30 * time.Millisecond, Dusk: time.Hour}
	s := classic5(t, f, d)

	require.NoError(t, s.Submit(ctx, "p1", AbilityKill, []string{"p4"}))
	require.NoError(t, s.Submit(ctx, "p2", AbilitySee, []string{"p1"}))
	require.NoError(t, s.Submit(ctx, "p3", AbilityProtect, []string{"p2"}))
	awaitPhase(t, s, PhaseDusk)

	// Two for p1, two for p2: deadlock.
	require.NoError(t, s.Submit(ctx, "p1", AbilityVote, []string{"p2"}))
	require.NoError(t, s.Submit(ctx, "p2", AbilityVote, []string{"p1"}))
	require.NoError(t, s.Submit(ctx, "p3", AbilityVote, []string{"p1"}))
	require.NoError(t, s.Submit(ctx, "p5", AbilityVote, []string{"p2"}))

	st := s.Snapshot()
	assert.Equal(t, PhaseNight, st.Phase)
	assert.Equal(t, 2, st.Cycle)
	living := 0
	for _, p := range st.Players {
		if p.Alive {
			living++
		}
	}
	assert.Equal(t, 4, living)
	assert.Contains(t, f.platform.statusesFor("town-square"), "The vote is deadlocked. Nobody is eliminated.")
}

func TestEndTeardownIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	s := classic5(t, f, longDurations())

	s.End(ctx, "abandoned")
	s.End(ctx, "abandoned again")

	st := s.Snapshot()
	assert.Equal(t, PhaseEnded, st.Phase)
	assert.Equal(t, WinnerNone, st.Winner)

	available, onLoan := f.pool.Stats()
	assert.Equal(t, 1, available)
	assert.Equal(t, 0, onLoan)
	assert.Len(t, f.recorder.recorded(), 1)
	assert.Len(t, f.ended, 1)

	requireReason(t, s.Submit(ctx, "p1", AbilityKill, []string{"p2"}), ReasonWrongPhase)
}

func TestEndRacingStartConservesRoom(t *testing.T) {
	ctx := context.Background()

	// Whichever side wins the race, teardown must run once and the pool
	// must end up whole.
	for i := 0; i < 20; i++ {
		f := newFixture(t, 1)
		s := newTestSession(t, f, "classic", longDurations(), members("p1", "p2", "p3", "p4", "p5"))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.Start(ctx)
		}()
		go func() {
			defer wg.Done()
			s.End(ctx, "raced")
		}()
		wg.Wait()
		s.End(ctx, "settle")

		assert.Equal(t, PhaseEnded, s.Snapshot().Phase)
		available, onLoan := f.pool.Stats()
		assert.Equal(t, 1, available)
		assert.Equal(t, 0, onLoan)
		assert.Len(t, f.ended, 1, "teardown must deregister exactly once")
	}
}

func TestScriptedWinOverridesBuiltins(t *testing.T) {
	ctx := context.Background()

	dir := t.TempDir()
	script := `
function decide_winner(state)
  -- The seer's survival carries the village even at parity.
  for _, p in ipairs(state.players) do
    if p.role == "seer" and p.alive and state.living.wolves > 0 then
      return "village"
    end
  end
  return nil
end
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seer.lua"), []byte(script), 0o644))

	evaluator := scripting.NewWinEvaluator(zap.NewNop())
	require.NoError(t, evaluator.Load("duel", dir, "seer.lua", scripting.DefaultInstructionLimit))
	t.Cleanup(evaluator.Close)

	f := newFixture(t, 1)
	deps := f.deps("duel", longDurations())
	deps.Setups = testRegistry(t)
	deps.Win = evaluator
	s, err := NewSession(deps, members("p1", "p2", "p3"))
	require.NoError(t, err)
	t.Cleanup(func() { s.End(ctx, "test cleanup") })
	require.NoError(t, s.Start(ctx))

	// Killing the villager reaches parity, which the built-ins score for
	// the wolves, but the script hands it to the village while the seer
	// lives.
	require.NoError(t, s.Submit(ctx, "p1", AbilityKill, []string{"p3"}))
	require.NoError(t, s.Submit(ctx, "p2", AbilitySee, []string{"p1"}))

	st := s.Snapshot()
	assert.Equal(t, PhaseEnded, st.Phase)
	assert.Equal(t, setup.FactionVillage, st.Winner)
}

func TestDepsValidation(t *testing.T) {
	_, err := NewSession(Deps{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid session deps")

	f := newFixture(t, 0)
	deps := f.deps("classic", config.PhaseDurations{})
	deps.Setups = testRegistry(t)
	_, err = NewSession(deps, nil)
	require.Error(t, err, "zero durations are rejected")
}
