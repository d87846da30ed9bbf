package scripting

import (
	"fmt"
	"path/filepath"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// winHook is the Lua global a win script must define.
const winHook = "decide_winner"

// PlayerInfo is a snapshot of one player's state passed to Lua.
type PlayerInfo struct {
	ID      string
	Name    string
	Faction string
	Role    string
	Alive   bool
}

// WinState is the game snapshot a win predicate decides over.
type WinState struct {
	// LivingByFaction maps faction name to its living player count.
	LivingByFaction map[string]int
	// Players holds every player in the session, dead or alive.
	Players []PlayerInfo
}

// WinEvaluator owns one sandboxed VM per loaded win script, keyed by game
// type. VMs are single-threaded; the mutex serializes evaluation.
type WinEvaluator struct {
	mu      sync.Mutex
	states  map[string]*lua.LState
	cancels map[string]func()
	limits  map[string]int
	logger  *zap.Logger
}

// NewWinEvaluator creates a WinEvaluator.
//
// Precondition: logger must be non-nil.
func NewWinEvaluator(logger *zap.Logger) *WinEvaluator {
	return &WinEvaluator{
		states:  make(map[string]*lua.LState),
		cancels: make(map[string]func()),
		limits:  make(map[string]int),
		logger:  logger,
	}
}

// Load compiles the win script for gameType from scriptsDir/name into a
// fresh sandboxed VM, replacing any previous script for that game type.
//
// Precondition: gameType and name must be non-empty.
// Postcondition: Returns an error if the file does not load or does not
// define decide_winner; the previous VM (if any) is kept on error.
func (e *WinEvaluator) Load(gameType, scriptsDir, name string, instLimit int) error {
	L, cancel := NewSandboxedState(instLimit)

	path := filepath.Join(scriptsDir, name)
	if err := L.DoFile(path); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("scripting: loading win script %q for %q: %w", path, gameType, err)
	}
	if L.GetGlobal(winHook) == lua.LNil {
		cancel()
		L.Close()
		return fmt.Errorf("scripting: win script %q does not define %s", path, winHook)
	}

	e.mu.Lock()
	if old, ok := e.states[gameType]; ok {
		if oldCancel := e.cancels[gameType]; oldCancel != nil {
			oldCancel()
		}
		old.Close()
	}
	e.states[gameType] = L
	e.cancels[gameType] = cancel
	if instLimit <= 0 {
		instLimit = DefaultInstructionLimit
	}
	e.limits[gameType] = instLimit
	e.mu.Unlock()
	return nil
}

// Has reports whether a win script is loaded for gameType.
func (e *WinEvaluator) Has(gameType string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.states[gameType]
	return ok
}

// Evaluate calls decide_winner(state) in gameType's VM. The script returns a
// faction name string to end the game with that winner, or nil/false to let
// it continue.
//
// Postcondition: Returns (faction, true) when the script names a winner, or
// ("", false) when the game continues, no script is loaded, or the script
// errors (errors are logged, never propagated: a broken script must not
// strand a session).
func (e *WinEvaluator) Evaluate(gameType string, state WinState) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	L, ok := e.states[gameType]
	if !ok {
		return "", false
	}

	// Each evaluation gets a fresh opcode budget so long-lived sessions
	// cannot exhaust the VM across win checks.
	ctx, cancel := newCountingContext(e.limits[gameType])
	L.SetContext(ctx)
	if old := e.cancels[gameType]; old != nil {
		old()
	}
	e.cancels[gameType] = cancel

	if err := L.CallByParam(lua.P{
		Fn:      L.GetGlobal(winHook),
		NRet:    1,
		Protect: true,
	}, stateToTable(L, state)); err != nil {
		e.logger.Warn("scripting: win predicate error",
			zap.String("game_type", gameType),
			zap.Error(err),
		)
		return "", false
	}

	ret := L.Get(-1)
	L.Pop(1)

	if s, ok := ret.(lua.LString); ok && s != "" {
		return string(s), true
	}
	return "", false
}

// Close releases every VM.
func (e *WinEvaluator) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for gt, L := range e.states {
		if cancel := e.cancels[gt]; cancel != nil {
			cancel()
		}
		L.Close()
	}
	e.states = make(map[string]*lua.LState)
	e.cancels = make(map[string]func())
}

// stateToTable converts a WinState into a Lua table:
//
//	{ living = {wolves = 2, village = 3},
//	  players = { {id=..., name=..., faction=..., role=..., alive=...}, ... } }
func stateToTable(L *lua.LState, state WinState) *lua.LTable {
	t := L.NewTable()

	living := L.NewTable()
	for faction, n := range state.LivingByFaction {
		living.RawSetString(faction, lua.LNumber(n))
	}
	t.RawSetString("living", living)

	players := L.NewTable()
	for _, p := range state.Players {
		pt := L.NewTable()
		pt.RawSetString("id", lua.LString(p.ID))
		pt.RawSetString("name", lua.LString(p.Name))
		pt.RawSetString("faction", lua.LString(p.Faction))
		pt.RawSetString("role", lua.LString(p.Role))
		pt.RawSetString("alive", lua.LBool(p.Alive))
		players.Append(pt)
	}
	t.RawSetString("players", players)

	return t
}
