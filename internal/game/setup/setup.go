// Package setup defines factions, character roles, and the per-game-type
// role composition templates that size and shape a game.
package setup

import (
	"fmt"
	"sort"
	"sync"
)

// Faction is a team with a shared win condition.
type Faction string

const (
	FactionWolves  Faction = "wolves"
	FactionVillage Faction = "village"
)

// Valid reports whether f is a recognised faction.
func (f Faction) Valid() bool {
	switch f {
	case FactionWolves, FactionVillage:
		return true
	}
	return false
}

// Role is a character role granting a specific ability set within a faction.
type Role string

const (
	RoleWerewolf Role = "werewolf"
	RoleVillager Role = "villager"
	RoleSeer     Role = "seer"
	RoleGuard    Role = "guard"
)

// Valid reports whether r is a recognised character role.
func (r Role) Valid() bool {
	switch r {
	case RoleWerewolf, RoleVillager, RoleSeer, RoleGuard:
		return true
	}
	return false
}

// Character is one (faction, role) slot in a composition.
type Character struct {
	Faction Faction
	Role    Role
}

// Composition is the expanded multiset of characters for one player count.
//
// Invariant: len(Characters) == Players.
type Composition struct {
	Players    int
	Characters []Character
}

// Wolves returns the number of wolf-faction slots in the composition.
func (c Composition) Wolves() int {
	n := 0
	for _, ch := range c.Characters {
		if ch.Faction == FactionWolves {
			n++
		}
	}
	return n
}

// Setup is the full configuration for one game type: compositions keyed by
// player count plus an optional scripted win predicate.
type Setup struct {
	// GameType is the identifier players use to request this setup.
	GameType string
	// WinScript is an optional Lua script name evaluated at win-check time.
	// Empty means the built-in faction predicates apply.
	WinScript string

	compositions map[int]Composition
}

// NewSetup creates a Setup with no compositions.
//
// Precondition: gameType must be non-empty.
func NewSetup(gameType string) *Setup {
	return &Setup{
		GameType:     gameType,
		compositions: make(map[int]Composition),
	}
}

// AddComposition registers the composition for its player count.
//
// Precondition: the composition must satisfy len(Characters) == Players.
// Postcondition: Returns an error if a composition for that count exists
// or the invariant is violated; the setup is unchanged on error.
func (s *Setup) AddComposition(c Composition) error {
	if len(c.Characters) != c.Players {
		return fmt.Errorf("setup %q: composition for %d players has %d characters", s.GameType, c.Players, len(c.Characters))
	}
	if _, exists := s.compositions[c.Players]; exists {
		return fmt.Errorf("setup %q: duplicate composition for %d players", s.GameType, c.Players)
	}
	s.compositions[c.Players] = c
	return nil
}

// Composition returns the composition for the given player count.
//
// Postcondition: Returns (composition, true) if registered, or (zero, false).
func (s *Setup) Composition(players int) (Composition, bool) {
	c, ok := s.compositions[players]
	return c, ok
}

// Sizes returns the registered player counts in ascending order.
func (s *Setup) Sizes() []int {
	sizes := make([]int, 0, len(s.compositions))
	for n := range s.compositions {
		sizes = append(sizes, n)
	}
	sort.Ints(sizes)
	return sizes
}

// MinPlayers returns the smallest registered player count, or 0 if none.
func (s *Setup) MinPlayers() int {
	sizes := s.Sizes()
	if len(sizes) == 0 {
		return 0
	}
	return sizes[0]
}

// MaxPlayers returns the largest registered player count, or 0 if none.
func (s *Setup) MaxPlayers() int {
	sizes := s.Sizes()
	if len(sizes) == 0 {
		return 0
	}
	return sizes[len(sizes)-1]
}

// Registry holds the known game setups keyed by game type.
// All methods are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	setups map[string]*Setup
}

// NewRegistry creates an empty setup Registry.
func NewRegistry() *Registry {
	return &Registry{setups: make(map[string]*Setup)}
}

// Register adds a setup to the registry.
//
// Precondition: s must be non-nil with a non-empty GameType.
// Postcondition: Returns an error if the game type is already registered.
func (r *Registry) Register(s *Setup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.GameType == "" {
		return fmt.Errorf("setup has empty game type")
	}
	if _, exists := r.setups[s.GameType]; exists {
		return fmt.Errorf("game type %q already registered", s.GameType)
	}
	r.setups[s.GameType] = s
	return nil
}

// Get returns the setup for the given game type.
//
// Postcondition: Returns (setup, true) if registered, or (nil, false).
func (r *Registry) Get(gameType string) (*Setup, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.setups[gameType]
	return s, ok
}

// GameTypes returns the registered game type identifiers in sorted order.
func (r *Registry) GameTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.setups))
	for gt := range r.setups {
		types = append(types, gt)
	}
	sort.Strings(types)
	return types
}
