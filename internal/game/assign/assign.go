// Package assign produces the randomized player-to-character assignment a
// game session is dealt at start.
package assign

import (
	"errors"
	"fmt"

	"github.com/cory-johannsen/werewolf/internal/game/random"
	"github.com/cory-johannsen/werewolf/internal/game/setup"
)

// ErrUnknownGameType is returned when the requested game type has no
// registered setup.
var ErrUnknownGameType = errors.New("unknown game type")

// ErrInsufficientPlayers is returned when the player count matches no
// composition registered for the game type.
var ErrInsufficientPlayers = errors.New("player count matches no composition")

// Member identifies one participating player at assignment time.
type Member struct {
	// ID is the platform user id.
	ID string
	// Name is the display name used in announcements.
	Name string
}

// Assignment is the immutable mapping of player id to dealt character.
type Assignment struct {
	entries map[string]setup.Character
	order   []string
}

// Character returns the character dealt to the given player id.
//
// Postcondition: Returns (character, true) if the player was assigned,
// or (zero, false) otherwise.
func (a *Assignment) Character(playerID string) (setup.Character, bool) {
	c, ok := a.entries[playerID]
	return c, ok
}

// Len returns the number of assigned players.
func (a *Assignment) Len() int {
	return len(a.entries)
}

// PlayerIDs returns the assigned player ids in deal order.
//
// Postcondition: The returned slice is a copy; mutating it does not affect
// the assignment.
func (a *Assignment) PlayerIDs() []string {
	ids := make([]string, len(a.order))
	copy(ids, a.order)
	return ids
}

// FactionMembers returns the ids of players dealt into the given faction,
// in deal order.
func (a *Assignment) FactionMembers(f setup.Faction) []string {
	var ids []string
	for _, id := range a.order {
		if a.entries[id].Faction == f {
			ids = append(ids, id)
		}
	}
	return ids
}

// Assign deals the composition registered for (gameType, len(players)) to
// the players: the character multiset and the player ordering are both
// shuffled with src and paired one to one.
//
// Precondition: src must be non-nil; player ids must be unique.
// Postcondition: Returns an Assignment whose per-role counts equal the
// composition template and in which every player appears exactly once, or
// ErrUnknownGameType / ErrInsufficientPlayers. No state outside the
// returned value is mutated.
func Assign(reg *setup.Registry, gameType string, players []Member, src random.Source) (*Assignment, error) {
	s, ok := reg.Get(gameType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGameType, gameType)
	}

	comp, ok := s.Composition(len(players))
	if !ok {
		return nil, fmt.Errorf("%w: game type %q has no composition for %d players (valid sizes %v)",
			ErrInsufficientPlayers, gameType, len(players), s.Sizes())
	}

	seen := make(map[string]bool, len(players))
	for _, p := range players {
		if p.ID == "" {
			return nil, fmt.Errorf("player with empty id")
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate player id %q", p.ID)
		}
		seen[p.ID] = true
	}

	characters := make([]setup.Character, len(comp.Characters))
	copy(characters, comp.Characters)
	random.Shuffle(characters, src)

	order := make([]Member, len(players))
	copy(order, players)
	random.Shuffle(order, src)

	a := &Assignment{
		entries: make(map[string]setup.Character, len(order)),
		order:   make([]string, 0, len(order)),
	}
	for i, p := range order {
		a.entries[p.ID] = characters[i]
		a.order = append(a.order, p.ID)
	}
	return a, nil
}
