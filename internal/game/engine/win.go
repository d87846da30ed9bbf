package engine

import (
	"go.uber.org/zap"

	"github.com/cory-johannsen/werewolf/internal/game/setup"
	"github.com/cory-johannsen/werewolf/internal/scripting"
)

// checkWinLocked evaluates the win condition against the current liveness
// state. A loaded win script for this game type takes precedence; if it
// declines to decide (or errors), the built-in predicates apply. The
// village predicate is checked before the wolf predicate, so wiping out
// the wolves wins for the village even if the wolves reach parity in the
// same step. Caller must hold s.mu.
func (s *Session) checkWinLocked() (setup.Faction, bool) {
	wolves, others := 0, 0
	for _, p := range s.players {
		if !p.Alive {
			continue
		}
		if p.Character.Faction == setup.FactionWolves {
			wolves++
		} else {
			others++
		}
	}

	if s.deps.Win != nil && s.deps.Win.Has(s.deps.GameType) {
		if winner, decided := s.deps.Win.Evaluate(s.deps.GameType, s.winStateLocked()); decided {
			f := setup.Faction(winner)
			if f.Valid() {
				return f, true
			}
			s.deps.Logger.Warn("win script returned unknown faction, falling back to built-ins",
				zap.String("game_type", s.deps.GameType),
				zap.String("faction", winner),
			)
		}
	}

	switch {
	case wolves == 0 && others == 0:
		return WinnerNone, true
	case wolves == 0:
		return setup.FactionVillage, true
	case wolves >= others:
		return setup.FactionWolves, true
	}
	return WinnerNone, false
}

// winStateLocked builds the script-facing view of the game. Caller must
// hold s.mu.
func (s *Session) winStateLocked() scripting.WinState {
	st := scripting.WinState{LivingByFaction: make(map[string]int)}
	ids := s.assignment.PlayerIDs()
	for _, id := range ids {
		p := s.players[id]
		st.Players = append(st.Players, scripting.PlayerInfo{
			ID:      p.ID,
			Name:    p.Name,
			Faction: string(p.Character.Faction),
			Role:    string(p.Character.Role),
			Alive:   p.Alive,
		})
		if p.Alive {
			st.LivingByFaction[string(p.Character.Faction)]++
		}
	}
	return st
}
