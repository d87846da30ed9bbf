package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cory-johannsen/werewolf/internal/game/setup"
)

// Ability names a night action or vote a player can submit.
type Ability string

const (
	// AbilityKill is the wolves' night kill. Each wolf submits a target; the
	// plurality target dies unless protected, a tie kills nobody.
	AbilityKill Ability = "kill"
	// AbilitySee is the seer's night peek; the target's faction is revealed
	// privately to the seer.
	AbilitySee Ability = "see"
	// AbilityProtect is the guard's night protection; the target survives a
	// kill resolved the same night.
	AbilityProtect Ability = "protect"
	// AbilityVote is the dusk elimination vote. Plurality is eliminated, a
	// tie eliminates nobody.
	AbilityVote Ability = "vote"
)

// knownAbility reports whether a is in the ability catalogue.
func knownAbility(a Ability) bool {
	switch a {
	case AbilityKill, AbilitySee, AbilityProtect, AbilityVote:
		return true
	}
	return false
}

// abilitiesFor returns the abilities the given role may use in the given
// phase. Day is discussion only; no role acts during it.
func abilitiesFor(role setup.Role, phase Phase) []Ability {
	switch phase {
	case PhaseNight:
		switch role {
		case setup.RoleWerewolf:
			return []Ability{AbilityKill}
		case setup.RoleSeer:
			return []Ability{AbilitySee}
		case setup.RoleGuard:
			return []Ability{AbilityProtect}
		}
	case PhaseDusk:
		return []Ability{AbilityVote}
	}
	return nil
}

// roleMayUse reports whether role may use ability during phase.
func roleMayUse(role setup.Role, phase Phase, ability Ability) bool {
	for _, a := range abilitiesFor(role, phase) {
		if a == ability {
			return true
		}
	}
	return false
}

// Action is one accepted, timestamped player submission. Actions are
// appended to the session's log and never mutated; resubmitting the same
// ability in the same phase appends a new entry that supersedes the old one
// at resolution time.
type Action struct {
	ID          uuid.UUID
	PlayerID    string
	Ability     Ability
	Targets     []string
	Phase       Phase
	Cycle       int
	SubmittedAt time.Time
}

// RejectReason classifies why a submission was refused.
type RejectReason string

const (
	// ReasonWrongPhase: the session is not running, the phase deadline has
	// passed, or the ability is not usable by the submitter's role in the
	// current phase.
	ReasonWrongPhase RejectReason = "wrong phase"
	// ReasonNotAlive: the submitter is dead or not part of the game.
	ReasonNotAlive RejectReason = "not alive"
	// ReasonUnknownAbility: the ability is not in the catalogue.
	ReasonUnknownAbility RejectReason = "unknown ability"
	// ReasonInvalidTarget: wrong target count, or a target is not a living
	// player in this game.
	ReasonInvalidTarget RejectReason = "invalid target"
)

// IllegalActionError is returned for rejected submissions. A rejection never
// mutates the action log or any player's liveness.
type IllegalActionError struct {
	Reason RejectReason
	Detail string
}

func (e *IllegalActionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("illegal action: %s", e.Reason)
	}
	return fmt.Sprintf("illegal action: %s: %s", e.Reason, e.Detail)
}

func illegalAction(reason RejectReason, format string, args ...any) *IllegalActionError {
	return &IllegalActionError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
