package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/werewolf/internal/game/setup"
)

// outcome carries everything a resolution step wants delivered after the
// session mutex is released. Platform calls never run under the lock.
type outcome struct {
	statuses []string
	privates []privateMsg
	ended    bool
	winner   setup.Faction
}

type privateMsg struct {
	playerID string
	text     string
}

func (o *outcome) say(format string, args ...interface{}) {
	o.statuses = append(o.statuses, fmt.Sprintf(format, args...))
}

func (o *outcome) whisper(playerID, format string, args ...interface{}) {
	o.privates = append(o.privates, privateMsg{playerID: playerID, text: fmt.Sprintf(format, args...)})
}

// emit delivers an outcome's messages to the originating room and to
// individual players.
func (s *Session) emit(ctx context.Context, out *outcome) {
	for _, text := range out.statuses {
		s.post(ctx, s.deps.RoomKey, text)
	}
	for _, pm := range out.privates {
		s.sendPrivate(ctx, pm.playerID, pm.text)
	}
}

// enterPhaseLocked transitions into p, arming the deadline timer and
// announcing the change. Caller must hold s.mu.
func (s *Session) enterPhaseLocked(p Phase) *outcome {
	out := &outcome{}
	s.phase = p
	s.phaseSeq++
	s.submitted = make(map[string]map[Ability]bool)

	var d time.Duration
	switch p {
	case PhaseNight:
		s.cycle++
		d = s.deps.Durations.Night
		out.say("Night %d falls. Those with night abilities, act now.", s.cycle)
	case PhaseDay:
		d = s.deps.Durations.Day
		out.say("Day %d breaks. %d players remain. Discuss.", s.cycle, s.livingCountLocked())
	case PhaseDusk:
		d = s.deps.Durations.Dusk
		out.say("Dusk of day %d. The village votes on who to eliminate.", s.cycle)
	}
	s.deadline = time.Now().Add(d)

	seq := s.phaseSeq
	if s.timer == nil {
		s.timer = NewPhaseTimer(d, func() { s.advance(seq) })
	} else {
		s.timer.Reset(d, func() { s.advance(seq) })
	}
	s.deps.Logger.Debug("phase entered",
		zap.String("session_id", s.id.String()),
		zap.String("phase", string(p)),
		zap.Int("cycle", s.cycle),
		zap.Duration("duration", d),
	)
	return out
}

// allSubmittedLocked reports whether every living player has submitted all
// abilities available to them this phase. A phase with no eligible
// abilities (the day discussion) never closes early. Caller must hold s.mu.
func (s *Session) allSubmittedLocked() bool {
	eligible := false
	for _, p := range s.players {
		if !p.Alive {
			continue
		}
		for _, ab := range abilitiesFor(p.Character.Role, s.phase) {
			eligible = true
			if !s.submitted[p.ID][ab] {
				return false
			}
		}
	}
	return eligible
}

// resolveLocked resolves the current phase's actions in fixed order,
// applies eliminations, checks the win condition, and either ends the game
// or enters the next phase. Caller must hold s.mu.
func (s *Session) resolveLocked() *outcome {
	out := &outcome{}
	switch s.phase {
	case PhaseNight:
		s.resolveNightLocked(out)
	case PhaseDusk:
		s.resolveDuskLocked(out)
	case PhaseDay:
		// Discussion only; nothing to resolve.
	}

	if winner, ended := s.checkWinLocked(); ended {
		// Leave the running phases immediately so a racing deadline timer
		// cannot resolve this phase a second time before teardown runs.
		s.phase = PhaseEnded
		s.phaseSeq++
		out.ended = true
		out.winner = winner
		return out
	}

	var next Phase
	switch s.phase {
	case PhaseNight:
		next = PhaseDay
	case PhaseDay:
		next = PhaseDusk
	case PhaseDusk:
		next = PhaseNight
	}
	transition := s.enterPhaseLocked(next)
	out.statuses = append(out.statuses, transition.statuses...)
	return out
}

// resolveNightLocked applies night abilities in fixed order: protections
// first, then seer inspections, then the wolf kill. Caller must hold s.mu.
func (s *Session) resolveNightLocked(out *outcome) {
	protect := s.latestByAbilityLocked(AbilityProtect)
	see := s.latestByAbilityLocked(AbilitySee)
	kill := s.latestByAbilityLocked(AbilityKill)

	protected := make(map[string]bool)
	for _, a := range protect {
		protected[a.Targets[0]] = true
	}

	for seerID, a := range see {
		target := s.players[a.Targets[0]]
		out.whisper(seerID, "Your vision: %s belongs to the %s faction.", target.Name, target.Character.Faction)
	}

	victimID, ok := plurality(kill)
	if !ok {
		out.say("The night passes. Nobody was attacked.")
		return
	}
	if protected[victimID] {
		out.say("Someone was attacked in the night, but survived.")
		return
	}
	victim := s.players[victimID]
	victim.Alive = false
	out.say("%s was killed in the night. They were a %s.", victim.Name, victim.Character.Role)
}

// resolveDuskLocked tallies the village vote. A plurality eliminates; a
// tie eliminates nobody. Caller must hold s.mu.
func (s *Session) resolveDuskLocked(out *outcome) {
	votes := s.latestByAbilityLocked(AbilityVote)
	victimID, ok := plurality(votes)
	if !ok {
		out.say("The vote is deadlocked. Nobody is eliminated.")
		return
	}
	victim := s.players[victimID]
	victim.Alive = false
	out.say("The village has spoken: %s is eliminated. They were a %s.", victim.Name, victim.Character.Role)
}

// latestByAbilityLocked returns each living player's most recent action of
// the given ability in the current phase and cycle. Resubmissions
// supersede; dead targets are dropped here rather than at submit time,
// since a target can die between submission and resolution only across
// phases, never within one. Caller must hold s.mu.
func (s *Session) latestByAbilityLocked(ab Ability) map[string]Action {
	latest := make(map[string]Action)
	for _, a := range s.actions {
		if a.Ability != ab || a.Phase != s.phase || a.Cycle != s.cycle {
			continue
		}
		if p, ok := s.players[a.PlayerID]; !ok || !p.Alive {
			continue
		}
		latest[a.PlayerID] = a
	}
	return latest
}

// plurality returns the single target with the most actions against it.
// Ties and empty tallies yield no target.
func plurality(byActor map[string]Action) (string, bool) {
	tally := make(map[string]int)
	for _, a := range byActor {
		tally[a.Targets[0]]++
	}
	best, bestCount, tied := "", 0, false
	for target, n := range tally {
		switch {
		case n > bestCount:
			best, bestCount, tied = target, n, false
		case n == bestCount:
			tied = true
		}
	}
	if best == "" || tied {
		return "", false
	}
	return best, true
}

func (s *Session) livingCountLocked() int {
	n := 0
	for _, p := range s.players {
		if p.Alive {
			n++
		}
	}
	return n
}
