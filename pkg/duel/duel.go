// Package duel implements the head-to-head touge duel state machine.
// Two participants alternate between leading and chasing over up to three
// runs; runs are decided by decisive gaps, crashes, finish reports or the
// run timer.
package duel

import (
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/model"
)

type Phase int

const (
	PhaseFirstRun Phase = iota
	PhaseSecondRun
	PhaseTiebreaker
	PhaseTransition
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseFirstRun:
		return "firstRun"
	case PhaseSecondRun:
		return "secondRun"
	case PhaseTiebreaker:
		return "tiebreaker"
	case PhaseTransition:
		return "transition"
	case PhaseComplete:
		return "complete"
	}
	return "unknown"
}

type RunResult int

const (
	ResultNone RunResult = iota
	ResultLeaderCrashed
	ResultChaserCrashed
	ResultLeaderPulledAway
	ResultChaserCaughtUp
)

func (r RunResult) String() string {
	switch r {
	case ResultLeaderCrashed:
		return "leaderCrashed"
	case ResultChaserCrashed:
		return "chaserCrashed"
	case ResultLeaderPulledAway:
		return "leaderPulledAway"
	case ResultChaserCaughtUp:
		return "chaserCaughtUp"
	}
	return "none"
}

// NoWinner marks an unresolved winner index.
const NoWinner = -1

// Participant is one side of the duel. Mutated only by the controller.
type Participant struct {
	Vehicle   model.VehicleRef
	RoundsWon int
	// fastest completed winning run time in seconds; 0 means no time
	// recorded yet
	BestTime            float64
	Crashes             int
	TimesCaughtAsLeader int
	TimesLostAsChaser   int
}

// RunData describes one run. The current run is mutated in place; completed
// runs are appended to the history by value and never touched again.
type RunData struct {
	RunNumber   int
	LeaderIndex int
	RunTime     float64
	// signed longitudinal distance between chaser and leader projected onto
	// the leader's forward axis; positive = leader ahead
	GapDistance    float64
	Result         RunResult
	RunWinnerIndex int
}

// Standing is one row of the final result.
type Standing struct {
	Position         int
	ParticipantIndex int
	Vehicle          model.VehicleRef
	BestTime         float64
}

// Config carries the data needed to set up a duel. The first two
// participants take part; fewer than two is a configuration error.
type Config struct {
	Participants []model.VehicleRef
	Mode         model.DuelMode
}

type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "invalid duel configuration: " + e.Reason
}
