package duel

import (
	"math"

	"github.com/midnightgrind/tougelog-service-manager-go/pkg/model"
)

type (
	Option func(c *Controller)

	// Controller owns the duel state machine. It is not safe for concurrent
	// use; callers serialize Update/ReportCrash/ReportFinish on one
	// goroutine (the processor does this for the live service).
	Controller struct {
		params   Params
		provider TelemetryProvider
		sink     func(Event)

		participants  [2]Participant
		mode          model.DuelMode
		phase         Phase
		current       RunData
		history       []RunData
		finished      [2]bool
		started       bool
		complete      bool
		overallWinner int

		transitionLeft float64
	}
)

func WithParams(params Params) Option {
	return func(c *Controller) {
		c.params = params
	}
}

func WithTelemetryProvider(provider TelemetryProvider) Option {
	return func(c *Controller) {
		c.provider = provider
	}
}

func WithEventSink(sink func(Event)) Option {
	return func(c *Controller) {
		c.sink = sink
	}
}

// NewController validates the configuration and returns a controller ready
// for Start. The first run is led by participant 0.
func NewController(cfg Config, opts ...Option) (*Controller, error) {
	c := &Controller{params: DefaultParams()}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.params.validate(); err != nil {
		return nil, err
	}
	if err := c.Reset(cfg); err != nil {
		return nil, err
	}
	return c, nil
}

// Reset re-initializes the duel: counters cleared, history dropped, fresh
// run data with leader index 0.
func (c *Controller) Reset(cfg Config) error {
	if len(cfg.Participants) < 2 {
		return &ConfigurationError{Reason: "need at least two participants"}
	}
	mode := cfg.Mode
	if mode == "" {
		mode = model.ModeBestOfThree
	}
	if mode != model.ModeBestOfThree && mode != model.ModeSingleRun {
		return &ConfigurationError{Reason: "unknown mode " + string(mode)}
	}
	c.mode = mode
	c.participants = [2]Participant{
		{Vehicle: cfg.Participants[0]},
		{Vehicle: cfg.Participants[1]},
	}
	c.history = nil
	c.finished = [2]bool{}
	c.started = false
	c.complete = false
	c.overallWinner = NoWinner
	c.transitionLeft = 0
	c.current = RunData{RunNumber: 1, LeaderIndex: 0, RunWinnerIndex: NoWinner}
	c.setPhase(PhaseFirstRun)
	return nil
}

// Start arms the per-tick update path. Idempotent.
func (c *Controller) Start() {
	if c.complete {
		return
	}
	c.started = true
}

// Update advances the duel by deltaTime seconds. No-op before Start and
// after completion.
func (c *Controller) Update(deltaTime float64) {
	if !c.started || c.complete || deltaTime <= 0 {
		return
	}
	switch c.phase {
	case PhaseFirstRun, PhaseSecondRun, PhaseTiebreaker:
		c.updateRacing(deltaTime)
	case PhaseTransition:
		c.transitionLeft -= deltaTime
		if c.transitionLeft <= 0 {
			c.startNextRun()
		}
	case PhaseComplete:
	}
}

func (c *Controller) updateRacing(deltaTime float64) {
	c.current.RunTime += deltaTime

	prev := c.current.GapDistance
	if gap, ok := c.computeGap(); ok {
		c.current.GapDistance = gap
		if math.Abs(gap-prev) > gapNotifyThreshold {
			c.emit(GapChanged{
				Gap:         gap,
				LeaderAhead: gap > 0,
				RunNumber:   c.current.RunNumber,
			})
		}
	}

	c.evaluateRunCompletion()
}

// checked every racing tick; first match wins
func (c *Controller) evaluateRunCompletion() {
	switch {
	case c.current.RunTime >= c.params.MaxRunDuration:
		// timer expired: whoever holds the gap advantage takes the run
		if c.current.GapDistance > 0 {
			c.completeRun(ResultLeaderPulledAway, c.current.LeaderIndex)
		} else {
			c.completeRun(ResultChaserCaughtUp, c.chaserIndex())
		}
	case c.current.GapDistance > c.params.LeaderVictoryGap:
		c.completeRun(ResultLeaderPulledAway, c.current.LeaderIndex)
	case c.current.GapDistance < -c.params.ChaserVictoryGap:
		c.completeRun(ResultChaserCaughtUp, c.chaserIndex())
	}
}

// ReportCrash ends the current run unconditionally: the other side wins.
// Out-of-range indices and reports outside a racing phase are ignored.
func (c *Controller) ReportCrash(participantIndex int) {
	if !c.racingActive() {
		return
	}
	if participantIndex != 0 && participantIndex != 1 {
		return
	}
	c.participants[participantIndex].Crashes++
	c.emit(Crash{
		ParticipantIndex: participantIndex,
		RunNumber:        c.current.RunNumber,
	})
	if participantIndex == c.current.LeaderIndex {
		c.completeRun(ResultLeaderCrashed, c.chaserIndex())
	} else {
		c.completeRun(ResultChaserCrashed, c.current.LeaderIndex)
	}
}

// ReportFinish marks one side as done. Once both sides reported, the run
// resolves by gap sign: leader still ahead wins, otherwise the chaser.
func (c *Controller) ReportFinish(participantIndex int) {
	if !c.racingActive() {
		return
	}
	if participantIndex != 0 && participantIndex != 1 {
		return
	}
	c.finished[participantIndex] = true
	if !c.finished[0] || !c.finished[1] {
		return
	}
	if c.current.GapDistance > 0 {
		c.completeRun(ResultLeaderPulledAway, c.current.LeaderIndex)
	} else {
		c.completeRun(ResultChaserCaughtUp, c.chaserIndex())
	}
}

func (c *Controller) completeRun(result RunResult, winnerIndex int) {
	c.current.Result = result
	c.current.RunWinnerIndex = winnerIndex

	if winnerIndex == 0 || winnerIndex == 1 {
		winner := &c.participants[winnerIndex]
		winner.RoundsWon++
		// zero best acts as "no time yet"
		if winner.BestTime == 0 || c.current.RunTime < winner.BestTime {
			winner.BestTime = c.current.RunTime
		}
		switch result {
		case ResultChaserCaughtUp:
			c.participants[c.current.LeaderIndex].TimesCaughtAsLeader++
		case ResultLeaderPulledAway:
			c.participants[c.chaserIndex()].TimesLostAsChaser++
		case ResultNone, ResultLeaderCrashed, ResultChaserCrashed:
		}
	}

	c.history = append(c.history, c.current)
	c.emit(RunCompleted{
		RunNumber:   c.current.RunNumber,
		WinnerIndex: winnerIndex,
		Result:      result,
		RunTime:     c.current.RunTime,
	})

	if (winnerIndex == 0 || winnerIndex == 1) &&
		c.participants[winnerIndex].RoundsWon >= c.roundsToWin() {
		c.overallWinner = winnerIndex
		c.complete = true
		c.setPhase(PhaseComplete)
		return
	}
	c.transitionLeft = c.params.TransitionDuration
	c.setPhase(PhaseTransition)
}

// the previous chaser leads the next run
func (c *Controller) startNextRun() {
	c.finished = [2]bool{}
	c.current = RunData{
		RunNumber:      c.current.RunNumber + 1,
		LeaderIndex:    1 - c.current.LeaderIndex,
		RunWinnerIndex: NoWinner,
	}
	if c.current.RunNumber == 2 {
		c.setPhase(PhaseSecondRun)
	} else {
		c.setPhase(PhaseTiebreaker)
	}
}

func (c *Controller) setPhase(phase Phase) {
	if c.phase == phase {
		return
	}
	old := c.phase
	c.phase = phase
	c.emit(PhaseChanged{Old: old, New: phase})
}

func (c *Controller) computeGap() (float64, bool) {
	if c.provider == nil {
		return 0, false
	}
	leader, ok := c.provider.VehiclePose(c.current.LeaderIndex)
	if !ok {
		return 0, false
	}
	chaser, ok := c.provider.VehiclePose(c.chaserIndex())
	if !ok {
		return 0, false
	}
	forward, ok := leader.Forward.Normalized()
	if !ok {
		return 0, false
	}
	return leader.Pos.Sub(chaser.Pos).Dot(forward), true
}

func (c *Controller) chaserIndex() int {
	return 1 - c.current.LeaderIndex
}

func (c *Controller) racingActive() bool {
	if !c.started || c.complete {
		return false
	}
	return c.phase == PhaseFirstRun ||
		c.phase == PhaseSecondRun ||
		c.phase == PhaseTiebreaker
}

func (c *Controller) roundsToWin() int {
	if c.mode == model.ModeSingleRun {
		return 1
	}
	return 2
}

func (c *Controller) emit(ev Event) {
	if c.sink != nil {
		c.sink(ev)
	}
}

// Participant returns a copy of the participant record. Out-of-range
// indices yield a zero value.
func (c *Controller) Participant(index int) Participant {
	if index != 0 && index != 1 {
		return Participant{}
	}
	return c.participants[index]
}

func (c *Controller) IsComplete() bool { return c.complete }

func (c *Controller) Phase() Phase { return c.phase }

func (c *Controller) Mode() model.DuelMode { return c.mode }

// OverallWinnerIndex returns NoWinner until the duel is decided.
func (c *Controller) OverallWinnerIndex() int { return c.overallWinner }

func (c *Controller) CurrentRun() RunData { return c.current }

func (c *Controller) RunHistory() []RunData {
	out := make([]RunData, len(c.history))
	copy(out, c.history)
	return out
}

// TransitionRemaining returns the seconds left between runs, 0 outside the
// transition phase.
func (c *Controller) TransitionRemaining() float64 {
	if c.phase != PhaseTransition {
		return 0
	}
	return c.transitionLeft
}

// Results returns the final standings once the duel is decided: winner on
// position 1, loser on position 2. Nil while the duel is still running.
func (c *Controller) Results() []Standing {
	if c.overallWinner == NoWinner {
		return nil
	}
	winner := c.overallWinner
	loser := 1 - winner
	return []Standing{
		{
			Position:         1,
			ParticipantIndex: winner,
			Vehicle:          c.participants[winner].Vehicle,
			BestTime:         c.participants[winner].BestTime,
		},
		{
			Position:         2,
			ParticipantIndex: loser,
			Vehicle:          c.participants[loser].Vehicle,
			BestTime:         c.participants[loser].BestTime,
		},
	}
}
