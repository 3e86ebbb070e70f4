//nolint:thelper,funlen,gocritic,dupl // ok for tests
package duel

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/midnightgrind/tougelog-service-manager-go/pkg/model"
)

func sampleConfig() Config {
	return Config{
		Participants: []model.VehicleRef{
			{CarID: "veh-rx7-fd", DriverName: "Hana", CarClass: "A"},
			{CarID: "veh-s14-kouki", DriverName: "Rei", CarClass: "A"},
		},
		Mode: model.ModeBestOfThree,
	}
}

func testParams() Params {
	return Params{
		MaxRunDuration:     60,
		LeaderVictoryGap:   100,
		ChaserVictoryGap:   15,
		TransitionDuration: 5,
	}
}

type stubProvider struct {
	poses map[int]model.Pose
}

func (s *stubProvider) VehiclePose(idx int) (model.Pose, bool) {
	p, ok := s.poses[idx]
	return p, ok
}

// places leader and chaser on the x axis so the projected gap equals gap
func (s *stubProvider) setGap(leaderIdx int, gap float64) {
	chaserIdx := 1 - leaderIdx
	s.poses[leaderIdx] = model.Pose{
		Pos:     model.Vec3{X: gap},
		Forward: model.Vec3{X: 1},
		Speed:   40,
	}
	s.poses[chaserIdx] = model.Pose{
		Pos:     model.Vec3{},
		Forward: model.Vec3{X: 1},
		Speed:   40,
	}
}

type recorder struct {
	events []Event
}

func (r *recorder) sink(ev Event) {
	r.events = append(r.events, ev)
}

func (r *recorder) phaseChanges() []PhaseChanged {
	ret := []PhaseChanged{}
	for _, ev := range r.events {
		if pc, ok := ev.(PhaseChanged); ok {
			ret = append(ret, pc)
		}
	}
	return ret
}

func (r *recorder) gapChanges() []GapChanged {
	ret := []GapChanged{}
	for _, ev := range r.events {
		if gc, ok := ev.(GapChanged); ok {
			ret = append(ret, gc)
		}
	}
	return ret
}

func (r *recorder) crashes() []Crash {
	ret := []Crash{}
	for _, ev := range r.events {
		if cr, ok := ev.(Crash); ok {
			ret = append(ret, cr)
		}
	}
	return ret
}

func (r *recorder) runCompletions() []RunCompleted {
	ret := []RunCompleted{}
	for _, ev := range r.events {
		if rc, ok := ev.(RunCompleted); ok {
			ret = append(ret, rc)
		}
	}
	return ret
}

func newTestController(t *testing.T, opts ...Option) (
	*Controller, *stubProvider, *recorder,
) {
	prov := &stubProvider{poses: map[int]model.Pose{}}
	rec := &recorder{}
	base := []Option{
		WithParams(testParams()),
		WithTelemetryProvider(prov),
		WithEventSink(rec.sink),
	}
	c, err := NewController(sampleConfig(), append(base, opts...)...)
	assert.NoError(t, err)
	return c, prov, rec
}

// drives the transition phase to its end
func finishTransition(c *Controller) {
	for c.Phase() == PhaseTransition {
		c.Update(1.0)
	}
}

func TestController_ConfigValidation(t *testing.T) {
	var cfgErr *ConfigurationError

	_, err := NewController(Config{})
	assert.Error(t, err)
	assert.ErrorAs(t, err, &cfgErr)

	_, err = NewController(Config{
		Participants: []model.VehicleRef{{CarID: "solo"}},
	})
	assert.Error(t, err)

	_, err = NewController(Config{
		Participants: sampleConfig().Participants,
		Mode:         model.DuelMode("bestOfFive"),
	})
	assert.Error(t, err)

	_, err = NewController(sampleConfig(), WithParams(Params{}))
	assert.Error(t, err)
	assert.ErrorAs(t, err, &cfgErr)
}

func TestController_InitialState(t *testing.T) {
	c, _, _ := newTestController(t)

	assert.Equal(t, PhaseFirstRun, c.Phase())
	assert.Equal(t, 1, c.CurrentRun().RunNumber)
	assert.Equal(t, 0, c.CurrentRun().LeaderIndex)
	assert.Equal(t, NoWinner, c.CurrentRun().RunWinnerIndex)
	assert.Equal(t, NoWinner, c.OverallWinnerIndex())
	assert.False(t, c.IsComplete())
	assert.Empty(t, c.RunHistory())
}

func TestController_NoopBeforeStart(t *testing.T) {
	c, prov, rec := newTestController(t)
	prov.setGap(0, 500)

	c.Update(1.0)
	c.ReportCrash(0)
	c.ReportFinish(0)
	c.ReportFinish(1)

	assert.Equal(t, PhaseFirstRun, c.Phase())
	assert.Equal(t, 0.0, c.CurrentRun().RunTime)
	assert.Equal(t, 0, c.Participant(0).Crashes)
	assert.Empty(t, rec.events)
}

func TestController_RunTimeAccumulation(t *testing.T) {
	c, prov, _ := newTestController(t)
	prov.setGap(0, 10)
	c.Start()

	for i := 0; i < 10; i++ {
		c.Update(0.25)
	}
	assert.InDelta(t, 2.5, c.CurrentRun().RunTime, 1e-9)

	// non-positive deltas never move the clock backwards
	c.Update(-1.0)
	c.Update(0)
	assert.InDelta(t, 2.5, c.CurrentRun().RunTime, 1e-9)
}

func TestController_GapNotification(t *testing.T) {
	c, prov, rec := newTestController(t)
	c.Start()

	prov.setGap(0, 0.5)
	c.Update(0.1)
	assert.Empty(t, rec.gapChanges(), "below threshold move must not notify")

	prov.setGap(0, 4.5)
	c.Update(0.1)
	gaps := rec.gapChanges()
	assert.Len(t, gaps, 1)
	assert.InDelta(t, 4.5, gaps[0].Gap, 1e-9)
	assert.True(t, gaps[0].LeaderAhead)
	assert.Equal(t, 1, gaps[0].RunNumber)

	// slow drift below the per-tick threshold stays silent
	for gap := 4.5; gap > -5; gap -= 0.9 {
		prov.setGap(0, gap)
		c.Update(0.1)
	}
	assert.Len(t, rec.gapChanges(), 1)

	prov.setGap(0, -8)
	c.Update(0.1)
	gaps = rec.gapChanges()
	assert.Len(t, gaps, 2)
	assert.False(t, gaps[1].LeaderAhead)
}

func TestController_MissingPoseSkipsGapUpdate(t *testing.T) {
	c, prov, rec := newTestController(t)
	c.Start()

	prov.setGap(0, 20)
	c.Update(0.1)
	assert.InDelta(t, 20, c.CurrentRun().GapDistance, 1e-9)

	// chaser pose lost: gap keeps its last value, no event
	delete(prov.poses, 1)
	c.Update(0.1)
	assert.InDelta(t, 20, c.CurrentRun().GapDistance, 1e-9)
	assert.Len(t, rec.gapChanges(), 1)

	// degenerate forward vector is skipped as well
	prov.setGap(0, 50)
	pose := prov.poses[0]
	pose.Forward = model.Vec3{}
	prov.poses[0] = pose
	c.Update(0.1)
	assert.InDelta(t, 20, c.CurrentRun().GapDistance, 1e-9)
}

func TestController_LeaderPullAwayWinsRun(t *testing.T) {
	c, prov, rec := newTestController(t)
	c.Start()

	prov.setGap(0, 50)
	c.Update(1.0)
	assert.Equal(t, PhaseFirstRun, c.Phase())

	prov.setGap(0, 101)
	c.Update(1.0)

	assert.Equal(t, PhaseTransition, c.Phase())
	assert.Equal(t, 1, c.Participant(0).RoundsWon)
	assert.Equal(t, 1, c.Participant(1).TimesLostAsChaser)

	history := c.RunHistory()
	assert.Len(t, history, 1)
	assert.Equal(t, ResultLeaderPulledAway, history[0].Result)
	assert.Equal(t, 0, history[0].RunWinnerIndex)

	completions := rec.runCompletions()
	assert.Len(t, completions, 1)
	assert.Equal(t, 1, completions[0].RunNumber)
	assert.Equal(t, 0, completions[0].WinnerIndex)

	finishTransition(c)
	assert.Equal(t, PhaseSecondRun, c.Phase())
	assert.Equal(t, 1, c.CurrentRun().LeaderIndex, "leader must flip for run 2")
	assert.Equal(t, 0.0, c.CurrentRun().RunTime)
}

func TestController_ChaserCatchUpWinsRun(t *testing.T) {
	c, prov, _ := newTestController(t)
	c.Start()

	prov.setGap(0, -16)
	c.Update(1.0)

	assert.Equal(t, PhaseTransition, c.Phase())
	assert.Equal(t, 1, c.Participant(1).RoundsWon)
	assert.Equal(t, 1, c.Participant(0).TimesCaughtAsLeader)
	history := c.RunHistory()
	assert.Len(t, history, 1)
	assert.Equal(t, ResultChaserCaughtUp, history[0].Result)
	assert.Equal(t, 1, history[0].RunWinnerIndex)
}

func TestController_TimeExpiry(t *testing.T) {
	// leader holds a small positive gap when time runs out
	c, prov, _ := newTestController(t)
	c.Start()
	prov.setGap(0, 5)
	for i := 0; i < 60; i++ {
		c.Update(1.0)
	}
	history := c.RunHistory()
	assert.Len(t, history, 1)
	assert.Equal(t, 0, history[0].RunWinnerIndex)
	assert.Equal(t, ResultLeaderPulledAway, history[0].Result)

	// chaser level or ahead takes the run instead
	c2, prov2, _ := newTestController(t)
	c2.Start()
	prov2.setGap(0, -3)
	for i := 0; i < 60; i++ {
		c2.Update(1.0)
	}
	history = c2.RunHistory()
	assert.Len(t, history, 1)
	assert.Equal(t, 1, history[0].RunWinnerIndex)
	assert.Equal(t, ResultChaserCaughtUp, history[0].Result)
}

func TestController_ChaserCrash(t *testing.T) {
	c, prov, rec := newTestController(t)
	c.Start()
	prov.setGap(0, 10)
	c.Update(1.0)

	c.ReportCrash(1)

	assert.Equal(t, 1, c.Participant(1).Crashes)
	assert.Equal(t, PhaseTransition, c.Phase())
	history := c.RunHistory()
	assert.Len(t, history, 1)
	assert.Equal(t, ResultChaserCrashed, history[0].Result)
	assert.Equal(t, 0, history[0].RunWinnerIndex)

	crashes := rec.crashes()
	assert.Len(t, crashes, 1)
	assert.Equal(t, 1, crashes[0].ParticipantIndex)
	assert.Equal(t, 1, crashes[0].RunNumber)
}

func TestController_LeaderCrash(t *testing.T) {
	c, prov, _ := newTestController(t)
	c.Start()
	prov.setGap(0, 80)
	c.Update(1.0)

	c.ReportCrash(0)

	assert.Equal(t, 1, c.Participant(0).Crashes)
	history := c.RunHistory()
	assert.Len(t, history, 1)
	assert.Equal(t, ResultLeaderCrashed, history[0].Result)
	assert.Equal(t, 1, history[0].RunWinnerIndex,
		"chaser wins when the leader crashes")
}

func TestController_CrashPreemptsGapRules(t *testing.T) {
	c, prov, _ := newTestController(t)
	c.Start()
	prov.setGap(0, 99)
	c.Update(1.0)

	// gap would cross the leader victory threshold this tick, but the
	// crash report lands first and ends the run directly
	prov.setGap(0, 150)
	c.ReportCrash(0)
	c.Update(1.0)

	history := c.RunHistory()
	assert.Len(t, history, 1)
	assert.Equal(t, ResultLeaderCrashed, history[0].Result)
	assert.Equal(t, 1, history[0].RunWinnerIndex)
}

func TestController_CrashIndexOutOfRange(t *testing.T) {
	c, prov, rec := newTestController(t)
	c.Start()
	prov.setGap(0, 10)
	c.Update(1.0)

	c.ReportCrash(-1)
	c.ReportCrash(2)
	c.ReportCrash(7)

	assert.Equal(t, PhaseFirstRun, c.Phase())
	assert.Empty(t, rec.crashes())
	assert.Empty(t, c.RunHistory())
}

func TestController_BothFinishLeaderAhead(t *testing.T) {
	c, prov, _ := newTestController(t)
	c.Start()
	prov.setGap(0, 50)
	c.Update(1.0)

	c.ReportFinish(0)
	assert.Equal(t, PhaseFirstRun, c.Phase(), "single finish must not resolve")
	c.ReportFinish(0)
	assert.Equal(t, PhaseFirstRun, c.Phase(), "duplicate finish must not resolve")

	c.ReportFinish(1)
	history := c.RunHistory()
	assert.Len(t, history, 1)
	assert.Equal(t, ResultLeaderPulledAway, history[0].Result)
	assert.Equal(t, 0, history[0].RunWinnerIndex)
}

func TestController_BothFinishChaserWinsOnLevelGap(t *testing.T) {
	c, _, _ := newTestController(t)
	c.Start()
	c.Update(1.0)

	// gap never computed: stays 0, chaser takes the resolution
	c.ReportFinish(1)
	c.ReportFinish(0)

	history := c.RunHistory()
	assert.Len(t, history, 1)
	assert.Equal(t, ResultChaserCaughtUp, history[0].Result)
	assert.Equal(t, 1, history[0].RunWinnerIndex)
}

func TestController_FinishIndexOutOfRange(t *testing.T) {
	c, prov, _ := newTestController(t)
	c.Start()
	prov.setGap(0, 10)
	c.Update(1.0)

	c.ReportFinish(2)
	c.ReportFinish(-1)
	c.ReportFinish(0)
	c.ReportFinish(3)

	assert.Equal(t, PhaseFirstRun, c.Phase())
	assert.Empty(t, c.RunHistory())
}

func TestController_TransitionCountdown(t *testing.T) {
	c, prov, _ := newTestController(t)
	c.Start()
	prov.setGap(0, 101)
	c.Update(1.0)
	assert.Equal(t, PhaseTransition, c.Phase())
	assert.InDelta(t, 5.0, c.TransitionRemaining(), 1e-9)

	// crash/finish reports during the break are ignored
	c.ReportCrash(0)
	c.ReportFinish(0)
	c.ReportFinish(1)
	assert.Equal(t, PhaseTransition, c.Phase())
	assert.Equal(t, 0, c.Participant(0).Crashes)

	c.Update(2.0)
	assert.Equal(t, PhaseTransition, c.Phase())
	c.Update(3.0)
	assert.Equal(t, PhaseSecondRun, c.Phase())
	assert.Equal(t, 2, c.CurrentRun().RunNumber)
	assert.Equal(t, 1, c.CurrentRun().LeaderIndex)
}

func TestController_BestOfThreeShortCircuit(t *testing.T) {
	c, prov, _ := newTestController(t)
	c.Start()

	// run 1: leader 0 pulls away
	prov.setGap(0, 101)
	c.Update(1.0)
	finishTransition(c)

	// run 2: leader 1 gets caught, participant 0 wins again
	prov.setGap(1, -16)
	c.Update(1.0)

	assert.True(t, c.IsComplete())
	assert.Equal(t, PhaseComplete, c.Phase())
	assert.Equal(t, 0, c.OverallWinnerIndex())
	assert.Equal(t, 2, c.Participant(0).RoundsWon)
	assert.Len(t, c.RunHistory(), 2, "no third run once the duel is decided")

	// further updates and reports are no-ops
	c.Update(1.0)
	c.ReportCrash(0)
	assert.Equal(t, PhaseComplete, c.Phase())
	assert.Len(t, c.RunHistory(), 2)
}

func TestController_BestOfThreeTiebreaker(t *testing.T) {
	c, prov, rec := newTestController(t)
	c.Start()

	// run 1: leader 0 pulls away
	prov.setGap(0, 101)
	c.Update(1.0)
	assert.False(t, c.IsComplete())
	finishTransition(c)

	// run 2: leader 1 pulls away, 1:1
	prov.setGap(1, 101)
	c.Update(1.0)
	assert.False(t, c.IsComplete())
	assert.Equal(t, 1, c.Participant(0).RoundsWon)
	assert.Equal(t, 1, c.Participant(1).RoundsWon)
	finishTransition(c)

	assert.Equal(t, PhaseTiebreaker, c.Phase())
	assert.Equal(t, 3, c.CurrentRun().RunNumber)
	assert.Equal(t, 0, c.CurrentRun().LeaderIndex, "tiebreaker led by participant 0 again")

	// run 3: chaser 1 catches participant 0
	prov.setGap(0, -16)
	c.Update(1.0)

	assert.True(t, c.IsComplete())
	assert.Equal(t, 1, c.OverallWinnerIndex())
	assert.Equal(t, 2, c.Participant(1).RoundsWon)

	// leader index must alternate over the three runs
	history := c.RunHistory()
	assert.Len(t, history, 3)
	assert.Equal(t, 0, history[0].LeaderIndex)
	assert.Equal(t, 1, history[1].LeaderIndex)
	assert.Equal(t, 0, history[2].LeaderIndex)

	// every completed run carries exactly one winner and a result
	for _, run := range history {
		assert.Contains(t, []int{0, 1}, run.RunWinnerIndex)
		assert.NotEqual(t, ResultNone, run.Result)
	}
	assert.Equal(t,
		len(history),
		c.Participant(0).RoundsWon+c.Participant(1).RoundsWon)

	phases := rec.phaseChanges()
	last := phases[len(phases)-1]
	assert.Equal(t, PhaseComplete, last.New)
}

func TestController_SingleRunMode(t *testing.T) {
	cfg := sampleConfig()
	cfg.Mode = model.ModeSingleRun
	prov := &stubProvider{poses: map[int]model.Pose{}}
	c, err := NewController(cfg,
		WithParams(testParams()),
		WithTelemetryProvider(prov))
	assert.NoError(t, err)
	c.Start()

	prov.setGap(0, 101)
	c.Update(1.0)

	assert.True(t, c.IsComplete())
	assert.Equal(t, 0, c.OverallWinnerIndex())
	assert.Len(t, c.RunHistory(), 1)
}

func TestController_BestTimeSentinel(t *testing.T) {
	c, prov, _ := newTestController(t)
	c.Start()

	assert.Equal(t, 0.0, c.Participant(0).BestTime, "no time recorded yet")

	// run 1 won by participant 0 after 3 ticks
	prov.setGap(0, 10)
	c.Update(1.0)
	c.Update(1.0)
	prov.setGap(0, 101)
	c.Update(1.0)
	assert.InDelta(t, 3.0, c.Participant(0).BestTime, 1e-9)
	finishTransition(c)

	// run 2 won by participant 0 again but slower: best must stay
	prov.setGap(1, 5)
	for i := 0; i < 7; i++ {
		c.Update(1.0)
	}
	prov.setGap(1, -16)
	c.Update(1.0)
	assert.True(t, c.IsComplete())
	assert.InDelta(t, 3.0, c.Participant(0).BestTime, 1e-9)
}

func TestController_BestTimeImprovement(t *testing.T) {
	c, prov, _ := newTestController(t)
	c.Start()

	// run 1: participant 0 wins after 5 seconds
	prov.setGap(0, 10)
	for i := 0; i < 4; i++ {
		c.Update(1.0)
	}
	prov.setGap(0, 101)
	c.Update(1.0)
	assert.InDelta(t, 5.0, c.Participant(0).BestTime, 1e-9)
	finishTransition(c)

	// run 2: participant 0 catches the new leader quickly
	prov.setGap(1, -16)
	c.Update(1.0)
	assert.InDelta(t, 1.0, c.Participant(0).BestTime, 1e-9)
}

func TestController_Results(t *testing.T) {
	c, prov, _ := newTestController(t)
	c.Start()

	assert.Nil(t, c.Results(), "no results while the duel is running")

	prov.setGap(0, 101)
	c.Update(1.0)
	finishTransition(c)
	prov.setGap(1, -16)
	c.Update(1.0)
	assert.True(t, c.IsComplete())

	results := c.Results()
	assert.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Position)
	assert.Equal(t, 0, results[0].ParticipantIndex)
	assert.Equal(t, "veh-rx7-fd", results[0].Vehicle.CarID)
	assert.InDelta(t, 1.0, results[0].BestTime, 1e-9)
	assert.Equal(t, 2, results[1].Position)
	assert.Equal(t, 1, results[1].ParticipantIndex)
	assert.Equal(t, "veh-s14-kouki", results[1].Vehicle.CarID)
	assert.Equal(t, 0.0, results[1].BestTime, "loser never won a run")
}

func TestController_ParticipantDefensiveCopy(t *testing.T) {
	c, _, _ := newTestController(t)

	assert.Equal(t, Participant{}, c.Participant(2))
	assert.Equal(t, Participant{}, c.Participant(-1))

	p := c.Participant(0)
	p.RoundsWon = 99
	assert.Equal(t, 0, c.Participant(0).RoundsWon)
}

func TestController_RunHistoryIsCopied(t *testing.T) {
	c, prov, _ := newTestController(t)
	c.Start()
	prov.setGap(0, 101)
	c.Update(1.0)

	history := c.RunHistory()
	assert.Len(t, history, 1)
	history[0].RunWinnerIndex = 42
	assert.Equal(t, 0, c.RunHistory()[0].RunWinnerIndex)
}

func TestController_EventOrderOnRunCompletion(t *testing.T) {
	c, prov, rec := newTestController(t)
	c.Start()
	prov.setGap(0, 10)
	c.Update(1.0)

	rec.events = nil
	c.ReportCrash(1)

	// crash, then run completion, then the phase change
	assert.Len(t, rec.events, 3)
	_, ok := rec.events[0].(Crash)
	assert.True(t, ok)
	_, ok = rec.events[1].(RunCompleted)
	assert.True(t, ok)
	pc, ok := rec.events[2].(PhaseChanged)
	assert.True(t, ok)
	assert.Equal(t, PhaseFirstRun, pc.Old)
	assert.Equal(t, PhaseTransition, pc.New)
}

func TestController_ResetAfterCompletion(t *testing.T) {
	c, prov, rec := newTestController(t)
	c.Start()
	prov.setGap(0, 101)
	c.Update(1.0)
	finishTransition(c)
	prov.setGap(1, -16)
	c.Update(1.0)
	assert.True(t, c.IsComplete())

	rec.events = nil
	assert.NoError(t, c.Reset(sampleConfig()))

	assert.False(t, c.IsComplete())
	assert.Equal(t, PhaseFirstRun, c.Phase())
	assert.Equal(t, NoWinner, c.OverallWinnerIndex())
	assert.Equal(t, 0, c.Participant(0).RoundsWon)
	assert.Empty(t, c.RunHistory())

	phases := rec.phaseChanges()
	assert.Len(t, phases, 1)
	assert.Equal(t, PhaseComplete, phases[0].Old)
	assert.Equal(t, PhaseFirstRun, phases[0].New)
}
