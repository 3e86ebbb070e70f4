package processing

import (
	"time"

	"github.com/midnightgrind/tougelog-service-manager-go/pkg/duel"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/model"
)

type (
	Option func(proc *Processor)

	// Processor drives one duel session from provider telemetry: it owns
	// the controller, converts controller events into their wire form and
	// collects per-run statistics. Not safe for concurrent use; the
	// service serializes frame processing per session.
	Processor struct {
		duelKey string
		config  model.DuelConfig
		params  duel.Params
		now     func() time.Time

		controller *duel.Controller
		stats      *statsCollector

		poses   map[int]model.Pose
		pending []model.DuelEvent
		runs    []CompletedRun

		seq             uint64
		sessionTime     float64
		haveSessionTime bool
		countdownLeft   float64
		started         bool
		completedAt     time.Time
	}

	// CompletedRun pairs the controller's run record with the collected
	// observational data.
	CompletedRun struct {
		Run     duel.RunData
		Details model.RunDetails
	}
)

func WithDuelParams(params duel.Params) Option {
	return func(proc *Processor) {
		proc.params = params
	}
}

func WithClock(now func() time.Time) Option {
	return func(proc *Processor) {
		proc.now = now
	}
}

// NewProcessor validates the duel configuration and prepares a session.
// The duel starts once the configured start delay has elapsed in session
// time (immediately on the first frame when no delay is set).
func NewProcessor(
	duelKey string,
	cfg model.DuelConfig,
	opts ...Option,
) (*Processor, error) {
	ret := &Processor{
		duelKey: duelKey,
		config:  cfg,
		params:  duel.DefaultParams(),
		now:     time.Now,
		stats:   newStatsCollector(),
		poses:   make(map[int]model.Pose, 2),
		pending: make([]model.DuelEvent, 0),
		runs:    make([]CompletedRun, 0),
	}
	for _, opt := range opts {
		opt(ret)
	}
	ctrl, err := duel.NewController(
		duel.Config{Participants: cfg.Participants, Mode: cfg.Mode},
		duel.WithParams(ret.params),
		duel.WithTelemetryProvider(ret),
		duel.WithEventSink(ret.onControllerEvent),
	)
	if err != nil {
		return nil, err
	}
	ret.controller = ctrl
	ret.countdownLeft = cfg.StartDelay
	return ret, nil
}

// VehiclePose serves the controller from the latest frame's poses.
func (p *Processor) VehiclePose(participantIndex int) (model.Pose, bool) {
	pose, ok := p.poses[participantIndex]
	return pose, ok
}

// ProcessFrame feeds one telemetry frame into the session. Time advances
// by the session time delta between consecutive frames; frames that move
// backwards only refresh the poses.
func (p *Processor) ProcessFrame(frame *model.TelemetryFrame) {
	for i := range frame.Poses {
		p.poses[i] = frame.Poses[i]
	}
	deltaTime := 0.0
	if p.haveSessionTime {
		deltaTime = frame.SessionTime - p.sessionTime
	}
	p.sessionTime = frame.SessionTime
	p.haveSessionTime = true

	if !p.started {
		p.countdownLeft -= deltaTime
		if p.countdownLeft > 0 {
			return
		}
		p.countdownLeft = 0
		p.controller.Start()
		p.started = true
		// racing ticks begin with the next frame
		return
	}

	// crash markers end runs before finish lines are evaluated
	for _, marker := range frame.Markers {
		if marker.Kind == model.MarkerCrash {
			p.controller.ReportCrash(marker.ParticipantIndex)
		}
	}
	for _, marker := range frame.Markers {
		if marker.Kind == model.MarkerFinish {
			p.controller.ReportFinish(marker.ParticipantIndex)
		}
	}
	if deltaTime > 0 {
		p.controller.Update(deltaTime)
	}
	if p.racingNow() {
		run := p.controller.CurrentRun()
		p.stats.sample(run.RunNumber, run.GapDistance, frame.Poses)
	}
}

// DrainEvents returns the wire events produced since the last call.
func (p *Processor) DrainEvents() []model.DuelEvent {
	if len(p.pending) == 0 {
		return nil
	}
	ret := p.pending
	p.pending = make([]model.DuelEvent, 0)
	return ret
}

// Snapshot composes the current spectator view of the session.
func (p *Processor) Snapshot() *model.StateSnapshot {
	run := p.controller.CurrentRun()
	ret := &model.StateSnapshot{
		SessionTime: p.sessionTime,
		Phase:       p.controller.Phase().String(),
		RunNumber:   run.RunNumber,
		LeaderIndex: run.LeaderIndex,
		RunTime:     run.RunTime,
		GapDistance: run.GapDistance,
		RoundsWon: []int{
			p.controller.Participant(0).RoundsWon,
			p.controller.Participant(1).RoundsWon,
		},
		TransitionRemaining: p.controller.TransitionRemaining(),
	}
	if !p.started {
		ret.Countdown = p.countdownLeft
	}
	for i := 0; i < 2; i++ {
		pose, ok := p.poses[i]
		if !ok {
			ret.Speeds = append(ret.Speeds, 0)
			continue
		}
		ret.Speeds = append(ret.Speeds, pose.Speed)
	}
	return ret
}

// CompletedRuns returns the recorded runs in completion order.
func (p *Processor) CompletedRuns() []CompletedRun {
	ret := make([]CompletedRun, len(p.runs))
	copy(ret, p.runs)
	return ret
}

// Result returns the final result once the duel is decided, nil before.
// The winner takes the full stakes; the loser leaves empty-handed.
func (p *Processor) Result() *model.DuelResult {
	if !p.controller.IsComplete() {
		return nil
	}
	standings := p.controller.Results()
	entries := make([]model.StandingEntry, 0, len(standings))
	for _, standing := range standings {
		participant := p.controller.Participant(standing.ParticipantIndex)
		entries = append(entries, model.StandingEntry{
			Position:         standing.Position,
			ParticipantIndex: standing.ParticipantIndex,
			Vehicle:          standing.Vehicle,
			BestTime:         standing.BestTime,
			RoundsWon:        participant.RoundsWon,
			Crashes:          participant.Crashes,
			Reward:           rewardFor(standing.Position, p.config.Stakes),
		})
	}
	return &model.DuelResult{
		Version:     model.CurrentDuelVersion,
		DuelKey:     p.duelKey,
		WinnerIndex: p.controller.OverallWinnerIndex(),
		Standings:   entries,
		RunCount:    len(p.runs),
		Completed:   p.completedAt,
	}
}

func (p *Processor) DuelKey() string { return p.duelKey }

func (p *Processor) Config() model.DuelConfig { return p.config }

func (p *Processor) Phase() duel.Phase { return p.controller.Phase() }

func (p *Processor) IsComplete() bool { return p.controller.IsComplete() }

func (p *Processor) onControllerEvent(ev duel.Event) {
	switch e := ev.(type) {
	case duel.PhaseChanged:
		p.push(model.DuelEvent{
			Kind: model.EventPhaseChanged,
			Phase: &model.PhaseChangedPayload{
				Old: e.Old.String(),
				New: e.New.String(),
			},
		})
		if e.New == duel.PhaseComplete {
			p.completedAt = p.now()
			p.push(model.DuelEvent{
				Kind: model.EventDuelDecided,
				Decided: &model.DuelDecidedPayload{
					WinnerIndex: p.controller.OverallWinnerIndex(),
				},
			})
		}
	case duel.GapChanged:
		p.push(model.DuelEvent{
			Kind: model.EventGapChanged,
			Gap: &model.GapChangedPayload{
				Gap:         e.Gap,
				LeaderAhead: e.LeaderAhead,
				RunNumber:   e.RunNumber,
			},
		})
	case duel.Crash:
		p.push(model.DuelEvent{
			Kind: model.EventCrash,
			Crash: &model.CrashPayload{
				ParticipantIndex: e.ParticipantIndex,
				RunNumber:        e.RunNumber,
			},
		})
	case duel.RunCompleted:
		// the controller still exposes the completed run at this point
		run := p.controller.CurrentRun()
		p.runs = append(p.runs, CompletedRun{
			Run: run,
			Details: model.RunDetails{
				GapAtEnd: run.GapDistance,
				Stats:    p.stats.finish(e.RunNumber, e.Result, run.GapDistance),
			},
		})
		p.push(model.DuelEvent{
			Kind: model.EventRunCompleted,
			Run: &model.RunCompletedPayload{
				RunNumber:   e.RunNumber,
				WinnerIndex: e.WinnerIndex,
				Result:      e.Result.String(),
				RunTime:     e.RunTime,
			},
		})
	}
}

func (p *Processor) push(ev model.DuelEvent) {
	p.seq++
	ev.Seq = p.seq
	ev.SessionTime = p.sessionTime
	p.pending = append(p.pending, ev)
}

func (p *Processor) racingNow() bool {
	if !p.started {
		return false
	}
	switch p.controller.Phase() {
	case duel.PhaseFirstRun, duel.PhaseSecondRun, duel.PhaseTiebreaker:
		return true
	case duel.PhaseTransition, duel.PhaseComplete:
		return false
	}
	return false
}

// the winner takes the pot, stakes never split
func rewardFor(position int, stakes model.Stakes) model.Rewards {
	if position != 1 {
		return model.Rewards{}
	}
	return model.Rewards{
		Cash:             stakes.Cash,
		Rep:              stakes.Rep,
		PinkSlipTransfer: stakes.PinkSlip,
	}
}
