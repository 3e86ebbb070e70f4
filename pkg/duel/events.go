package duel

// Event is emitted synchronously to the configured sink within the call
// that produced it.
type Event interface {
	isDuelEvent()
}

type PhaseChanged struct {
	Old Phase
	New Phase
}

type GapChanged struct {
	Gap         float64
	LeaderAhead bool
	RunNumber   int
}

type Crash struct {
	ParticipantIndex int
	RunNumber        int
}

type RunCompleted struct {
	RunNumber   int
	WinnerIndex int
	Result      RunResult
	RunTime     float64
}

func (PhaseChanged) isDuelEvent() {}
func (GapChanged) isDuelEvent()   {}
func (Crash) isDuelEvent()        {}
func (RunCompleted) isDuelEvent() {}
