package duel

// gap-changed events are only emitted when the gap moved more than this
// since the previous tick
const gapNotifyThreshold = 1.0 // meters

// Params holds the run resolution tunables.
type Params struct {
	MaxRunDuration     float64 // seconds until a run is decided by gap sign
	LeaderVictoryGap   float64 // meters; leader wins outright beyond this
	ChaserVictoryGap   float64 // meters; chaser wins once this far ahead
	TransitionDuration float64 // seconds between runs
}

func DefaultParams() Params {
	return Params{
		MaxRunDuration:     300,
		LeaderVictoryGap:   100,
		ChaserVictoryGap:   15,
		TransitionDuration: 10,
	}
}

func (p Params) validate() error {
	if p.MaxRunDuration <= 0 {
		return &ConfigurationError{Reason: "MaxRunDuration must be positive"}
	}
	if p.LeaderVictoryGap <= 0 {
		return &ConfigurationError{Reason: "LeaderVictoryGap must be positive"}
	}
	if p.ChaserVictoryGap <= 0 {
		return &ConfigurationError{Reason: "ChaserVictoryGap must be positive"}
	}
	if p.TransitionDuration <= 0 {
		return &ConfigurationError{Reason: "TransitionDuration must be positive"}
	}
	return nil
}
