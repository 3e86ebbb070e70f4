package model

import "encoding/json"

type MessageType int

const (
	MTEmpty       MessageType = 0
	MTFrame       MessageType = 1 // provider -> server: telemetry frame
	MTEvent       MessageType = 2 // server -> client: duel event
	MTSnapshot    MessageType = 3 // server -> client: state snapshot
	MTResult      MessageType = 4 // server -> client: final result
	MTSessionInfo MessageType = 5
)

// websocket envelope used on both the provider and the spectator channel
type WsMessage struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp float64         `json:"timestamp"`
}

type DuelEventKind string

const (
	EventPhaseChanged DuelEventKind = "phaseChanged"
	EventGapChanged   DuelEventKind = "gapChanged"
	EventCrash        DuelEventKind = "crash"
	EventRunCompleted DuelEventKind = "runCompleted"
	EventDuelDecided  DuelEventKind = "duelDecided"
)

type PhaseChangedPayload struct {
	Old string `json:"old"`
	New string `json:"new"`
}

type GapChangedPayload struct {
	Gap         float64 `json:"gap"`
	LeaderAhead bool    `json:"leaderAhead"`
	RunNumber   int     `json:"runNumber"`
}

type CrashPayload struct {
	ParticipantIndex int `json:"participantIndex"`
	RunNumber        int `json:"runNumber"`
}

type RunCompletedPayload struct {
	RunNumber   int     `json:"runNumber"`
	WinnerIndex int     `json:"winnerIndex"`
	Result      string  `json:"result"`
	RunTime     float64 `json:"runTime"`
}

type DuelDecidedPayload struct {
	WinnerIndex int `json:"winnerIndex"`
}

// DuelEvent is the wire form of a duel state machine event. Exactly one
// payload field is set, matching Kind.
type DuelEvent struct {
	Seq         uint64               `json:"seq"`
	Kind        DuelEventKind        `json:"kind"`
	SessionTime float64              `json:"sessionTime"`
	Phase       *PhaseChangedPayload `json:"phase,omitempty"`
	Gap         *GapChangedPayload   `json:"gap,omitempty"`
	Crash       *CrashPayload        `json:"crash,omitempty"`
	Run         *RunCompletedPayload `json:"run,omitempty"`
	Decided     *DuelDecidedPayload  `json:"decided,omitempty"`
}

// periodic state broadcast for spectators
type StateSnapshot struct {
	SessionTime         float64   `json:"sessionTime"`
	Phase               string    `json:"phase"`
	RunNumber           int       `json:"runNumber"`
	LeaderIndex         int       `json:"leaderIndex"`
	RunTime             float64   `json:"runTime"`
	GapDistance         float64   `json:"gapDistance"`
	RoundsWon           []int     `json:"roundsWon"`
	Speeds              []float64 `json:"speeds,omitempty"`
	Countdown           float64   `json:"countdown,omitempty"`
	TransitionRemaining float64   `json:"transitionRemaining,omitempty"`
}
