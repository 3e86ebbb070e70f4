package model

import "time"

// CurrentDuelVersion tags persisted result payloads.
const CurrentDuelVersion = 1

// observational per-run statistics, never part of run resolution
type RunStats struct {
	ClosestGapM float64   `json:"closestGapM"`
	WidestGapM  float64   `json:"widestGapM"`
	AvgSpeed    []float64 `json:"avgSpeed,omitempty"` // m/s, per participant
	PhotoFinish bool      `json:"photoFinish"`
}

type RunDetails struct {
	GapAtEnd float64  `json:"gapAtEnd"`
	Stats    RunStats `json:"stats"`
}

//nolint:tagliatelle // client compatibility
type DbDuelRun struct {
	ID        int        `json:"id"`
	DuelID    int        `json:"duelId"`
	RunNo     int        `json:"runNo"`
	LeaderIdx int        `json:"leaderIdx"`
	WinnerIdx int        `json:"winnerIdx"`
	Result    string     `json:"result"`
	RunTime   float64    `json:"runTime"`
	Data      RunDetails `json:"data"`
}

type Rewards struct {
	Cash             int  `json:"cash"`
	Rep              int  `json:"rep"`
	PinkSlipTransfer bool `json:"pinkSlipTransfer,omitempty"`
}

type StandingEntry struct {
	Position         int        `json:"position"`
	ParticipantIndex int        `json:"participantIndex"`
	Vehicle          VehicleRef `json:"vehicle"`
	BestTime         float64    `json:"bestTime"` // 0: no completed run won
	RoundsWon        int        `json:"roundsWon"`
	Crashes          int        `json:"crashes"`
	Reward           Rewards    `json:"reward"`
}

type DuelResult struct {
	Version     int             `json:"version"`
	DuelKey     string          `json:"duelKey"`
	WinnerIndex int             `json:"winnerIndex"`
	Standings   []StandingEntry `json:"standings"`
	RunCount    int             `json:"runCount"`
	Completed   time.Time       `json:"completed"`
}

type DbDuelResult struct {
	DuelID int        `json:"duelId"`
	Data   DuelResult `json:"data"`
}
