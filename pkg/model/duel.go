package model

import "time"

type DuelMode string

const (
	ModeBestOfThree DuelMode = "bestOfThree"
	ModeSingleRun   DuelMode = "singleRun"
)

// reference to a vehicle owned by the game; the backend never owns these
type VehicleRef struct {
	CarID      string `json:"carId"`
	DriverName string `json:"driverName"`
	CarClass   string `json:"carClass,omitempty"`
}

type CourseInfo struct {
	Name           string  `json:"name"`
	LengthM        float64 `json:"lengthM"`
	ElevationDropM float64 `json:"elevationDropM,omitempty"`
}

// what the duel is raced for
type Stakes struct {
	Cash     int  `json:"cash"`
	Rep      int  `json:"rep"`
	PinkSlip bool `json:"pinkSlip"`
}

type DuelConfig struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Mode        DuelMode   `json:"mode"`
	Course      CourseInfo `json:"course"`
	Stakes      Stakes     `json:"stakes"`
	// exactly the first two entries take part in the duel
	Participants []VehicleRef `json:"participants"`
	// seconds between registration and the automatic race start (0: start on
	// first telemetry frame)
	StartDelay float64 `json:"startDelay,omitempty"`
}

//nolint:tagliatelle // client compatibility
type DbDuel struct {
	ID          int        `json:"id"`
	Key         string     `json:"duelKey"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	RecordStamp time.Time  `json:"recordDate"`
	Data        DuelConfig `json:"data"`
}

// live registry entry as seen by clients
type SessionInfo struct {
	Key        string     `json:"key"`
	Config     DuelConfig `json:"config"`
	Phase      string     `json:"phase"`
	Owner      string     `json:"owner,omitempty"`
	Connected  bool       `json:"connected"`
	Registered time.Time  `json:"registered"`
}
