package model

// vehicle pose as sampled by the game instance
type Pose struct {
	Pos     Vec3    `json:"pos"`
	Forward Vec3    `json:"forward"`
	Speed   float64 `json:"speed"` // m/s
}

type MarkerKind string

const (
	MarkerCrash  MarkerKind = "crash"
	MarkerFinish MarkerKind = "finish"
)

// discrete driver event reported alongside a telemetry frame
type DriverMarker struct {
	Kind             MarkerKind `json:"kind"`
	ParticipantIndex int        `json:"participantIndex"`
}

// one tick worth of data from the provider. Poses are indexed like the
// configured participants.
type TelemetryFrame struct {
	SessionTime float64        `json:"sessionTime"`
	Poses       []Pose         `json:"poses"`
	Markers     []DriverMarker `json:"markers,omitempty"`
}
