package duel

import "github.com/midnightgrind/tougelog-service-manager-go/pkg/model"

// TelemetryProvider supplies the current vehicle poses by participant
// index. Returning false skips the gap update for that tick.
type TelemetryProvider interface {
	VehiclePose(participantIndex int) (model.Pose, bool)
}
