package basedata

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/midnightgrind/tougelog-service-manager-go/pkg/model"
	duelrepos "github.com/midnightgrind/tougelog-service-manager-go/pkg/repository/duel"
)

func TestTime() time.Time {
	t, _ := time.Parse(time.RFC3339, "2025-07-14T20:30:00Z")
	return t
}

func SampleConfig() *model.DuelConfig {
	return &model.DuelConfig{
		Name:        "testduel",
		Description: "testdescription",
		Mode:        model.ModeBestOfThree,
		Course: model.CourseInfo{
			Name:           "testpass",
			LengthM:        4200,
			ElevationDropM: 340,
		},
		Stakes: model.Stakes{
			Cash: 5000,
			Rep:  250,
		},
		Participants: []model.VehicleRef{
			{CarID: "car-a", DriverName: "driverA", CarClass: "B"},
			{CarID: "car-b", DriverName: "driverB", CarClass: "B"},
		},
	}
}

func SampleDbDuel() *model.DbDuel {
	cfg := SampleConfig()
	return &model.DbDuel{
		Key:         "duelKey",
		Name:        cfg.Name,
		Description: cfg.Description,
		Data:        *cfg,
	}
}

// frame with both cars moving downhill, the chaser trailing by gap meters
func SampleFrame(sessionTime, gap float64) *model.TelemetryFrame {
	leadY := sessionTime * 30.0
	return &model.TelemetryFrame{
		SessionTime: sessionTime,
		Poses: []model.Pose{
			{
				Pos:     model.Vec3{X: 0, Y: leadY, Z: 0},
				Forward: model.Vec3{X: 0, Y: 1, Z: 0},
				Speed:   30,
			},
			{
				Pos:     model.Vec3{X: 0, Y: leadY - gap, Z: 0},
				Forward: model.Vec3{X: 0, Y: 1, Z: 0},
				Speed:   30,
			},
		},
	}
}

func SampleResult(duelKey string) *model.DuelResult {
	cfg := SampleConfig()
	return &model.DuelResult{
		Version:     model.CurrentDuelVersion,
		DuelKey:     duelKey,
		WinnerIndex: 0,
		RunCount:    2,
		Completed:   TestTime(),
		Standings: []model.StandingEntry{
			{
				Position:         1,
				ParticipantIndex: 0,
				Vehicle:          cfg.Participants[0],
				BestTime:         183.4,
				RoundsWon:        2,
			},
			{
				Position:         2,
				ParticipantIndex: 1,
				Vehicle:          cfg.Participants[1],
				BestTime:         0,
				RoundsWon:        0,
				Crashes:          1,
			},
		},
	}
}

func CreateSampleDuel(db *pgxpool.Pool) *model.DbDuel {
	ctx := context.Background()
	sampleDuel := SampleDbDuel()
	err := pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
		_, err := duelrepos.Create(ctx, tx, sampleDuel)
		return err
	})
	if err != nil {
		log.Fatalf("createSampleDuel: %v\n", err)
	}

	return sampleDuel
}
