package processing

import (
	"math"

	"github.com/midnightgrind/tougelog-service-manager-go/pkg/duel"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/model"
)

// runs resolved at the line closer than this count as a photo finish
const photoFinishGapM = 2.5

type (
	// statsCollector gathers observational data per run. Nothing in here
	// feeds back into run resolution.
	statsCollector struct {
		current *runCapture
	}

	runCapture struct {
		runNumber  int
		closest    float64
		widest     float64
		haveGap    bool
		speedSum   [2]float64
		speedCount [2]int
	}
)

func newStatsCollector() *statsCollector {
	return &statsCollector{}
}

func (s *statsCollector) sample(runNumber int, gap float64, poses []model.Pose) {
	if s.current == nil || s.current.runNumber != runNumber {
		s.current = &runCapture{runNumber: runNumber}
	}
	rc := s.current

	absGap := math.Abs(gap)
	if !rc.haveGap {
		rc.closest = absGap
		rc.widest = absGap
		rc.haveGap = true
	} else {
		rc.closest = math.Min(rc.closest, absGap)
		rc.widest = math.Max(rc.widest, absGap)
	}

	for i := 0; i < 2 && i < len(poses); i++ {
		rc.speedSum[i] += poses[i].Speed
		rc.speedCount[i]++
	}
}

// finish closes the capture for the given run and returns its stats.
func (s *statsCollector) finish(
	runNumber int,
	result duel.RunResult,
	gapAtEnd float64,
) model.RunStats {
	rc := s.current
	if rc == nil || rc.runNumber != runNumber {
		rc = &runCapture{runNumber: runNumber}
	}
	s.current = nil

	ret := model.RunStats{
		ClosestGapM: rc.closest,
		WidestGapM:  rc.widest,
		PhotoFinish: isPhotoFinish(result, gapAtEnd),
	}
	if rc.speedCount[0] > 0 || rc.speedCount[1] > 0 {
		ret.AvgSpeed = make([]float64, 2)
		for i := 0; i < 2; i++ {
			if rc.speedCount[i] > 0 {
				ret.AvgSpeed[i] = rc.speedSum[i] / float64(rc.speedCount[i])
			}
		}
	}
	return ret
}

// crashes never qualify: only runs resolved on gap advantage can end close
// enough to call it a photo finish
func isPhotoFinish(result duel.RunResult, gapAtEnd float64) bool {
	switch result {
	case duel.ResultLeaderPulledAway, duel.ResultChaserCaughtUp:
		return math.Abs(gapAtEnd) < photoFinishGapM
	case duel.ResultNone, duel.ResultLeaderCrashed, duel.ResultChaserCrashed:
		return false
	}
	return false
}
