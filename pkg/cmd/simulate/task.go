package simulate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/midnightgrind/tougelog-service-manager-go/log"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/duel"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/model"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/utils"
)

// outcome names the way a scripted run should end
type outcome string

const (
	outcomeLeaderCrashed    outcome = "leaderCrashed"
	outcomeChaserCrashed    outcome = "chaserCrashed"
	outcomeLeaderPulledAway outcome = "leaderPulledAway"
	outcomeChaserCaughtUp   outcome = "chaserCaughtUp"
	outcomeFinish           outcome = "finish"
	outcomeRandom           outcome = ""
)

func outcomeNames() []string {
	return []string{
		string(outcomeLeaderCrashed),
		string(outcomeChaserCrashed),
		string(outcomeLeaderPulledAway),
		string(outcomeChaserCaughtUp),
		string(outcomeFinish),
	}
}

func parseScript(arg string) ([]outcome, error) {
	ret := make([]outcome, 0)
	for _, item := range strings.Split(arg, ",") {
		item = strings.TrimSpace(item)
		if item == "" || strings.EqualFold(item, "random") {
			ret = append(ret, outcomeRandom)
			continue
		}
		found := false
		for _, name := range outcomeNames() {
			if strings.EqualFold(item, name) {
				ret = append(ret, outcome(name))
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown run outcome %q (valid: %s)",
				item, strings.Join(outcomeNames(), ", "))
		}
	}
	if len(ret) == 0 {
		return nil, fmt.Errorf("empty run script")
	}
	return ret, nil
}

// frame generator tuning
const (
	tick      = 0.2  // seconds of session time per frame
	baseSpeed = 35.0 // leader speed along the course in m/s
	startGap  = 10.0 // meters the chaser trails at the start of a run

	pullAwayRate = 12.0 // m/s the leader gains when scripted to pull away
	closeRate    = 8.0  // m/s the chaser gains when scripted to catch up
	crashDelay   = 3.0  // seconds into a run before a scripted crash
	finishDelay  = 12.0 // seconds into a run before a scripted finish
)

type simulationTask struct {
	base   string
	wsBase string
	token  string
	client *http.Client
	script []outcome
	mode   model.DuelMode
	params duel.Params

	provider    *websocket.Conn
	spectator   *websocket.Conn
	watcherDone chan struct{}

	key         string
	sessionTime float64
	leaderIdx   int
	runNo       int
	roundsWon   [2]int
}

func newSimulationTask(addr, token string, script []outcome) *simulationTask {
	base := strings.TrimSuffix(addr, "/")
	mode := model.ModeBestOfThree
	if len(script) == 1 {
		mode = model.ModeSingleRun
	}
	return &simulationTask{
		base:        base,
		wsBase:      strings.Replace(base, "http", "ws", 1),
		token:       token,
		client:      &http.Client{Timeout: 10 * time.Second},
		script:      script,
		mode:        mode,
		params:      duel.DefaultParams(),
		watcherDone: make(chan struct{}),
	}
}

func (s *simulationTask) run() error {
	if err := utils.WaitForHTTPResponse(s.base+"/health", 15*time.Second); err != nil {
		return err
	}
	cfg, err := s.buildConfig()
	if err != nil {
		return err
	}
	si, err := s.register(cfg)
	if err != nil {
		return err
	}
	s.key = si.Key
	log.Info("duel registered",
		log.String("key", s.key),
		log.String("name", cfg.Name),
		log.String("mode", string(cfg.Mode)))

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+s.token)
	provider, _, err := websocket.DefaultDialer.Dial(
		s.wsBase+"/ws/v1/provider/"+s.key, hdr)
	if err != nil {
		return fmt.Errorf("provider dial: %w", err)
	}
	defer func() { _ = provider.Close() }()
	s.provider = provider

	spectator, _, err := websocket.DefaultDialer.Dial(
		s.wsBase+"/ws/v1/duels/"+s.key+"/live", nil)
	if err == nil {
		s.spectator = spectator
		go s.watchSpectator()
	} else {
		log.Warn("no spectator feed", log.ErrorField(err))
		close(s.watcherDone)
	}

	if err := s.streamDuel(cfg.StartDelay); err != nil {
		return err
	}
	result, err := s.readResult()
	if err != nil {
		return err
	}
	logResult(result)

	if s.spectator != nil {
		_ = s.spectator.Close()
	}
	<-s.watcherDone

	if keep {
		log.Info("leaving duel registered", log.String("key", s.key))
		return nil
	}
	return s.unregister()
}

// buildConfig returns the duel to register: the YAML file when one was
// given, a generated sample otherwise. A --name always wins.
func (s *simulationTask) buildConfig() (*model.DuelConfig, error) {
	cfg := sampleConfig()
	if duelFile != "" {
		var err error
		if cfg, err = readDuelConfig(duelFile); err != nil {
			return nil, err
		}
	}
	if duelName != "" {
		cfg.Name = duelName
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("simduel-%d", time.Now().Unix())
	}
	if cfg.Mode == "" {
		cfg.Mode = s.mode
	}
	// roundsToWin has to match what the server enforces
	s.mode = cfg.Mode
	return cfg, nil
}

func sampleConfig() *model.DuelConfig {
	return &model.DuelConfig{
		Description: "generated by tsm simulate",
		Course: model.CourseInfo{
			Name:           "simulated-pass",
			LengthM:        5200,
			ElevationDropM: 420,
		},
		Stakes: model.Stakes{Cash: 10000, Rep: 500},
		Participants: []model.VehicleRef{
			{CarID: "sim-car-1", DriverName: "Sim Driver A", CarClass: "A"},
			{CarID: "sim-car-2", DriverName: "Sim Driver B", CarClass: "A"},
		},
	}
}

func (s *simulationTask) register(cfg *model.DuelConfig) (*model.SessionInfo, error) {
	buf, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(context.Background(),
		http.MethodPost, s.base+"/api/v1/duels", bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("register failed: %s", resp.Status)
	}
	var si model.SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&si); err != nil {
		return nil, err
	}
	return &si, nil
}

func (s *simulationTask) unregister() error {
	req, err := http.NewRequestWithContext(context.Background(),
		http.MethodDelete, s.base+"/api/v1/duels/"+s.key, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unregister failed: %s", resp.Status)
	}
	log.Info("duel unregistered", log.String("key", s.key))
	return nil
}

func (s *simulationTask) roundsToWin() int {
	if s.mode == model.ModeSingleRun {
		return 1
	}
	return 2
}

func (s *simulationTask) nextOutcome(idx int) outcome {
	if idx < len(s.script) && s.script[idx] != outcomeRandom {
		return s.script[idx]
	}
	names := outcomeNames()
	return outcome(names[rand.IntN(len(names))])
}

func (s *simulationTask) streamDuel(startDelay float64) error {
	// the first frame arms the controller, racing begins with the next one
	// (after the countdown when the config asks for one)
	if err := s.sendFrame(startGap, baseSpeed, nil); err != nil {
		return err
	}
	if startDelay > 0 {
		ticks := int(startDelay/tick) + 2
		for range ticks {
			s.sessionTime += tick
			if err := s.sendFrame(startGap, baseSpeed, nil); err != nil {
				return err
			}
		}
	}
	for i := 0; ; i++ {
		s.runNo = i + 1
		oc := s.nextOutcome(i)
		winner, err := s.playRun(oc)
		if err != nil {
			return err
		}
		s.roundsWon[winner]++
		log.Info("run played",
			log.Int("run", s.runNo),
			log.String("outcome", string(oc)),
			log.Int("winner", winner))
		if s.roundsWon[winner] >= s.roundsToWin() {
			return nil
		}
		s.leaderIdx = 1 - s.leaderIdx
		if err := s.playTransition(); err != nil {
			return err
		}
	}
}

// playRun streams frames shaped so the server resolves the run with the
// requested outcome.
func (s *simulationTask) playRun(oc outcome) (int, error) {
	runStart := s.sessionTime
	gap := startGap
	for {
		s.sessionTime += tick
		elapsed := s.sessionTime - runStart
		chaserSpeed := baseSpeed
		var markers []model.DriverMarker
		switch oc {
		case outcomeLeaderPulledAway:
			gap = startGap + pullAwayRate*elapsed
			chaserSpeed = baseSpeed - pullAwayRate
		case outcomeChaserCaughtUp:
			gap = startGap - closeRate*elapsed
			chaserSpeed = baseSpeed + closeRate
		case outcomeLeaderCrashed:
			if elapsed >= crashDelay {
				markers = []model.DriverMarker{
					{Kind: model.MarkerCrash, ParticipantIndex: s.leaderIdx},
				}
			}
		case outcomeChaserCrashed:
			if elapsed >= crashDelay {
				markers = []model.DriverMarker{
					{Kind: model.MarkerCrash, ParticipantIndex: 1 - s.leaderIdx},
				}
			}
		case outcomeFinish:
			if elapsed >= finishDelay {
				markers = []model.DriverMarker{
					{Kind: model.MarkerFinish, ParticipantIndex: 0},
					{Kind: model.MarkerFinish, ParticipantIndex: 1},
				}
			}
		case outcomeRandom:
		}
		if err := s.sendFrame(gap, chaserSpeed, markers); err != nil {
			return 0, err
		}
		if len(markers) > 0 ||
			gap > s.params.LeaderVictoryGap ||
			gap < -s.params.ChaserVictoryGap {
			return s.winnerOf(oc), nil
		}
	}
}

func (s *simulationTask) winnerOf(oc outcome) int {
	switch oc {
	case outcomeLeaderCrashed, outcomeChaserCaughtUp:
		return 1 - s.leaderIdx
	default:
		return s.leaderIdx
	}
}

// playTransition keeps session time moving until the server armed the next
// run. Poses already reflect the swapped roles.
func (s *simulationTask) playTransition() error {
	ticks := int(s.params.TransitionDuration/tick) + 2
	for range ticks {
		s.sessionTime += tick
		if err := s.sendFrame(startGap, baseSpeed, nil); err != nil {
			return err
		}
	}
	return nil
}

func laneOffset(idx int) float64 {
	return float64(idx)*4 - 2
}

func (s *simulationTask) sendFrame(
	gap, chaserSpeed float64,
	markers []model.DriverMarker,
) error {
	leadY := s.sessionTime * baseSpeed
	forward := model.Vec3{Y: 1}
	poses := make([]model.Pose, 2)
	poses[s.leaderIdx] = model.Pose{
		Pos:     model.Vec3{X: laneOffset(s.leaderIdx), Y: leadY},
		Forward: forward,
		Speed:   baseSpeed,
	}
	poses[1-s.leaderIdx] = model.Pose{
		Pos:     model.Vec3{X: laneOffset(1 - s.leaderIdx), Y: leadY - gap},
		Forward: forward,
		Speed:   chaserSpeed,
	}
	frame := &model.TelemetryFrame{
		SessionTime: s.sessionTime,
		Poses:       poses,
		Markers:     markers,
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	msg := &model.WsMessage{
		Type:      model.MTFrame,
		Payload:   payload,
		Timestamp: float64(time.Now().UnixMilli()) / 1000.0,
	}
	if err := s.provider.WriteJSON(msg); err != nil {
		return err
	}
	s.pace()
	return nil
}

func (s *simulationTask) pace() {
	if speed > 0 {
		time.Sleep(time.Duration(float64(time.Second) * tick / float64(speed)))
	}
}

func (s *simulationTask) readResult() (*model.DuelResult, error) {
	if err := s.provider.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return nil, err
	}
	for {
		var msg model.WsMessage
		if err := s.provider.ReadJSON(&msg); err != nil {
			return nil, fmt.Errorf("waiting for result: %w", err)
		}
		if msg.Type != model.MTResult {
			continue
		}
		var result model.DuelResult
		if err := json.Unmarshal(msg.Payload, &result); err != nil {
			return nil, err
		}
		return &result, nil
	}
}

func (s *simulationTask) watchSpectator() {
	defer close(s.watcherDone)
	for {
		var msg model.WsMessage
		if err := s.spectator.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case model.MTEvent:
			var ev model.DuelEvent
			if err := json.Unmarshal(msg.Payload, &ev); err == nil {
				logEvent(&ev)
			}
		case model.MTSnapshot:
			var snap model.StateSnapshot
			if err := json.Unmarshal(msg.Payload, &snap); err == nil {
				log.Debug("snapshot",
					log.String("phase", snap.Phase),
					log.Int("run", snap.RunNumber),
					log.Float64("gap", snap.GapDistance))
			}
		case model.MTResult:
			log.Debug("result broadcast received")
		case model.MTEmpty, model.MTFrame, model.MTSessionInfo:
		}
	}
}

func logEvent(ev *model.DuelEvent) {
	switch ev.Kind {
	case model.EventPhaseChanged:
		log.Info("phase changed",
			log.String("old", ev.Phase.Old),
			log.String("new", ev.Phase.New))
	case model.EventGapChanged:
		log.Debug("gap changed",
			log.Float64("gap", ev.Gap.Gap),
			log.Bool("leaderAhead", ev.Gap.LeaderAhead))
	case model.EventCrash:
		log.Info("crash",
			log.Int("participant", ev.Crash.ParticipantIndex),
			log.Int("run", ev.Crash.RunNumber))
	case model.EventRunCompleted:
		log.Info("run completed",
			log.Int("run", ev.Run.RunNumber),
			log.String("result", ev.Run.Result),
			log.Int("winner", ev.Run.WinnerIndex),
			log.Float64("runTime", ev.Run.RunTime))
	case model.EventDuelDecided:
		log.Info("duel decided", log.Int("winner", ev.Decided.WinnerIndex))
	}
}

func logResult(result *model.DuelResult) {
	log.Info("duel result",
		log.String("key", result.DuelKey),
		log.Int("winner", result.WinnerIndex),
		log.Int("runs", result.RunCount))
	for _, st := range result.Standings {
		log.Info("standing",
			log.Int("position", st.Position),
			log.String("driver", st.Vehicle.DriverName),
			log.Int("roundsWon", st.RoundsWon),
			log.Int("cash", st.Reward.Cash),
			log.Int("rep", st.Reward.Rep))
	}
}
