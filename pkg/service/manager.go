//nolint:whitespace // can't make both editor and linter happy
package service

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/midnightgrind/tougelog-service-manager-go/log"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/model"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/processing"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/proxy"
	duelrepos "github.com/midnightgrind/tougelog-service-manager-go/pkg/repository/duel"
	resultrepos "github.com/midnightgrind/tougelog-service-manager-go/pkg/repository/result"
	runrepos "github.com/midnightgrind/tougelog-service-manager-go/pkg/repository/run"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/utils"
)

var (
	ErrDuplicateSession = errors.New("duel already registered")

	meter = otel.Meter("duel-sessions")
)

type Option func(*Manager)

func WithPersistence(p *pgxpool.Pool) Option {
	return func(m *Manager) {
		m.pool = p
	}
}

func WithSessionLookup(lookup *utils.SessionLookup) Option {
	return func(m *Manager) {
		m.lookup = lookup
	}
}

func WithDataProxy(arg proxy.DataProxy) Option {
	return func(m *Manager) {
		m.dataProxy = arg
	}
}

func WithSnapshotInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.snapshotInterval = d
	}
}

func WithProcessorOptions(opts ...processing.Option) Option {
	return func(m *Manager) {
		m.procOpts = opts
	}
}

// Manager owns the lifecycle of live duel sessions: registration,
// telemetry intake, event fan-out and persistence of the outcome.
type Manager struct {
	pool             *pgxpool.Pool
	lookup           *utils.SessionLookup
	dataProxy        proxy.DataProxy
	procOpts         []processing.Option
	snapshotInterval time.Duration
	l                *log.Logger
	frameRecorder    metric.Float64Histogram
	registerRecorder metric.Float64Histogram
}

func NewManager(opts ...Option) *Manager {
	ret := &Manager{
		l:                log.Default().Named("service"),
		snapshotInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(ret)
	}
	ret.frameRecorder, _ = meter.Float64Histogram("telemetry_frame",
		metric.WithDescription("processing of one telemetry frame"),
		metric.WithUnit("s"))
	ret.registerRecorder, _ = meter.Float64Histogram("duel_registration",
		metric.WithDescription("registration of one duel session"),
		metric.WithUnit("s"))
	return ret
}

// RegisterDuel creates a fresh session for the given configuration and
// announces it. The duel key is generated here; the caller keeps it for
// all subsequent calls.
func (m *Manager) RegisterDuel(
	ctx context.Context,
	cfg *model.DuelConfig,
	owner string,
) (*model.SessionInfo, error) {
	start := time.Now()
	for _, live := range m.dataProxy.LiveDuels() {
		if live.Config.Name == cfg.Name {
			return nil, ErrDuplicateSession
		}
	}
	key, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	duelKey := key.String()
	proc, err := processing.NewProcessor(duelKey, *cfg, m.procOpts...)
	if err != nil {
		return nil, err
	}

	if err := m.storeData(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := duelrepos.Create(ctx, tx, &model.DbDuel{
			Key:         duelKey,
			Name:        cfg.Name,
			Description: cfg.Description,
			Data:        *cfg,
		})
		return err
	}); err != nil {
		m.l.Error("error creating data", log.ErrorField(err))
		return nil, err
	}

	sd := m.lookup.AddSession(duelKey, owner, proc)
	m.storeOutcomeWorker(sd)
	if err := m.dataProxy.PublishDuelRegistered(sd); err != nil {
		m.l.Error("error publishing registered duel", log.ErrorField(err))
	}
	m.l.Debug("duel registered",
		log.String("duelKey", duelKey),
		log.String("name", cfg.Name))
	m.registerRecorder.Record(ctx, time.Since(start).Seconds())
	return sd.SessionInfo(), nil
}

// UnregisterDuel ends the session. Outcome data collected so far is
// persisted; an undecided duel keeps its completed runs but gets no
// result row.
func (m *Manager) UnregisterDuel(ctx context.Context, duelKey string) error {
	if _, err := m.dataProxy.GetDuel(duelKey); err != nil {
		return err
	}
	if sd, err := m.lookup.GetSession(duelKey); err == nil {
		m.l.Debug("I was processing this duel", log.String("duelKey", duelKey))
		m.persistOutcome(ctx, sd)
		m.lookup.RemoveSession(duelKey)
	}
	if err := m.dataProxy.PublishDuelUnregistered(duelKey); err != nil {
		m.l.Error("error publishing unregistered duel", log.ErrorField(err))
	}
	m.l.Debug("duel unregistered", log.String("duelKey", duelKey))
	return nil
}

// UnregisterAll drops every session processed by this instance and
// returns what was dropped.
func (m *Manager) UnregisterAll(ctx context.Context) []*model.SessionInfo {
	ret := []*model.SessionInfo{}
	for _, sd := range m.lookup.GetSessions() {
		m.persistOutcome(ctx, sd)
		ret = append(ret, sd.SessionInfo())
		if err := m.dataProxy.PublishDuelUnregistered(sd.Key); err != nil {
			m.l.Error("error publishing unregistered duel", log.ErrorField(err))
		}
	}
	m.lookup.Clear()
	return ret
}

// ProcessFrame feeds one provider frame into the session and distributes
// whatever the state machine produced.
func (m *Manager) ProcessFrame(
	ctx context.Context,
	duelKey string,
	frame *model.TelemetryFrame,
) error {
	start := time.Now()
	sd, err := m.lookup.GetSession(duelKey)
	if err != nil {
		return err
	}
	sd.Mutex.Lock()
	defer sd.Mutex.Unlock()
	sd.MarkFrame()
	sd.Processor.ProcessFrame(frame)

	events := sd.Processor.DrainEvents()
	forceSnapshot := false
	for i := range events {
		ev := &events[i]
		sd.PublishEvent(ev)
		if err := m.dataProxy.PublishDuelEvent(duelKey, ev); err != nil {
			m.l.Error("error publishing duel event", log.ErrorField(err))
		}
		switch ev.Kind {
		case model.EventPhaseChanged, model.EventRunCompleted, model.EventDuelDecided:
			forceSnapshot = true
		case model.EventGapChanged, model.EventCrash:
		}
	}
	if forceSnapshot || sd.SnapshotDue(m.snapshotInterval) {
		snap := sd.Processor.Snapshot()
		sd.PublishSnapshot(snap)
		if err := m.dataProxy.PublishStateSnapshot(duelKey, snap); err != nil {
			m.l.Error("error publishing state snapshot", log.ErrorField(err))
		}
	}
	m.frameRecorder.Record(ctx, time.Since(start).Seconds())
	return nil
}

// MarkConnected records whether the provider holds the ingest channel.
func (m *Manager) MarkConnected(duelKey string, connected bool) {
	if sd, err := m.lookup.GetSession(duelKey); err == nil {
		sd.Mutex.Lock()
		sd.Connected = connected
		sd.Mutex.Unlock()
	}
}

// persists the decided outcome once the duel completes. The worker ends
// when the session's broadcast closes on removal.
func (m *Manager) storeOutcomeWorker(sd *utils.SessionData) {
	if m.pool == nil {
		return
	}
	go func() {
		ch := sd.EventBroadcast.Subscribe()
		for data := range ch {
			if data.Kind == model.EventDuelDecided {
				m.persistOutcome(context.Background(), sd)
			}
		}
	}()
}

// persistOutcome writes the completed runs and, once decided, the final
// result. Writes are idempotent so the completion worker and the
// unregister path may both store the same standing.
func (m *Manager) persistOutcome(ctx context.Context, sd *utils.SessionData) {
	sd.Mutex.Lock()
	runs := sd.Processor.CompletedRuns()
	result := sd.Processor.Result()
	sd.Mutex.Unlock()

	if err := m.storeData(ctx, func(ctx context.Context, tx pgx.Tx) error {
		dbDuel, err := duelrepos.LoadByKey(ctx, tx, sd.Key)
		if err != nil {
			return err
		}
		for i := range runs {
			cr := &runs[i]
			if err := runrepos.Upsert(ctx, tx, &model.DbDuelRun{
				DuelID:    dbDuel.ID,
				RunNo:     cr.Run.RunNumber,
				LeaderIdx: cr.Run.LeaderIndex,
				WinnerIdx: cr.Run.RunWinnerIndex,
				Result:    cr.Run.Result.String(),
				RunTime:   cr.Run.RunTime,
				Data:      cr.Details,
			}); err != nil {
				return err
			}
		}
		if result == nil {
			return nil
		}
		return resultrepos.Upsert(ctx, tx, &model.DbDuelResult{
			DuelID: dbDuel.ID,
			Data:   *result,
		})
	}); err != nil {
		m.l.Error("error storing duel outcome",
			log.String("duelKey", sd.Key),
			log.ErrorField(err))
	}
}

// helper function to store data in the database within a transaction.
// Without a configured pool the duel runs unrecorded.
func (m *Manager) storeData(
	ctx context.Context,
	storeFunc func(ctx context.Context, tx pgx.Tx) error,
) error {
	if m.pool == nil {
		return nil
	}
	return pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		return storeFunc(ctx, tx)
	})
}
