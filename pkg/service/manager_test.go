//nolint:funlen,errcheck // ok for tests
package service

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midnightgrind/tougelog-service-manager-go/pkg/model"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/proxy/local"
	duelrepos "github.com/midnightgrind/tougelog-service-manager-go/pkg/repository/duel"
	resultrepos "github.com/midnightgrind/tougelog-service-manager-go/pkg/repository/result"
	runrepos "github.com/midnightgrind/tougelog-service-manager-go/pkg/repository/run"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/utils"
	base "github.com/midnightgrind/tougelog-service-manager-go/testsupport/basedata"
	"github.com/midnightgrind/tougelog-service-manager-go/testsupport/testdb"
)

type testSetup struct {
	pool    *pgxpool.Pool
	lookup  *utils.SessionLookup
	manager *Manager
}

func newTestSetup(pool *pgxpool.Pool) *testSetup {
	lookup := utils.NewSessionLookup()
	dataProxy := local.NewLocalProxy(lookup)
	return &testSetup{
		pool:   pool,
		lookup: lookup,
		manager: NewManager(
			WithPersistence(pool),
			WithSessionLookup(lookup),
			WithDataProxy(dataProxy),
		),
	}
}

func singleRunConfig() *model.DuelConfig {
	cfg := base.SampleConfig()
	cfg.Mode = model.ModeSingleRun
	return cfg
}

func TestManager_RegisterDuel(t *testing.T) {
	pool := testdb.InitTestDb()
	ts := newTestSetup(pool)
	ctx := context.Background()

	si, err := ts.manager.RegisterDuel(ctx, base.SampleConfig(), "gameserver-1")
	require.NoError(t, err)
	assert.NotEmpty(t, si.Key)
	assert.Equal(t, "testduel", si.Config.Name)
	assert.Equal(t, "gameserver-1", si.Owner)

	// the configuration is persisted right away
	pool.AcquireFunc(ctx, func(c *pgxpool.Conn) error {
		dbDuel, err := duelrepos.LoadByKey(ctx, c.Conn(), si.Key)
		require.NoError(t, err)
		assert.Equal(t, "testduel", dbDuel.Name)
		assert.Equal(t, model.ModeBestOfThree, dbDuel.Data.Mode)
		return nil
	})

	// a second live duel with the same name is rejected
	_, err = ts.manager.RegisterDuel(ctx, base.SampleConfig(), "gameserver-1")
	assert.ErrorIs(t, err, ErrDuplicateSession)

	// invalid configurations never reach the database
	broken := base.SampleConfig()
	broken.Name = "other"
	broken.Participants = broken.Participants[:1]
	_, err = ts.manager.RegisterDuel(ctx, broken, "gameserver-1")
	assert.Error(t, err)
}

func TestManager_ProcessFrame_UnknownKey(t *testing.T) {
	pool := testdb.InitTestDb()
	ts := newTestSetup(pool)

	err := ts.manager.ProcessFrame(
		context.Background(), "unknown", base.SampleFrame(1.0, 10))
	assert.ErrorIs(t, err, utils.ErrSessionNotFound)
}

func TestManager_DuelLifecycle(t *testing.T) {
	pool := testdb.InitTestDb()
	ts := newTestSetup(pool)
	ctx := context.Background()

	si, err := ts.manager.RegisterDuel(ctx, singleRunConfig(), "gameserver-1")
	require.NoError(t, err)

	// first frame arms the duel, second one carries the deciding crash
	require.NoError(t, ts.manager.ProcessFrame(
		ctx, si.Key, base.SampleFrame(0.1, 10)))
	crashFrame := base.SampleFrame(0.2, 10)
	crashFrame.Markers = []model.DriverMarker{
		{Kind: model.MarkerCrash, ParticipantIndex: 1},
	}
	require.NoError(t, ts.manager.ProcessFrame(ctx, si.Key, crashFrame))

	sd, err := ts.lookup.GetSession(si.Key)
	require.NoError(t, err)
	sd.Mutex.Lock()
	assert.True(t, sd.Processor.IsComplete())
	history := len(sd.EventHistory)
	sd.Mutex.Unlock()
	// crash, runCompleted, phaseChanged, duelDecided
	assert.GreaterOrEqual(t, history, 4)

	require.NoError(t, ts.manager.UnregisterDuel(ctx, si.Key))
	_, err = ts.lookup.GetSession(si.Key)
	assert.ErrorIs(t, err, utils.ErrSessionNotFound)

	pool.AcquireFunc(ctx, func(c *pgxpool.Conn) error {
		dbDuel, err := duelrepos.LoadByKey(ctx, c.Conn(), si.Key)
		require.NoError(t, err)

		runs, err := runrepos.LoadByDuelId(ctx, c.Conn(), dbDuel.ID)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, "chaserCrashed", runs[0].Result)
		assert.Equal(t, 0, runs[0].WinnerIdx)

		stored, err := resultrepos.LoadByDuelId(ctx, c.Conn(), dbDuel.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, stored.Data.WinnerIndex)
		assert.Equal(t, si.Key, stored.Data.DuelKey)
		require.Len(t, stored.Data.Standings, 2)
		assert.Equal(t, 5000, stored.Data.Standings[0].Reward.Cash)
		assert.Equal(t, 0, stored.Data.Standings[1].Reward.Cash)
		return nil
	})
}

func TestManager_UnregisterBeforeDecision(t *testing.T) {
	pool := testdb.InitTestDb()
	ts := newTestSetup(pool)
	ctx := context.Background()

	si, err := ts.manager.RegisterDuel(ctx, singleRunConfig(), "gameserver-1")
	require.NoError(t, err)
	require.NoError(t, ts.manager.ProcessFrame(
		ctx, si.Key, base.SampleFrame(0.1, 10)))
	require.NoError(t, ts.manager.ProcessFrame(
		ctx, si.Key, base.SampleFrame(0.2, 10)))

	require.NoError(t, ts.manager.UnregisterDuel(ctx, si.Key))

	// no completed run, no result row
	pool.AcquireFunc(ctx, func(c *pgxpool.Conn) error {
		dbDuel, err := duelrepos.LoadByKey(ctx, c.Conn(), si.Key)
		require.NoError(t, err)
		runs, err := runrepos.LoadByDuelId(ctx, c.Conn(), dbDuel.ID)
		require.NoError(t, err)
		assert.Empty(t, runs)
		_, err = resultrepos.LoadByDuelId(ctx, c.Conn(), dbDuel.ID)
		assert.Error(t, err)
		return nil
	})
}

func TestManager_UnregisterUnknown(t *testing.T) {
	pool := testdb.InitTestDb()
	ts := newTestSetup(pool)

	err := ts.manager.UnregisterDuel(context.Background(), "unknown")
	assert.Error(t, err)
}

func TestManager_UnregisterAll(t *testing.T) {
	pool := testdb.InitTestDb()
	ts := newTestSetup(pool)
	ctx := context.Background()

	first, err := ts.manager.RegisterDuel(ctx, singleRunConfig(), "gameserver-1")
	require.NoError(t, err)
	other := base.SampleConfig()
	other.Name = "otherduel"
	second, err := ts.manager.RegisterDuel(ctx, other, "gameserver-2")
	require.NoError(t, err)

	dropped := ts.manager.UnregisterAll(ctx)
	assert.Len(t, dropped, 2)
	for _, key := range []string{first.Key, second.Key} {
		_, err := ts.lookup.GetSession(key)
		assert.ErrorIs(t, err, utils.ErrSessionNotFound)
	}
}
