package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/midnightgrind/tougelog-service-manager-go/log"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/model"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/proxy"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/utils"
)

type (
	NatsProxy struct {
		proxy.EmptyProxy
		ctx  context.Context
		conn *nats.Conn
		// holds duels over all cluster members
		duels map[string]*duelContainer
		// holds duels processed by the local cluster member
		localDuels     map[string]*localDataProvider
		l              *log.Logger
		mutex          sync.Mutex
		onUnregisterCB func(duelKey string)
		subRegister    *nats.Subscription
		subUnregister  *nats.Subscription
		kv             jetstream.KeyValue
		globalDuels    *GlobalDuels
	}
	Option        func(*NatsProxy)
	duelContainer struct {
		duelData      *model.SessionInfo
		bcstContainer *broadcastContainer
	}

	localDataProvider struct {
		sd        *utils.SessionData
		eventChan <-chan *model.DuelEvent
	}
)

func NewNatsProxy(conn *nats.Conn, opts ...Option) (*NatsProxy, error) {
	ret := &NatsProxy{
		conn:       conn,
		ctx:        context.Background(),
		duels:      make(map[string]*duelContainer),
		localDuels: make(map[string]*localDataProvider),
		l:          log.Default().Named("nats"),
		mutex:      sync.Mutex{},
	}
	for _, opt := range opts {
		opt(ret)
	}
	if err := ret.setupSubscriptions(); err != nil {
		return nil, err
	}
	if err := ret.setupKV(); err != nil {
		return nil, err
	}
	if err := ret.setupGlobalDuels(); err != nil {
		return nil, err
	}

	return ret, nil
}

func WithContext(ctx context.Context) Option {
	return func(n *NatsProxy) {
		n.ctx = ctx
	}
}

func WithLogger(l *log.Logger) Option {
	return func(n *NatsProxy) {
		n.l = l
	}
}

func (n *NatsProxy) Close() {
	n.conn.Close()
}

// this method is called when the watchdog detects a stale session and deletes it
//
//nolint:errcheck // by design
func (n *NatsProxy) DeleteSessionCallback(duelKey string) {
	n.PublishDuelUnregistered(duelKey)
}

func (n *NatsProxy) SetOnUnregisterCB(cb func(duelKey string)) {
	n.onUnregisterCB = cb
}

// the forwarder goroutine mirrors the growing event history into the KV
// store so that any cluster member can serve it
//
//nolint:funlen // by design
func (n *NatsProxy) PublishDuelRegistered(sd *utils.SessionData) error {
	data, _ := json.Marshal(sd.SessionInfo())
	n.mutex.Lock()
	defer n.mutex.Unlock()
	ldp := &localDataProvider{
		sd:        sd,
		eventChan: sd.EventBroadcast.Subscribe(),
	}

	n.localDuels[sd.Key] = ldp
	go func() {
		history := sd.EventHistory
		conv := eventHist{}
		pushHistory := func() {
			if histData, hErr := conv.ToBinary(history); hErr == nil {
				rev, err := n.kv.Put(
					context.Background(),
					fmt.Sprintf("events.%s", sd.Key),
					histData)
				n.l.Debug("events put",
					log.String("key",
						fmt.Sprintf("events.%s", sd.Key)),
					log.Int("num", len(history)),
					log.Int("dataLen", len(histData)),
					log.ErrorField(err), log.Uint64("rev", rev))
			} else {
				n.l.Error("error converting event history", log.ErrorField(hErr))
			}
		}
		pushHistory()
		for ev := range ldp.eventChan {
			history = append(history, ev)
			pushHistory()
		}
		n.l.Debug("event channel closed", log.String("duelKey", sd.Key))
	}()
	n.globalDuels.RegisterDuel(sd.SessionInfo())
	return n.conn.Publish("duel.registered", data)
}

func (n *NatsProxy) PublishDuelUnregistered(duelKey string) error {
	n.globalDuels.UnregisterDuel(duelKey)
	return n.conn.Publish("duel.unregistered", []byte(duelKey))
}

func (n *NatsProxy) PublishDuelEvent(duelKey string, ev *model.DuelEvent) error {
	data, _ := json.Marshal(ev)
	return n.conn.Publish(fmt.Sprintf("duelevent.%s", duelKey), data)
}

// snapshots are distributed via the KV store. The watcher on the
// duelstate key acts as the live stream and the stored value doubles as
// the replay for late subscribers.
//
//nolint:lll // readablity
func (n *NatsProxy) PublishStateSnapshot(duelKey string, snap *model.StateSnapshot) error {
	data, _ := json.Marshal(snap)
	rev, err := n.kv.Put(
		context.Background(),
		fmt.Sprintf("duelstate.%s", duelKey),
		data)
	n.l.Debug("duelstate put",
		log.String("key",
			fmt.Sprintf("duelstate.%s", duelKey)),
		log.ErrorField(err), log.Uint64("rev", rev))
	return err
}

func (n *NatsProxy) LiveDuels() []*model.SessionInfo {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	duels := make([]*model.SessionInfo, 0, len(n.duels))
	for _, duel := range n.duels {
		duels = append(duels, duel.duelData)
	}
	return duels
}

//nolint:whitespace // false positive
func (n *NatsProxy) GetDuel(duelKey string) (
	*model.SessionInfo, error,
) {
	if duel, err := n.getDuel(duelKey); err != nil {
		return nil, err
	} else {
		return duel.duelData, nil
	}
}

//nolint:whitespace,gocritic // false positive
func (n *NatsProxy) SubscribeDuelEvents(duelKey string) (
	<-chan *model.DuelEvent,
	chan<- struct{},
	error,
) {
	if duel, err := n.getDuel(duelKey); err != nil {
		return nil, nil, err
	} else {
		dataChan, quitChan := duel.bcstContainer.createEventChannels()
		return dataChan, quitChan, nil
	}
}

//nolint:whitespace,gocritic // false positive
func (n *NatsProxy) SubscribeStateSnapshots(duelKey string) (
	<-chan *model.StateSnapshot,
	chan<- struct{},
	error,
) {
	if duel, err := n.getDuel(duelKey); err != nil {
		return nil, nil, err
	} else {
		dataChan, quitChan := duel.bcstContainer.createSnapshotChannels()
		return dataChan, quitChan, nil
	}
}

func (n *NatsProxy) HistoryDuelEvents(duelKey string) []*model.DuelEvent {
	if _, err := n.getDuel(duelKey); err != nil {
		return nil
	}

	histData, err := n.kv.Get(
		context.Background(),
		fmt.Sprintf("events.%s", duelKey))
	if err != nil {
		n.l.Error("error getting event history", log.ErrorField(err))
		return nil
	}
	conv := eventHist{}
	if entries, cErr := conv.FromBinary(histData.Value()); cErr == nil {
		n.l.Debug("got event history", log.Int("len", len(entries)))
		return entries
	} else {
		n.l.Error("error converting event history", log.ErrorField(cErr))
		return []*model.DuelEvent{}
	}
}

//nolint:whitespace // false positive
func (n *NatsProxy) getDuel(duelKey string) (
	*duelContainer, error,
) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if ret, ok := n.duels[duelKey]; ok {
		return ret, nil
	}
	return nil, proxy.ErrDuelNotFound
}

func (n *NatsProxy) setupSubscriptions() error {
	var err error
	if n.subRegister, err = n.conn.Subscribe("duel.registered",
		func(msg *nats.Msg) { n.handleIncomingDuelRegistered(msg) },
	); err != nil {
		return err
	}
	if n.subUnregister, err = n.conn.Subscribe("duel.unregistered",
		func(msg *nats.Msg) { n.handleIncomingDuelUnregistered(msg) },
	); err != nil {
		return err
	}
	return nil
}

func (n *NatsProxy) handleIncomingDuelRegistered(msg *nats.Msg) {
	var si model.SessionInfo
	if uErr := json.Unmarshal(msg.Data, &si); uErr != nil {
		n.l.Error("error unmarshalling duel.registered", log.ErrorField(uErr))
		return
	}
	n.l.Debug("received duel registered", log.String("duelKey", si.Key))
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.duels[si.Key] = &duelContainer{
		duelData:      &si,
		bcstContainer: createBroadcasters(si.Key, n.conn, n.kv, n.l),
	}
}

func (n *NatsProxy) handleIncomingDuelUnregistered(msg *nats.Msg) {
	n.l.Debug("received duel unregistered", log.String("duelKey", string(msg.Data)))
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.onUnregisterCB != nil {
		n.onUnregisterCB(string(msg.Data))
	}

	// cleanup local broadcasters
	if dc, ok := n.duels[string(msg.Data)]; ok {
		dc.bcstContainer.close()
	}
	delete(n.duels, string(msg.Data))

	delete(n.localDuels, string(msg.Data))
}

func (n *NatsProxy) setupKV() error {
	var js jetstream.JetStream
	var err error
	if js, err = jetstream.New(n.conn); err != nil {
		return err
	}
	n.kv, err = js.CreateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket: "tougelog",
		TTL:    time.Hour * 24,
	})
	return err
}

// this will load all live duels from the NATS KV store and add them to the
// duels map. This is called during startup and ensures this instance can
// provide data for all live duels
func (n *NatsProxy) setupGlobalDuels() (err error) {
	if n.globalDuels, err = NewGlobalDuels(n.kv, n.l.Named("global")); err != nil {
		return err
	}
	var curDuels map[string]*model.SessionInfo
	if curDuels, err = n.globalDuels.CurrentLiveDuels(); err != nil {
		return err
	}
	for k, v := range curDuels {
		n.duels[k] = &duelContainer{
			duelData:      v,
			bcstContainer: createBroadcasters(v.Key, n.conn, n.kv, n.l),
		}
	}
	return nil
}
