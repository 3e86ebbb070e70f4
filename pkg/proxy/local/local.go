package local

import (
	"sync"

	"github.com/midnightgrind/tougelog-service-manager-go/log"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/model"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/proxy"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/utils"
)

// DataProxy implementation based on local SessionLookup
type (
	LocalProxy struct {
		proxy.EmptyProxy
		lookup *utils.SessionLookup
		l      *log.Logger
		mutex  sync.Mutex
	}
	Option func(*LocalProxy)
)

// NewLocalProxy creates a new LocalPubSub
func NewLocalProxy(lookup *utils.SessionLookup, opts ...Option) *LocalProxy {
	ret := &LocalProxy{
		lookup: lookup,
		l:      log.Default().Named("proxy.local"),
		mutex:  sync.Mutex{},
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

func WithLogger(arg *log.Logger) Option {
	return func(l *LocalProxy) {
		l.l = arg
	}
}

func (l *LocalProxy) PublishDuelRegistered(sd *utils.SessionData) error {
	return nil
}

func (l *LocalProxy) PublishDuelUnregistered(duelKey string) error {
	return nil
}

func (l *LocalProxy) PublishDuelEvent(duelKey string, ev *model.DuelEvent) error {
	return nil
}

//nolint:lll // readablity
func (l *LocalProxy) PublishStateSnapshot(duelKey string, snap *model.StateSnapshot) error {
	return nil
}

// this method is called when the watchdog detects a stale session and deletes it
//
//nolint:errcheck // by design
func (l *LocalProxy) DeleteSessionCallback(duelKey string) {
	l.l.Debug("DeleteSessionCallback", log.String("duelKey", duelKey))
}

func (l *LocalProxy) LiveDuels() []*model.SessionInfo {
	currentSessions := l.lookup.GetSessions()
	ret := make([]*model.SessionInfo, 0, len(currentSessions))
	for _, v := range currentSessions {
		ret = append(ret, v.SessionInfo())
	}
	return ret
}

func (l *LocalProxy) GetDuel(duelKey string) (*model.SessionInfo, error) {
	sd, err := l.lookup.GetSession(duelKey)
	if err != nil {
		return nil, err
	}
	return sd.SessionInfo(), nil
}

//nolint:whitespace // false positive
func (l *LocalProxy) SubscribeDuelEvents(duelKey string) (
	d <-chan *model.DuelEvent,
	q chan<- struct{},
	err error,
) {
	sd, err := l.lookup.GetSession(duelKey)
	if err != nil {
		return nil, nil, err
	}
	sourceChan := sd.EventBroadcast.Subscribe()
	quitChan := make(chan struct{})

	go func() {
		l.l.Debug("duelEvents waiting on quitChan", log.String("duelKey", duelKey))
		<-quitChan
		l.l.Debug("duelEvents quitChan was closed", log.String("duelKey", duelKey))
		sd.EventBroadcast.CancelSubscription(sourceChan)
	}()

	return sourceChan, quitChan, nil
}

//nolint:whitespace // false positive
func (l *LocalProxy) SubscribeStateSnapshots(duelKey string) (
	d <-chan *model.StateSnapshot,
	q chan<- struct{},
	err error,
) {
	sd, err := l.lookup.GetSession(duelKey)
	if err != nil {
		return nil, nil, err
	}

	dataChan := make(chan *model.StateSnapshot)
	quitChan := make(chan struct{})
	sd.Mutex.Lock()
	lastState := sd.LastState
	sd.Mutex.Unlock()
	if lastState != nil {
		go func() {
			dataChan <- lastState
		}()
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	sourceChan := sd.SnapshotBroadcast.Subscribe()

	go func() {
		for data := range sourceChan {
			dataChan <- data
		}
		l.l.Debug("SubscribeStateSnapshots: done", log.String("duelKey", duelKey))
		close(dataChan)
	}()
	go func() {
		l.l.Debug("stateSnapshots waiting on quitChan", log.String("duelKey", duelKey))
		<-quitChan
		l.l.Debug("stateSnapshots quitChan was closed", log.String("duelKey", duelKey))
		sd.SnapshotBroadcast.CancelSubscription(sourceChan)
	}()

	return dataChan, quitChan, nil
}

func (l *LocalProxy) HistoryDuelEvents(duelKey string) []*model.DuelEvent {
	sd, err := l.lookup.GetSession(duelKey)
	if err != nil {
		return nil
	}
	sd.Mutex.Lock()
	defer sd.Mutex.Unlock()
	ret := make([]*model.DuelEvent, len(sd.EventHistory))
	copy(ret, sd.EventHistory)
	return ret
}
