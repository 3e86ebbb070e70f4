package nats

import (
	"context"
	"errors"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/midnightgrind/tougelog-service-manager-go/log"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/model"
)

type (
	// GlobalDuels is a cluster wide registry of all live duels.
	// this data is used during initialization of the NatsProxy.
	// the purpose is to enable instances that are started later to be able
	// to deliver data as well.
	GlobalDuels struct {
		kv    jetstream.KeyValue
		duels map[string]*model.SessionInfo
		mutex sync.Mutex
		l     *log.Logger
		rev   uint64
	}
)

func NewGlobalDuels(kv jetstream.KeyValue, l *log.Logger) (*GlobalDuels, error) {
	ret := &GlobalDuels{
		kv:    kv,
		mutex: sync.Mutex{},
		duels: make(map[string]*model.SessionInfo),
		l:     l,
	}
	if err := ret.setupListener(); err != nil {
		return nil, err
	}
	return ret, nil
}

//nolint:whitespace // editor/linter issue
func (g *GlobalDuels) CurrentLiveDuels() (
	lookup map[string]*model.SessionInfo,
	err error,
) {
	var kve jetstream.KeyValueEntry
	if kve, err = g.kv.Get(context.Background(), "duels"); err != nil {
		// nothing registered yet
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return map[string]*model.SessionInfo{}, nil
		}
		return nil, err
	}
	conv := duelLookupTransfer{}
	if lookup, err = conv.FromBinary(kve.Value()); err == nil {
		return lookup, nil
	} else {
		return nil, err
	}
}

// register watcher on kv store
func (g *GlobalDuels) setupListener() error {
	w, err := g.kv.Watch(context.Background(), "duels")
	if err != nil {
		return err
	}
	go func() {
		conv := duelLookupTransfer{}
		for kve := range w.Updates() {
			if kve == nil {
				g.l.Debug("watchDuelData nil")
				continue
			}
			g.l.Debug("watchDuelData",
				log.Int("value-len", len(kve.Value())),
				log.String("op", kve.Operation().String()),
				log.Uint64("rev", kve.Revision()),
			)
			g.rev = kve.Revision()
			var incomingData map[string]*model.SessionInfo
			if incomingData, err = conv.FromBinary(kve.Value()); err == nil {
				g.mutex.Lock()
				g.duels = incomingData
				g.mutex.Unlock()
				g.l.Debug("duels updated", log.Any("duels", incomingData))
			} else {
				g.l.Error("error unmarshalling duel data", log.ErrorField(err))
			}
		}
		g.l.Debug("duelData watch done")
	}()
	return nil
}

// called when this instance starts processing a duel
func (g *GlobalDuels) RegisterDuel(si *model.SessionInfo) {
	g.l.Debug("RegisterDuel", log.String("key", si.Key))
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.duels[si.Key] = si
	g.persist()
}

// called on the processing instance when it is done with a duel
func (g *GlobalDuels) UnregisterDuel(duelKey string) {
	g.l.Debug("UnregisterDuel", log.String("key", duelKey))
	g.mutex.Lock()
	defer g.mutex.Unlock()
	delete(g.duels, duelKey)
	g.persist()
}

// caller must hold mutex. rev 0 means the registry key was never written.
func (g *GlobalDuels) persist() {
	data, err := duelLookupTransfer{}.ToBinary(g.duels)
	if err != nil {
		g.l.Error("error marshaling duel data", log.ErrorField(err))
		return
	}
	var rev uint64
	if g.rev == 0 {
		rev, err = g.kv.Put(context.Background(), "duels", data)
	} else {
		rev, err = g.kv.Update(context.Background(), "duels", data, g.rev)
	}
	if err != nil {
		g.l.Error("error writing duel data", log.ErrorField(err))
	} else {
		g.l.Debug("duel data written", log.Uint64("rev", rev))
		g.rev = rev
	}
}
