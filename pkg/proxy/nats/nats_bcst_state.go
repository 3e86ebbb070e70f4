package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/midnightgrind/tougelog-service-manager-go/log"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/model"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/utils/broadcast"
)

type (
	// snapshots carry the complete current standing of a duel. Consumers
	// joining mid race can't wait until the next update is issued by the
	// game. Therefore we keep the latest snapshot in the KV store and
	// provide it to consumers when they subscribe to the topic.
	snapshotBcstSupport struct {
		duelKey        string
		l              *log.Logger
		bcData         *broadcastData[*model.StateSnapshot]
		kv             jetstream.KeyValue
		watchSnapshot  jetstream.KeyWatcher
		latestSnapshot *model.StateSnapshot
	}
)

//nolint:whitespace // editor/linter issue
func createSnapshotBcstSupporter(
	duelKey string,
	kv jetstream.KeyValue,
	l *log.Logger,
) *snapshotBcstSupport {
	ret := &snapshotBcstSupport{
		duelKey: duelKey,
		l:       l.Named("duelstate"),
		kv:      kv,
	}

	return ret
}

func (bc *snapshotBcstSupport) close() {
	if bc.bcData != nil {
		close(bc.bcData.quitChan)
	}
}

// the relay goroutine owns dataChan and closes it once the subscription
// channel is closed (either by quitChan or by unregistering the duel)
//
//nolint:whitespace // editor/linter issue
func (bc *snapshotBcstSupport) createChannels() (
	d <-chan *model.StateSnapshot,
	q chan struct{},
) {
	dataChan := make(chan *model.StateSnapshot)
	quitChan := make(chan struct{})
	var subDataChan <-chan *model.StateSnapshot
	go func() {
		if bc.latestSnapshot != nil {
			bc.l.Debug("duelstate sending latest", log.String("duelKey", bc.duelKey))
			dataChan <- bc.latestSnapshot
		}
		subDataChan = bc.getSnapshotBroadcaster().Subscribe()
		bc.l.Debug("duelstate sending subscribed data", log.String("duelKey", bc.duelKey))
		for d := range subDataChan {
			dataChan <- d
		}
		bc.l.Debug("duelstate subscription finished", log.String("duelKey", bc.duelKey))
		close(dataChan)
	}()

	go func() {
		bc.l.Debug("duelstate waiting on quitChan", log.String("duelKey", bc.duelKey))
		<-quitChan
		bc.l.Debug("duelstate quitChan was closed", log.String("duelKey", bc.duelKey))
		// the broadcaster may be already closed if the duel was unregistered
		if bs := bc.getSnapshotBroadcaster(); bs != nil {
			bs.CancelSubscription(subDataChan)
		}
	}()
	return dataChan, quitChan
}

//nolint:whitespace,lll,funlen // editor/linter issue
func (bc *snapshotBcstSupport) getSnapshotBroadcaster() broadcast.BroadcastServer[*model.StateSnapshot] {
	if bc.bcData != nil {
		return bc.bcData.bs
	}

	l := bc.l
	subj := fmt.Sprintf("duelstate.%s", bc.duelKey)
	var err error
	bc.watchSnapshot, err = bc.kv.Watch(context.Background(), subj)
	if err != nil {
		bc.l.Error("error watching duelstate", log.ErrorField(err))
		return nil
	}
	dataChan := make(chan *model.StateSnapshot)
	quitChan := make(chan struct{})
	name := "duelstate"
	bs := broadcast.NewBroadcastServer(bc.duelKey, fmt.Sprintf("nats.%s", name), dataChan)
	bc.bcData = &broadcastData[*model.StateSnapshot]{
		bs:       bs,
		quitChan: quitChan,
		name:     name,
	}
	go func() {
		l.Debug("waiting on quitChan",
			log.String("name", name), log.String("duelKey", bc.duelKey))
		<-quitChan
		l.Debug("quitChan was closed",
			log.String("name", name), log.String("duelKey", bc.duelKey))
		bs.Close()
		if err := bc.watchSnapshot.Stop(); err != nil {
			bc.l.Debug("error stopping duelstate watch",
				log.String("key", bc.duelKey),
				log.ErrorField(err))
		}
	}()
	go func() {
		for kve := range bc.watchSnapshot.Updates() {
			if kve == nil {
				bc.l.Debug("watchData nil")
				continue
			}
			bc.l.Debug("watchData",
				log.String("key", subj),
				log.Int("value-len", len(kve.Value())),
				log.String("op", kve.Operation().String()),
				log.Uint64("rev", kve.Revision()),
			)
			var snap model.StateSnapshot
			if uErr := json.Unmarshal(kve.Value(), &snap); uErr != nil {
				bc.l.Error("error unmarshalling duelstate", log.ErrorField(uErr))
				continue
			}
			bc.l.Debug("received duelstate",
				log.String("duelKey", bc.duelKey))
			bc.latestSnapshot = &snap
			dataChan <- &snap
		}
		bc.l.Debug("duelstate watch done",
			log.String("duelKey", bc.duelKey))
	}()
	return bc.bcData.bs
}
