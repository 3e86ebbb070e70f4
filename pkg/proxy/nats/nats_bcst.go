package nats

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/midnightgrind/tougelog-service-manager-go/log"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/model"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/utils/broadcast"
)

type (
	broadcastData[T any] struct {
		bs       broadcast.BroadcastServer[T]
		quitChan chan struct{}
		name     string
	}
	broadcastContainer struct {
		duelKey               string
		l                     *log.Logger
		conn                  *nats.Conn
		kv                    jetstream.KeyValue
		snapshotBcstSupporter *snapshotBcstSupport
		eventBroadcaster      *broadcastData[*model.DuelEvent]
	}
)

//nolint:whitespace // editor/linter issue
func createBroadcasters(
	duelKey string,
	conn *nats.Conn,
	kv jetstream.KeyValue,
	l *log.Logger,
) *broadcastContainer {
	ret := &broadcastContainer{
		duelKey: duelKey,
		conn:    conn,
		kv:      kv,
		l:       l.Named("bcst"),
	}
	return ret
}

func (bc *broadcastContainer) close() {
	if bc.eventBroadcaster != nil {
		close(bc.eventBroadcaster.quitChan)
	}
	if bc.snapshotBcstSupporter != nil {
		bc.snapshotBcstSupporter.close()
	}
}

//nolint:whitespace // editor/linter issue
func (bc *broadcastContainer) createSnapshotChannels() (
	dataChan <-chan *model.StateSnapshot,
	quitChan chan struct{},
) {
	if bc.snapshotBcstSupporter == nil {
		bc.snapshotBcstSupporter = createSnapshotBcstSupporter(
			bc.duelKey,
			bc.kv,
			bc.l)
	}
	return bc.snapshotBcstSupporter.createChannels()
}

//nolint:whitespace // editor/linter issue
func (bc *broadcastContainer) createEventChannels() (
	dataChan <-chan *model.DuelEvent,
	quitChan chan struct{},
) {
	dataChan = bc.getEventBroadcaster().Subscribe()
	quitChan = make(chan struct{})

	go func() {
		bc.l.Debug("duelevent waiting on quitChan", log.String("duelKey", bc.duelKey))
		<-quitChan
		bc.l.Debug("duelevent quitChan was closed", log.String("duelKey", bc.duelKey))
		// the broadcaster may be already closed if the duel was unregistered
		if bs := bc.getEventBroadcaster(); bs != nil {
			bs.CancelSubscription(dataChan)
		}
	}()
	return dataChan, quitChan
}

// we have one broadcaster per duel which subscribes to the nats subject.
// we distribute it within this instance via our own broadcast server
//
//nolint:lll // readablity
func (bc *broadcastContainer) getEventBroadcaster() broadcast.BroadcastServer[*model.DuelEvent] {
	if bc.eventBroadcaster == nil {
		bc.eventBroadcaster = createDuelBroadcaster[model.DuelEvent](
			"duelevent", bc.duelKey, bc.l.Named("duelevent"), bc.conn)
	}
	return bc.eventBroadcaster.bs
}

// create a generic duel broadcaster for message type T
//
//nolint:whitespace // false positive
func createDuelBroadcaster[T any](
	name, duelKey string,
	l *log.Logger,
	c *nats.Conn,
) *broadcastData[*T] {
	dataChan := make(chan *T)
	quitChan := make(chan struct{})
	bs := broadcast.NewBroadcastServer(duelKey, fmt.Sprintf("nats.%s", name), dataChan)
	var err error
	var sub *nats.Subscription
	subj := fmt.Sprintf("%s.%s", name, duelKey)
	if sub, err = c.Subscribe(subj, func(msg *nats.Msg) {
		recv := new(T)
		if uErr := json.Unmarshal(msg.Data, recv); uErr != nil {
			l.Error("error unmarshalling data",
				log.String("name", name),
				log.ErrorField(uErr))
			return
		}
		l.Debug("received data", log.String("name", name), log.String("duelKey", duelKey))
		dataChan <- recv
	}); err != nil {
		l.Error("error subscribing to data", log.String("name", name), log.ErrorField(err))
		return nil
	}
	go func() {
		l.Debug("waiting on quitChan",
			log.String("name", name), log.String("duelKey", duelKey))
		<-quitChan
		l.Debug("quit received for nats subscr",
			log.String("name", name), log.String("duelKey", duelKey))
		bs.Close()

		if sub != nil && sub.IsValid() {
			if err := sub.Unsubscribe(); err != nil {
				l.Debug("error unsubscribing",
					log.String("sub", sub.Subject),
					log.ErrorField(err))
			} else {
				l.Debug("unsubscribed",
					log.String("sub", sub.Subject),
				)
			}
		}
	}()
	return &broadcastData[*T]{
		bs:       bs,
		quitChan: quitChan,
		name:     name,
	}
}
