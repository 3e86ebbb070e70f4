package proxy

import (
	"errors"
	"fmt"

	"github.com/midnightgrind/tougelog-service-manager-go/pkg/model"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/utils"
)

type (
	// PublishProxy is the interface used by the instance processing the
	// incoming telemetry. The purpose is to distribute the live data to
	// all subscribers, local or clustered.
	PublishProxy interface {
		// handles the registration of a new duel session
		PublishDuelRegistered(sd *utils.SessionData) error
		// handles the unregistration of a duel session
		PublishDuelUnregistered(duelKey string) error
		// distributes a single duel event to all subscribers
		PublishDuelEvent(duelKey string, ev *model.DuelEvent) error
		// distributes a state snapshot to all subscribers
		PublishStateSnapshot(duelKey string, snap *model.StateSnapshot) error
	}

	DataProxy interface {
		PublishProxy
		// live duels known to this instance (cluster wide on NATS)
		LiveDuels() []*model.SessionInfo

		// returns the session info for the given duel
		GetDuel(duelKey string) (*model.SessionInfo, error)

		// subscribe to duel events
		// the returned channel is the provider for outgoing live messages
		SubscribeDuelEvents(duelKey string) (
			dataChan <-chan *model.DuelEvent,
			quitChan chan<- struct{},
			err error,
		)

		// subscribe to state snapshots
		// the returned channel is the provider for outgoing live messages
		SubscribeStateSnapshots(duelKey string) (
			dataChan <-chan *model.StateSnapshot,
			quitChan chan<- struct{},
			err error,
		)

		// provides all duel events recorded so far for the given duel
		HistoryDuelEvents(duelKey string) []*model.DuelEvent

		// performs cleanup
		Close()
	}

	EmptyProxy struct{}
)

var ErrDuelNotFound = errors.New("duel not found")

func (e EmptyProxy) PublishDuelRegistered(sd *utils.SessionData) error {
	return fmt.Errorf("PublishDuelRegistered not implemented")
}

func (e EmptyProxy) PublishDuelUnregistered(duelKey string) error {
	return fmt.Errorf("PublishDuelUnregistered not implemented")
}

func (e EmptyProxy) PublishDuelEvent(duelKey string, ev *model.DuelEvent) error {
	return fmt.Errorf("PublishDuelEvent not implemented")
}

//nolint:lll // readablity
func (e EmptyProxy) PublishStateSnapshot(duelKey string, snap *model.StateSnapshot) error {
	return fmt.Errorf("PublishStateSnapshot not implemented")
}

func (e EmptyProxy) GetDuel(duelKey string) (*model.SessionInfo, error) {
	return nil, fmt.Errorf("GetDuel not implemented")
}

//nolint:whitespace // false positive
func (e EmptyProxy) SubscribeDuelEvents(duelKey string) (
	d <-chan *model.DuelEvent,
	q chan<- struct{},
	err error,
) {
	return nil, nil, fmt.Errorf("SubscribeDuelEvents not implemented")
}

//nolint:whitespace // false positive
func (e EmptyProxy) SubscribeStateSnapshots(duelKey string) (
	d <-chan *model.StateSnapshot,
	q chan<- struct{},
	err error,
) {
	return nil, nil, fmt.Errorf("SubscribeStateSnapshots not implemented")
}

func (e EmptyProxy) HistoryDuelEvents(duelKey string) []*model.DuelEvent {
	return []*model.DuelEvent{}
}

func (e EmptyProxy) LiveDuels() []*model.SessionInfo {
	return nil
}

func (e EmptyProxy) Close() {
}
