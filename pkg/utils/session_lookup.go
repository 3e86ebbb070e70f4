package utils

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/midnightgrind/tougelog-service-manager-go/log"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/model"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/processing"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/utils/broadcast"
)

var ErrSessionNotFound = errors.New("session not found")

type (
	// SessionData bundles everything the service keeps per live duel.
	// Mutex serializes frame processing and publishing for the session;
	// callers of PublishEvent/PublishSnapshot must hold it.
	SessionData struct {
		Key        string
		Owner      string
		Registered time.Time
		Connected  bool
		Processor  *processing.Processor
		Mutex      sync.Mutex

		EventBroadcast    broadcast.BroadcastServer[*model.DuelEvent]
		SnapshotBroadcast broadcast.BroadcastServer[*model.StateSnapshot]
		EventHistory      []*model.DuelEvent
		// last published snapshot, replayed to new subscribers
		LastState *model.StateSnapshot

		eventChan    chan *model.DuelEvent
		snapshotChan chan *model.StateSnapshot
		lastFrame    time.Time
		lastSnapshot time.Time
		closed       bool
	}

	LookupOption func(*SessionLookup)

	SessionLookup struct {
		lookup        map[string]*SessionData
		mutex         sync.RWMutex
		staleDuration time.Duration
		checkInterval time.Duration
		onStale       func(duelKey string)
		l             *log.Logger
	}
)

func WithStaleDuration(d time.Duration) LookupOption {
	return func(s *SessionLookup) {
		s.staleDuration = d
	}
}

func WithCheckInterval(d time.Duration) LookupOption {
	return func(s *SessionLookup) {
		s.checkInterval = d
	}
}

// WithOnStale registers a callback invoked when the watchdog found a
// stale session, before the session is dropped from the registry. The
// callback may run the full unregister path itself.
func WithOnStale(cb func(duelKey string)) LookupOption {
	return func(s *SessionLookup) {
		s.onStale = cb
	}
}

func WithLookupLogger(arg *log.Logger) LookupOption {
	return func(s *SessionLookup) {
		s.l = arg
	}
}

func NewSessionLookup(opts ...LookupOption) *SessionLookup {
	ret := &SessionLookup{
		lookup:        make(map[string]*SessionData),
		staleDuration: time.Minute,
		checkInterval: 10 * time.Second,
		l:             log.Default().Named("lookup"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

//nolint:whitespace // can't make both editor and linter happy
func (s *SessionLookup) AddSession(
	key, owner string,
	proc *processing.Processor,
) *SessionData {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if sd, ok := s.lookup[key]; ok {
		return sd
	}
	eventChan := make(chan *model.DuelEvent)
	snapshotChan := make(chan *model.StateSnapshot)
	sd := &SessionData{
		Key:        key,
		Owner:      owner,
		Registered: time.Now(),
		Processor:  proc,
		EventBroadcast: broadcast.NewBroadcastServer(
			key, "duelevent", eventChan),
		SnapshotBroadcast: broadcast.NewBroadcastServer(
			key, "duelstate", snapshotChan),
		EventHistory: make([]*model.DuelEvent, 0),
		eventChan:    eventChan,
		snapshotChan: snapshotChan,
		lastFrame:    time.Now(),
	}
	s.lookup[key] = sd
	return sd
}

func (s *SessionLookup) GetSession(key string) (*SessionData, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if sd, ok := s.lookup[key]; ok {
		return sd, nil
	}
	return nil, ErrSessionNotFound
}

func (s *SessionLookup) RemoveSession(key string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if sd, ok := s.lookup[key]; ok {
		sd.close()
		delete(s.lookup, key)
	}
}

func (s *SessionLookup) GetSessions() []*SessionData {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	ret := make([]*SessionData, 0, len(s.lookup))
	for _, sd := range s.lookup {
		ret = append(ret, sd)
	}
	return ret
}

func (s *SessionLookup) Clear() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, sd := range s.lookup {
		sd.close()
	}
	s.lookup = make(map[string]*SessionData)
}

// StartWatchdog removes sessions whose provider stopped sending frames.
// Runs until ctx is done.
func (s *SessionLookup) StartWatchdog(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.removeStaleSessions()
			}
		}
	}()
}

func (s *SessionLookup) removeStaleSessions() {
	stale := make([]string, 0)
	for _, sd := range s.GetSessions() {
		sd.Mutex.Lock()
		age := time.Since(sd.lastFrame)
		sd.Mutex.Unlock()
		if age > s.staleDuration {
			stale = append(stale, sd.Key)
		}
	}
	for _, key := range stale {
		s.l.Warn("removing stale session",
			log.String("duelKey", key),
			log.String("staleDuration", s.staleDuration.String()))
		if s.onStale != nil {
			s.onStale(key)
		}
		s.RemoveSession(key)
	}
}

// PublishEvent records the event in the history and hands it to the
// broadcast server. Caller holds Mutex.
func (sd *SessionData) PublishEvent(ev *model.DuelEvent) {
	if sd.closed {
		return
	}
	sd.EventHistory = append(sd.EventHistory, ev)
	sd.eventChan <- ev
}

// PublishSnapshot hands the snapshot to the broadcast server. Caller
// holds Mutex.
func (sd *SessionData) PublishSnapshot(snap *model.StateSnapshot) {
	if sd.closed {
		return
	}
	sd.lastSnapshot = time.Now()
	sd.LastState = snap
	sd.snapshotChan <- snap
}

// MarkFrame records provider activity for the stale check. Caller holds
// Mutex.
func (sd *SessionData) MarkFrame() {
	sd.lastFrame = time.Now()
}

// SnapshotDue reports whether enough time passed since the last published
// snapshot. Caller holds Mutex.
func (sd *SessionData) SnapshotDue(interval time.Duration) bool {
	return time.Since(sd.lastSnapshot) >= interval
}

// SessionInfo composes the client view of this session.
func (sd *SessionData) SessionInfo() *model.SessionInfo {
	return &model.SessionInfo{
		Key:        sd.Key,
		Config:     sd.Processor.Config(),
		Phase:      sd.Processor.Phase().String(),
		Owner:      sd.Owner,
		Connected:  sd.Connected,
		Registered: sd.Registered,
	}
}

func (sd *SessionData) close() {
	sd.Mutex.Lock()
	defer sd.Mutex.Unlock()
	if sd.closed {
		return
	}
	sd.closed = true
	sd.EventBroadcast.Close()
	sd.SnapshotBroadcast.Close()
}
