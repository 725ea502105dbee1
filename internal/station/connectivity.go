package station

import (
	"sync"
	"time"
)

// DefaultDebounce is how long a new connectivity state must hold before it is confirmed.
const DefaultDebounce = time.Second

// ConnectivityEventType is the direction of a confirmed transition.
type ConnectivityEventType string

const (
	EventOnline  ConnectivityEventType = "online"
	EventOffline ConnectivityEventType = "offline"
)

// ConnectivityEvent is emitted once per confirmed transition.
type ConnectivityEvent struct {
	Type ConnectivityEventType
	At   time.Time
}

// ConnectivityState is the confirmed state.
type ConnectivityState struct {
	IsOnline     bool
	LastChangeAt time.Time
}

// ConnectivityHandler receives confirmed transitions.
type ConnectivityHandler func(ConnectivityEvent)

// ConnectivityMonitor debounces raw connectivity reports into confirmed
// transitions. A flap shorter than the debounce window emits nothing.
type ConnectivityMonitor struct {
	clock    Clock
	logger   Logger
	debounce time.Duration

	mu         sync.Mutex
	state      ConnectivityState
	pending    Timer
	pendingTo  bool
	generation uint64
	handlers   []subscription
	nextSubID  uint64
}

type subscription struct {
	id uint64
	fn ConnectivityHandler
}

var _ Connectivity = (*ConnectivityMonitor)(nil)

// NewConnectivityMonitor creates a monitor in the given initial state.
// A negative debounce uses DefaultDebounce; zero confirms reports immediately.
func NewConnectivityMonitor(initialOnline bool, debounce time.Duration, clock Clock, logger Logger) *ConnectivityMonitor {
	if debounce < 0 {
		debounce = DefaultDebounce
	}
	return &ConnectivityMonitor{
		clock:    clock,
		logger:   logger,
		debounce: debounce,
		state: ConnectivityState{
			IsOnline:     initialOnline,
			LastChangeAt: clock.Now(),
		},
	}
}

// IsOnline returns the confirmed state.
func (m *ConnectivityMonitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.IsOnline
}

// State returns the confirmed state and when it last changed.
func (m *ConnectivityMonitor) State() ConnectivityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers fn for confirmed transitions. Handlers run in
// registration order on the goroutine that confirms the transition.
// The returned function removes the subscription.
func (m *ConnectivityMonitor) Subscribe(fn ConnectivityHandler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSubID++
	id := m.nextSubID
	m.handlers = append(m.handlers, subscription{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.handlers {
				if s.id == id {
					m.handlers = append(m.handlers[:i:i], m.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// Report feeds a raw observation. The state changes only if the observation
// holds for the debounce window without a contrary report.
func (m *ConnectivityMonitor) Report(online bool) {
	m.mu.Lock()

	if m.pending != nil {
		if m.pendingTo == online {
			m.mu.Unlock()
			return
		}
		m.pending.Stop()
		m.pending = nil
		m.generation++
	}

	if online == m.state.IsOnline {
		m.mu.Unlock()
		return
	}

	if m.debounce == 0 {
		ev := m.apply(online)
		handlers := m.snapshotHandlers()
		m.mu.Unlock()
		m.emit(handlers, ev)
		return
	}

	m.generation++
	gen := m.generation
	m.pendingTo = online
	m.pending = m.clock.AfterFunc(m.debounce, func() { m.confirm(gen, online) })
	m.mu.Unlock()
}

func (m *ConnectivityMonitor) confirm(gen uint64, online bool) {
	m.mu.Lock()
	if gen != m.generation || m.pending == nil {
		m.mu.Unlock()
		return
	}
	m.pending = nil
	if online == m.state.IsOnline {
		m.mu.Unlock()
		return
	}
	ev := m.apply(online)
	handlers := m.snapshotHandlers()
	m.mu.Unlock()

	m.emit(handlers, ev)
}

// apply commits a transition. Caller holds mu.
func (m *ConnectivityMonitor) apply(online bool) ConnectivityEvent {
	now := m.clock.Now()
	m.state = ConnectivityState{IsOnline: online, LastChangeAt: now}

	ev := ConnectivityEvent{Type: EventOffline, At: now}
	if online {
		ev.Type = EventOnline
	}
	m.logger.Info("connectivity changed", "state", string(ev.Type))
	return ev
}

func (m *ConnectivityMonitor) snapshotHandlers() []ConnectivityHandler {
	fns := make([]ConnectivityHandler, len(m.handlers))
	for i, s := range m.handlers {
		fns[i] = s.fn
	}
	return fns
}

func (m *ConnectivityMonitor) emit(handlers []ConnectivityHandler, ev ConnectivityEvent) {
	for _, fn := range handlers {
		fn(ev)
	}
}
