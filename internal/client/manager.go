package client

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/fauxparse/lilbirdie-sub001/internal/domain"
	"github.com/jonboulle/clockwork"
)

const defaultQueueSize = 256

type Options struct {
	// UserID is the authenticated identity. When set, join:user is issued on
	// every successful connect.
	UserID    string
	Clock     clockwork.Clock
	QueueSize int
}

// Manager is the client side of a subscription. It is safe for concurrent
// use; listeners and state callbacks run on a single dispatch goroutine.
type Manager struct {
	transport Transport
	userID    string
	clock     clockwork.Clock

	mu             sync.Mutex
	state          State
	session        Session
	lists          map[string]struct{}
	listeners      map[domain.EventType]map[uint64]domain.Listener
	stateListeners []func(State)
	stateChanged   chan struct{}
	nextID         uint64
	started        bool
	closed         bool
	cancel         context.CancelFunc

	queue          chan func()
	runDone        chan struct{}
	dispatcherDone chan struct{}
}

var _ domain.Subscriber = (*Manager)(nil)

func NewManager(transport Transport, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	m := &Manager{
		transport:      transport,
		userID:         opts.UserID,
		clock:          opts.Clock,
		state:          StateDisconnected,
		stateChanged:   make(chan struct{}),
		lists:          make(map[string]struct{}),
		listeners:      make(map[domain.EventType]map[uint64]domain.Listener),
		queue:          make(chan func(), opts.QueueSize),
		runDone:        make(chan struct{}),
		dispatcherDone: make(chan struct{}),
	}
	go m.dispatchLoop()
	return m
}

func (m *Manager) UserID() string { return m.userID }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts the connection loop and returns immediately. Progress is
// reported through OnStateChange. Calling it again is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.started {
		return nil
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	go m.run(ctx)
	return nil
}

// JoinList subscribes to a list room. While not connected the call is
// dropped with ErrNotConnected. Joined lists are rejoined after a reconnect.
func (m *Manager) JoinList(ctx context.Context, listID string) error {
	m.mu.Lock()
	session := m.session
	if session == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	_, already := m.lists[listID]
	m.lists[listID] = struct{}{}
	m.mu.Unlock()

	if err := session.Send(ctx, domain.JoinListCommand{ListID: listID}); err != nil {
		if !already {
			m.mu.Lock()
			delete(m.lists, listID)
			m.mu.Unlock()
		}
		return fmt.Errorf("join list %s: %w", listID, err)
	}
	return nil
}

// LeaveList forgets the list and, when connected, leaves its room.
func (m *Manager) LeaveList(ctx context.Context, listID string) error {
	m.mu.Lock()
	delete(m.lists, listID)
	session := m.session
	m.mu.Unlock()

	if session == nil {
		return ErrNotConnected
	}
	if err := session.Send(ctx, domain.LeaveListCommand{ListID: listID}); err != nil {
		return fmt.Errorf("leave list %s: %w", listID, err)
	}
	return nil
}

func (m *Manager) Ping(ctx context.Context) error {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()

	if session == nil {
		return ErrNotConnected
	}
	return session.Send(ctx, domain.PingCommand{})
}

// JoinedLists returns the lists that will be replayed on reconnect.
func (m *Manager) JoinedLists() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	lists := make([]string, 0, len(m.lists))
	for id := range m.lists {
		lists = append(lists, id)
	}
	slices.Sort(lists)
	return lists
}

// On registers listener for eventType. Listeners of one type fire in
// registration order.
func (m *Manager) On(eventType domain.EventType, listener domain.Listener) domain.ListenerHandle {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	byID, ok := m.listeners[eventType]
	if !ok {
		byID = make(map[uint64]domain.Listener)
		m.listeners[eventType] = byID
	}
	byID[m.nextID] = listener
	return domain.ListenerHandle{Type: eventType, ID: m.nextID}
}

// Off removes exactly the listener behind handle. Unknown handles are ignored.
func (m *Manager) Off(handle domain.ListenerHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID, ok := m.listeners[handle.Type]
	if !ok {
		return
	}
	delete(byID, handle.ID)
	if len(byID) == 0 {
		delete(m.listeners, handle.Type)
	}
}

func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateListeners = append(m.stateListeners, fn)
}

// Close ends the session, stops reconnecting and drops every listener. The
// final StateClosed notification is delivered before Close returns, so Close
// must not be called from a listener.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	started := m.started
	if m.cancel != nil {
		m.cancel()
	}
	session := m.session
	m.mu.Unlock()

	if session != nil {
		_ = session.Close()
	}
	if started {
		<-m.runDone
	}

	m.setState(StateClosed)
	close(m.queue)
	<-m.dispatcherDone

	m.mu.Lock()
	m.listeners = make(map[domain.EventType]map[uint64]domain.Listener)
	m.stateListeners = nil
	m.lists = make(map[string]struct{})
	m.mu.Unlock()
	return nil
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.runDone)

	backoff := m.transport.Backoff()
	for {
		m.setState(StateConnecting)
		session, err := m.transport.Dial(ctx)
		if err == nil {
			backoff.Reset()
			m.serve(ctx, session)
		} else if ctx.Err() == nil {
			slog.Warn("Connect failed", "transport", m.transport.Name(), "attempt", backoff.Attempt()+1, "error", err)
		}

		if ctx.Err() != nil {
			return
		}
		m.setState(StateDisconnected)

		delay := backoff.Next()
		slog.Debug("Reconnecting", "transport", m.transport.Name(), "delay", delay)
		select {
		case <-m.clock.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// serve attaches session, replays subscriptions and pumps events until the
// session ends.
func (m *Manager) serve(ctx context.Context, session Session) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = session.Close()
		return
	}
	m.session = session
	lists := make([]string, 0, len(m.lists))
	for id := range m.lists {
		lists = append(lists, id)
	}
	m.mu.Unlock()
	slices.Sort(lists)

	m.replay(ctx, session, lists)
	m.setState(StateConnected)

	for event := range session.Events() {
		if !m.accepts(event) {
			slog.Debug("Ignoring event", "event_type", event.Type)
			continue
		}
		m.enqueue(event)
	}

	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()
	_ = session.Close()

	if err := session.Err(); err != nil && ctx.Err() == nil {
		slog.Warn("Connection lost", "transport", m.transport.Name(), "error", err)
	}
}

func (m *Manager) replay(ctx context.Context, session Session, lists []string) {
	if m.userID != "" {
		if err := session.Send(ctx, domain.JoinUserCommand{UserID: m.userID}); err != nil {
			slog.Warn("Failed to join user room", "user_id", m.userID, "error", err)
		}
	}
	for _, id := range lists {
		if err := session.Send(ctx, domain.JoinListCommand{ListID: id}); err != nil {
			slog.Warn("Failed to rejoin list", "list_id", id, "error", err)
		}
	}
}

// accepts drops events for rooms this client never asked for.
func (m *Manager) accepts(event domain.Event) bool {
	room, ok := event.Room()
	if !ok {
		return event.Type.Valid()
	}

	switch room.Kind {
	case domain.RoomList:
		m.mu.Lock()
		_, joined := m.lists[room.ID]
		m.mu.Unlock()
		return joined
	case domain.RoomUser:
		return m.userID != "" && room.ID == m.userID
	default:
		return false
	}
}

func (m *Manager) enqueue(event domain.Event) {
	m.queue <- func() { m.deliver(event) }
}

func (m *Manager) deliver(event domain.Event) {
	m.mu.Lock()
	byID := m.listeners[event.Type]
	ids := make([]uint64, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	listeners := make([]domain.Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, byID[id])
	}
	m.mu.Unlock()

	for _, listener := range listeners {
		safeCall(string(event.Type), func() { listener(event) })
	}
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	close(m.stateChanged)
	m.stateChanged = make(chan struct{})
	m.mu.Unlock()

	m.queue <- func() {
		m.mu.Lock()
		callbacks := slices.Clone(m.stateListeners)
		m.mu.Unlock()
		for _, fn := range callbacks {
			safeCall("state:"+state.String(), func() { fn(state) })
		}
	}
}

func (m *Manager) dispatchLoop() {
	defer close(m.dispatcherDone)
	for fn := range m.queue {
		fn()
	}
}

func safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Listener panicked", "listener", what, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// WaitForState blocks until the manager reaches state or ctx ends. It must not
// be called from a listener.
func (m *Manager) WaitForState(ctx context.Context, state State) error {
	for {
		m.mu.Lock()
		current, changed := m.state, m.stateChanged
		m.mu.Unlock()

		if current == state {
			return nil
		}
		if current == StateClosed {
			return ErrClosed
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", state, ctx.Err())
		}
	}
}
