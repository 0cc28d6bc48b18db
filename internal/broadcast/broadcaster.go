package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/fauxparse/lilbirdie-sub001/internal/adapter/metrics"
	"github.com/fauxparse/lilbirdie-sub001/internal/domain"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	commandTimeout     = 5 * time.Second
	stopTimeout        = 10 * time.Second
	commandChannelSize = 256
	shutdownReason     = "server shutting down"
)

// Options configures a Host. Zero values fall back to defaults.
type Options struct {
	Clock          clockwork.Clock
	Metrics        *metrics.BroadcastMetrics
	MaxConnections int        // 0 means unlimited
	CommandRate    rate.Limit // per connection; 0 means unlimited
	CommandBurst   int
}

// ConnectRequest describes a freshly accepted transport connection.
type ConnectRequest struct {
	// ID is generated when empty.
	ID string
	// UserID is the authenticated identity, empty for anonymous connections.
	UserID    string
	Transport string
	Conn      Conn
}

// Membership is a snapshot of one connection's room sets.
type Membership struct {
	ConnectionID string
	UserID       string
	Transport    string
	Lists        []string
	Users        []string
}

// Stats summarizes one host for health output.
type Stats struct {
	Name        string `json:"name"`
	Connections int    `json:"connections"`
	ListRooms   int    `json:"list_rooms"`
	UserRooms   int    `json:"user_rooms"`
}

type connection struct {
	id        string
	userID    string
	transport string
	lists     map[string]struct{}
	users     map[string]struct{}
	writer    *clientWriter
	limiter   *rate.Limiter
}

func (c *connection) inRoom(room domain.Room) bool {
	switch room.Kind {
	case domain.RoomList:
		_, ok := c.lists[room.ID]
		return ok
	case domain.RoomUser:
		_, ok := c.users[room.ID]
		return ok
	}
	return false
}

func (c *connection) membership() Membership {
	m := Membership{ConnectionID: c.id, UserID: c.userID, Transport: c.transport}
	for id := range c.lists {
		m.Lists = append(m.Lists, id)
	}
	for id := range c.users {
		m.Users = append(m.Users, id)
	}
	slices.Sort(m.Lists)
	slices.Sort(m.Users)
	return m
}

// hostCmd is the command interface for the Host actor.
type hostCmd interface{ isHostCmd() }

type baseHostCmd struct{}

func (baseHostCmd) isHostCmd() {}

type connectCmd struct {
	baseHostCmd
	request ConnectRequest
	reply   chan error
}

type messageCmd struct {
	baseHostCmd
	connectionID string
	raw          []byte
	reply        chan error
}

type disconnectCmd struct {
	baseHostCmd
	connectionID string
}

type publishCmd struct {
	baseHostCmd
	room  domain.Room
	all   bool
	event domain.Event
}

type membershipCmd struct {
	baseHostCmd
	connectionID string
	reply        chan *Membership
}

type countCmd struct {
	baseHostCmd
	room  domain.Room
	reply chan int
}

type statsCmd struct {
	baseHostCmd
	reply chan Stats
}

type stopCmd struct {
	baseHostCmd
}

// Host owns the connection table of one broadcast host instance. All state is
// confined to a single goroutine; public methods talk to it over cmdCh.
type Host struct {
	name        string
	cmdCh       chan hostCmd
	clock       clockwork.Clock
	metrics     *metrics.BroadcastMetrics
	connections map[string]*connection
	maxConns    int
	cmdRate     rate.Limit
	cmdBurst    int
	done        chan struct{}
	stopping    chan struct{}
	stopTimeout time.Duration
}

// NewHost starts the actor goroutine for a host named name.
func NewHost(name string, opts Options) *Host {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNopBroadcastMetrics()
	}
	if opts.CommandRate > 0 && opts.CommandBurst < 1 {
		opts.CommandBurst = 1
	}

	h := &Host{
		name:        name,
		cmdCh:       make(chan hostCmd, commandChannelSize),
		clock:       opts.Clock,
		metrics:     opts.Metrics,
		connections: make(map[string]*connection),
		maxConns:    opts.MaxConnections,
		cmdRate:     opts.CommandRate,
		cmdBurst:    opts.CommandBurst,
		done:        make(chan struct{}),
		stopping:    make(chan struct{}),
		stopTimeout: stopTimeout,
	}
	go h.run()
	return h
}

func (h *Host) Name() string { return h.name }

// Connect registers a connection with empty room sets and sends it a
// connection-ack. It returns the connection id.
func (h *Host) Connect(req ConnectRequest) (string, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Transport == "" {
		req.Transport = "websocket"
	}

	reply := make(chan error, 1)
	if err := h.send(connectCmd{request: req, reply: reply}); err != nil {
		return "", err
	}
	if err := h.await(reply, "connect"); err != nil {
		return "", err
	}
	return req.ID, nil
}

// HandleMessage processes one raw client command from connectionID. It only
// reports ErrConnectionNotFound and host failures; protocol errors are answered
// on the connection itself.
func (h *Host) HandleMessage(connectionID string, raw []byte) error {
	reply := make(chan error, 1)
	if err := h.send(messageCmd{connectionID: connectionID, raw: raw, reply: reply}); err != nil {
		return err
	}
	return h.await(reply, "message")
}

func (h *Host) await(reply chan error, op string) error {
	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-reply:
		return err
	case <-h.done:
		return domain.ErrHostStopped
	case <-timer.Chan():
		return fmt.Errorf("%s command timed out after %v", op, commandTimeout)
	}
}

// Disconnect removes the connection and every room it held.
func (h *Host) Disconnect(connectionID string) {
	_ = h.send(disconnectCmd{connectionID: connectionID})
}

// Publish delivers event to every connection whose room set contains room.
// Delivery is best effort and the caller is never told who received it.
func (h *Host) Publish(room domain.Room, event domain.Event) {
	_ = h.send(publishCmd{room: room, event: event})
}

// PublishAll delivers event to every connection on the host. It is the
// fallback for events whose room cannot be determined.
func (h *Host) PublishAll(event domain.Event) {
	_ = h.send(publishCmd{all: true, event: event})
}

// PublishEvent routes event by its own room, falling back to PublishAll.
func (h *Host) PublishEvent(event domain.Event) {
	if room, ok := event.Room(); ok {
		h.Publish(room, event)
		return
	}
	h.PublishAll(event)
}

// Membership returns a copy of the connection's room sets.
func (h *Host) Membership(connectionID string) (Membership, bool) {
	reply := make(chan *Membership, 1)
	if err := h.send(membershipCmd{connectionID: connectionID, reply: reply}); err != nil {
		return Membership{}, false
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case m := <-reply:
		if m == nil {
			return Membership{}, false
		}
		return *m, true
	case <-h.done:
		return Membership{}, false
	case <-timer.Chan():
		slog.Warn("Membership query timed out", "host", h.name, "timeout", commandTimeout)
		return Membership{}, false
	}
}

// ConnectionCount returns the number of live connections. Returns -1 if the
// query times out.
func (h *Host) ConnectionCount() int {
	return h.count(domain.Room{})
}

// RoomSize returns the number of connections currently in room.
func (h *Host) RoomSize(room domain.Room) int {
	return h.count(room)
}

func (h *Host) count(room domain.Room) int {
	reply := make(chan int, 1)
	if err := h.send(countCmd{room: room, reply: reply}); err != nil {
		return 0
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case n := <-reply:
		return n
	case <-h.done:
		return 0
	case <-timer.Chan():
		slog.Warn("Connection count timed out", "host", h.name, "timeout", commandTimeout)
		return -1
	}
}

// Stats counts connections and distinct non-empty rooms. The bool is false
// if the host is stopped or the query timed out.
func (h *Host) Stats() (Stats, bool) {
	reply := make(chan Stats, 1)
	if err := h.send(statsCmd{reply: reply}); err != nil {
		return Stats{}, false
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case st := <-reply:
		return st, true
	case <-h.done:
		return Stats{}, false
	case <-timer.Chan():
		slog.Warn("Stats query timed out", "host", h.name, "timeout", commandTimeout)
		return Stats{}, false
	}
}

// Stop closes every connection with a close frame and stops the actor.
// It is safe to call more than once.
func (h *Host) Stop() {
	select {
	case <-h.stopping:
		<-h.done
		return
	default:
	}

	if err := h.send(stopCmd{}); err != nil {
		return
	}

	timeout := h.clock.NewTimer(h.stopTimeout)
	defer timeout.Stop()

	select {
	case <-h.done:
		slog.Info("Broadcast host stopped", "host", h.name)
	case <-timeout.Chan():
		slog.Warn("Broadcast host stop timeout exceeded", "host", h.name, "timeout", h.stopTimeout)
		h.metrics.StopTimeouts.Inc()
	}
}

func (h *Host) send(cmd hostCmd) error {
	select {
	case <-h.done:
		return domain.ErrHostStopped
	default:
	}

	select {
	case h.cmdCh <- cmd:
		return nil
	case <-h.done:
		return domain.ErrHostStopped
	}
}

func (h *Host) run() {
	defer close(h.done)

	depthTicker := h.clock.NewTicker(1 * time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			depth := len(h.cmdCh)
			h.metrics.CommandChannelDepth.WithLabelValues(h.name).Set(float64(depth))
			if depth > commandChannelSize*8/10 {
				slog.Warn("Command channel near capacity", "host", h.name, "depth", depth, "capacity", cap(h.cmdCh))
			}
		case cmd := <-h.cmdCh:
			if _, ok := cmd.(stopCmd); ok {
				close(h.stopping)
				h.handleStop()
				return
			}
			h.dispatch(cmd)
		}
	}
}

// dispatch runs one command; a panic is contained to that command.
func (h *Host) dispatch(cmd hostCmd) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Broadcast host panic recovered", "host", h.name, "panic", r, "command_type", fmt.Sprintf("%T", cmd))
			h.metrics.Panics.Inc()
		}
	}()

	switch c := cmd.(type) {
	case connectCmd:
		c.reply <- h.handleConnect(c.request)
	case messageCmd:
		c.reply <- h.handleMessage(c.connectionID, c.raw)
	case disconnectCmd:
		h.handleDisconnect(c.connectionID)
	case publishCmd:
		h.handlePublish(c)
	case membershipCmd:
		if conn, ok := h.connections[c.connectionID]; ok {
			m := conn.membership()
			c.reply <- &m
		} else {
			c.reply <- nil
		}
	case countCmd:
		c.reply <- h.handleCount(c.room)
	case statsCmd:
		c.reply <- h.handleStats()
	default:
		slog.Warn("Broadcast host received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
	}
}

func (h *Host) handleConnect(req ConnectRequest) error {
	if _, exists := h.connections[req.ID]; exists {
		return fmt.Errorf("connection %s already registered", req.ID)
	}
	if h.maxConns > 0 && len(h.connections) >= h.maxConns {
		slog.Warn("Rejecting connection: host full", "host", h.name, "max_connections", h.maxConns)
		h.metrics.ConnectsRejected.WithLabelValues("host_full").Inc()
		return fmt.Errorf("%w: %d connections", domain.ErrHostFull, h.maxConns)
	}

	conn := &connection{
		id:        req.ID,
		userID:    req.UserID,
		transport: req.Transport,
		lists:     make(map[string]struct{}),
		users:     make(map[string]struct{}),
		writer:    newClientWriter(req.Conn, h.clock, h.metrics),
	}
	if h.cmdRate > 0 {
		conn.limiter = rate.NewLimiter(h.cmdRate, h.cmdBurst)
	}
	h.connections[req.ID] = conn
	h.metrics.ActiveConnections.WithLabelValues(h.name, conn.transport).Inc()

	h.reply(conn, domain.NewEvent(domain.ConnectionAck{ConnectionID: conn.id, UserID: conn.userID}))

	slog.Debug("Connection registered", "host", h.name, "connection_id", conn.id,
		"user_id", conn.userID, "transport", conn.transport, "total_connections", len(h.connections))
	return nil
}

func (h *Host) handleDisconnect(connectionID string) {
	conn, ok := h.connections[connectionID]
	if !ok {
		return
	}

	conn.writer.stop()
	delete(h.connections, connectionID)
	h.metrics.ActiveConnections.WithLabelValues(h.name, conn.transport).Dec()

	slog.Debug("Connection removed", "host", h.name, "connection_id", connectionID,
		"lists", len(conn.lists), "remaining_connections", len(h.connections))
}

func (h *Host) handleMessage(connectionID string, raw []byte) error {
	conn, ok := h.connections[connectionID]
	if !ok {
		return domain.ErrConnectionNotFound
	}

	if conn.limiter != nil && !conn.limiter.Allow() {
		slog.Warn("Command rate limit exceeded", "host", h.name, "connection_id", connectionID)
		h.metrics.Commands.WithLabelValues("any", "rate_limited").Inc()
		h.reply(conn, domain.NewErrorEvent(domain.CodeRateLimited, "too many commands"))
		return nil
	}

	cmd, err := domain.DecodeCommand(raw)
	switch {
	case errors.Is(err, domain.ErrMalformedCommand):
		slog.Debug("Ignoring malformed command", "host", h.name, "connection_id", connectionID, "error", err)
		h.metrics.Commands.WithLabelValues("malformed", "ignored").Inc()
		return nil
	case errors.Is(err, domain.ErrMissingCommandID):
		h.metrics.Commands.WithLabelValues("invalid", "rejected").Inc()
		h.reply(conn, domain.NewErrorEvent(domain.CodeBadRequest, err.Error()))
		return nil
	case errors.Is(err, domain.ErrUnknownCommand):
		h.metrics.Commands.WithLabelValues("unknown", "rejected").Inc()
		h.reply(conn, domain.NewErrorEvent(domain.CodeUnknownCommand, err.Error()))
		return nil
	case err != nil:
		slog.Debug("Ignoring undecodable command", "host", h.name, "connection_id", connectionID, "error", err)
		return nil
	}

	result := "ok"
	switch c := cmd.(type) {
	case domain.JoinListCommand:
		conn.lists[c.ListID] = struct{}{}
	case domain.LeaveListCommand:
		delete(conn.lists, c.ListID)
	case domain.JoinUserCommand:
		if conn.userID == "" || c.UserID != conn.userID {
			slog.Debug("Rejected join of foreign user room", "host", h.name, "connection_id", connectionID,
				"user_id", conn.userID, "requested_user_id", c.UserID)
			result = "forbidden"
			h.reply(conn, domain.NewErrorEvent(domain.CodeForbidden, domain.ErrForbiddenUserRoom.Error()))
			break
		}
		conn.users[c.UserID] = struct{}{}
	case domain.LeaveUserCommand:
		delete(conn.users, c.UserID)
	case domain.PingCommand:
		h.reply(conn, domain.NewEvent(domain.HeartbeatReply{}))
	}
	h.metrics.Commands.WithLabelValues(string(cmd.CommandType()), result).Inc()
	return nil
}

func (h *Host) handlePublish(c publishCmd) {
	data, err := json.Marshal(c.event)
	if err != nil {
		slog.Error("Failed to marshal event", "host", h.name, "event_type", c.event.Type, "error", err)
		return
	}

	start := h.clock.Now()
	scope := "all"
	if !c.all {
		scope = string(c.room.Kind)
	}
	h.metrics.EventsPublished.WithLabelValues(string(c.event.Type), scope).Inc()

	delivered := 0
	for _, conn := range h.connections {
		if !c.all && !conn.inRoom(c.room) {
			continue
		}
		if h.deliver(conn, data) {
			delivered++
		}
	}

	h.metrics.Deliveries.WithLabelValues(h.name).Add(float64(delivered))
	h.metrics.FanoutDuration.Observe(h.clock.Since(start).Seconds())
	slog.Debug("Event published", "host", h.name, "event_type", c.event.Type, "room", c.room.String(),
		"all", c.all, "delivered", delivered)
}

// reply sends a connection-scoped event to conn only.
func (h *Host) reply(conn *connection, event domain.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("Failed to marshal reply", "host", h.name, "event_type", event.Type, "error", err)
		return
	}
	h.deliver(conn, data)
}

// deliver never blocks; a connection that cannot take data is skipped, not evicted.
func (h *Host) deliver(conn *connection, data []byte) bool {
	err := conn.writer.enqueue(data)
	switch {
	case err == nil:
		return true
	case errors.Is(err, errBufferFull):
		h.metrics.DeliveriesDropped.WithLabelValues("buffer_full").Inc()
		slog.Debug("Dropped delivery to slow connection", "host", h.name, "connection_id", conn.id)
	default:
		h.metrics.DeliveriesDropped.WithLabelValues("closed").Inc()
		slog.Debug("Dropped delivery to closed connection", "host", h.name, "connection_id", conn.id)
	}
	return false
}

func (h *Host) handleCount(room domain.Room) int {
	if room.IsZero() {
		return len(h.connections)
	}
	n := 0
	for _, conn := range h.connections {
		if conn.inRoom(room) {
			n++
		}
	}
	return n
}

func (h *Host) handleStats() Stats {
	lists := make(map[string]struct{})
	users := make(map[string]struct{})
	for _, conn := range h.connections {
		for id := range conn.lists {
			lists[id] = struct{}{}
		}
		for id := range conn.users {
			users[id] = struct{}{}
		}
	}
	return Stats{Name: h.name, Connections: len(h.connections), ListRooms: len(lists), UserRooms: len(users)}
}

func (h *Host) handleStop() {
	total := len(h.connections)
	slog.Info("Broadcast host shutting down", "host", h.name, "connections", total)

	for id, conn := range h.connections {
		conn.writer.stopGraceful(shutdownReason)
		h.metrics.ActiveConnections.WithLabelValues(h.name, conn.transport).Dec()
		delete(h.connections, id)
	}

	slog.Info("Broadcast host shutdown complete", "host", h.name, "disconnected", total)
}
