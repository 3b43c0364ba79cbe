// Package clientengine tracks the clients connected to a member and which
// member owns each client session, and keeps that ownership consistent as
// members join, leave or crash.
package clientengine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojogrid/core/cluster"
	"github.com/sushant-115/gojogrid/core/executor"
	"github.com/sushant-115/gojogrid/core/invocation"
	"github.com/sushant-115/gojogrid/core/operation"
	"github.com/sushant-115/gojogrid/core/scheduler"
	internaltelemetry "github.com/sushant-115/gojogrid/internal/telemetry"
)

// Invoker is the part of the invocation service the engine uses.
type Invoker interface {
	Send(op operation.Operation, target string) error
	InvokeOnTarget(ctx context.Context, serviceName string, op operation.Operation, target string) *invocation.Future
	RunOnCallingThread(ctx context.Context, op operation.Operation) (any, error)
}

// EventPublisher delivers callbacks in order per key.
type EventPublisher interface {
	Publish(orderKey string, deliver func()) error
}

// Params are the collaborators of an Engine. Logout, Metrics and Tracer are
// optional.
type Params struct {
	Cluster           cluster.Service
	Invoker           Invoker
	Scheduler         scheduler.Scheduler
	Events            EventPublisher
	PartitionExecutor *executor.PartitionExecutor
	Logout            LogoutHandler
	Metrics           *internaltelemetry.ClientEngineMetrics
	Tracer            trace.Tracer
	Logger            *zap.Logger
}

// Engine is the client engine of one member.
type Engine struct {
	config     Config
	cluster    cluster.Service
	invoker    Invoker
	scheduler  scheduler.Scheduler
	events     EventPublisher
	partitions *executor.PartitionExecutor
	pool       *executor.WorkerPool
	logout     LogoutHandler
	metrics    *internaltelemetry.ClientEngineMetrics
	tracer     trace.Tracer
	limiter    *rate.Limiter
	logger     *zap.Logger

	registry  EndpointRegistry
	ownership OwnershipMap
	epochs    *memberEpochs

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	listenersMu sync.RWMutex
	listeners   []ClientListener
}

func NewEngine(config Config, params Params) *Engine {
	config.setDefaults()
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("clientengine").With(zap.String("member_uuid", params.Cluster.LocalMember().UUID))
	tracer := params.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("")
	}

	e := &Engine{
		config:     config,
		cluster:    params.Cluster,
		invoker:    params.Invoker,
		scheduler:  params.Scheduler,
		events:     params.Events,
		partitions: params.PartitionExecutor,
		pool:       executor.NewWorkerPool("client", config.Pool, logger),
		logout:     params.Logout,
		metrics:    params.Metrics,
		tracer:     tracer,
		logger:     logger,
		epochs:     newMemberEpochs(),
	}
	if config.MaxRequestsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(config.MaxRequestsPerSecond), config.RequestBurst)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Init starts the engine. Client messages are rejected before Init.
func (e *Engine) Init() {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	if e.config.HeartbeatTimeout > 0 {
		e.wg.Add(1)
		go e.monitorHeartbeats()
	}
	e.logger.Info("Client engine started",
		zap.Duration("endpoint_remove_delay", e.config.EndpointRemoveDelay),
		zap.Duration("heartbeat_timeout", e.config.HeartbeatTimeout))
}

// Reset forgets ownership mappings learned from the cluster. Bound
// endpoints stay; their mappings are re-added on the next bind or post-join
// transfer.
func (e *Engine) Reset() {
	e.ownership.Clear()
	e.logger.Info("Client ownership mappings reset")
}

// Shutdown tears down every session on this member. Failures of individual
// endpoints are logged and never stop the teardown of the others.
func (e *Engine) Shutdown() {
	e.running.Store(false)
	e.cancel()
	e.wg.Wait()

	for _, endpoint := range e.registry.Endpoints() {
		if err := endpoint.Destroy(context.Background(), e.logout); err != nil {
			e.logger.Debug("Endpoint teardown failed during shutdown",
				zap.String("client_uuid", endpoint.UUID), zap.Error(err))
		}
		e.closeConnection(endpoint.Connection)
		if e.metrics != nil {
			e.metrics.BoundEndpoints.Add(context.Background(), -1)
		}
	}
	e.registry.Clear()
	e.ownership.Clear()
	e.pool.Shutdown()
	e.logger.Info("Client engine stopped")
}

func (e *Engine) closeConnection(conn Connection) {
	if conn == nil || !conn.IsAlive() {
		return
	}
	if err := conn.Close(); err != nil {
		e.logger.Debug("Closing client connection failed",
			zap.String("connection_id", conn.ID()), zap.Error(err))
	}
}

// AddClientListener registers l for ClientEvents.
func (e *Engine) AddClientListener(l ClientListener) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.listeners = append(e.listeners, l)
}

func (e *Engine) publish(event ClientEvent) {
	if e.events == nil {
		return
	}
	e.listenersMu.RLock()
	listeners := append([]ClientListener(nil), e.listeners...)
	e.listenersMu.RUnlock()
	if len(listeners) == 0 {
		return
	}
	err := e.events.Publish(event.ClientUUID, func() {
		for _, l := range listeners {
			l.ClientEventReceived(event)
		}
	})
	if err != nil {
		e.logger.Debug("Client event dropped",
			zap.Stringer("type", event.Type),
			zap.String("client_uuid", event.ClientUUID),
			zap.Error(err))
	}
}

// LocalMemberUUID is the uuid of the member this engine runs on.
func (e *Engine) LocalMemberUUID() string { return e.cluster.LocalMember().UUID }

func (e *Engine) isMember(uuid string) bool {
	_, ok := e.cluster.Member(uuid)
	return ok
}

// Bind registers an authenticated endpoint. On the client's first
// connection this member becomes the owner unless a live member already
// owns the client, and the other members are told. A connection that is
// already bound is left as it is.
func (e *Engine) Bind(endpoint *ClientEndpoint) {
	conn := endpoint.Connection
	if _, ok := e.registry.Endpoint(conn); ok {
		e.logger.Debug("Connection already bound",
			zap.String("client_uuid", endpoint.UUID),
			zap.String("connection_id", conn.ID()))
		return
	}
	if tcp, ok := conn.(TCPConnection); ok {
		tcp.SetEndpoint(conn.RemoteAddr())
	}
	if endpoint.RemoteAddress == "" {
		endpoint.RemoteAddress = conn.RemoteAddr()
	}

	local := e.LocalMemberUUID()
	claimed := false
	if endpoint.FirstConnection {
		if endpoint.Principal.OwnerUUID == "" {
			endpoint.Principal.OwnerUUID = local
		}
		owner := e.ownership.claimOwner(endpoint.UUID, endpoint.Principal.OwnerUUID, e.isMember)
		claimed = owner == endpoint.Principal.OwnerUUID
		// The session follows the owner in effect, not the one requested.
		endpoint.Principal.OwnerUUID = owner
	}
	endpoint.markBound(time.Now())

	if !e.registry.Register(endpoint) {
		e.logger.Debug("Connection already bound",
			zap.String("client_uuid", endpoint.UUID),
			zap.String("connection_id", conn.ID()))
		return
	}
	if e.metrics != nil {
		e.metrics.BoundEndpoints.Add(e.ctx, 1)
	}
	if claimed {
		e.announceOwnership(endpoint.UUID, endpoint.Principal.OwnerUUID)
	}

	e.logger.Debug("Client bound",
		zap.String("client_uuid", endpoint.UUID),
		zap.String("connection_id", conn.ID()),
		zap.String("remote_address", endpoint.RemoteAddress),
		zap.String("client_type", string(endpoint.ClientType)),
		zap.String("owner_uuid", endpoint.Principal.OwnerUUID),
		zap.Bool("first_connection", endpoint.FirstConnection))
	e.publish(ClientEvent{
		Type:       ClientConnected,
		ClientUUID: endpoint.UUID,
		ClientType: endpoint.ClientType,
		MemberUUID: local,
	})
}

func (e *Engine) announceOwnership(clientUUID, owner string) {
	local := e.cluster.LocalMember()
	for _, m := range e.cluster.Members() {
		if m.UUID == local.UUID {
			continue
		}
		if err := e.invoker.Send(NewClientOwnershipOperation(clientUUID, owner), m.Address); err != nil {
			e.logger.Warn("Failed to announce client ownership",
				zap.String("client_uuid", clientUUID),
				zap.String("target", m.Address),
				zap.Error(err))
		}
	}
}

// Clients returns the endpoints bound on this member.
func (e *Engine) Clients() []*ClientEndpoint { return e.registry.Endpoints() }

// ClientEndpointCount is the number of endpoints bound on this member.
func (e *Engine) ClientEndpointCount() int { return e.registry.Size() }

// Endpoints exposes the endpoint registry.
func (e *Engine) Endpoints() *EndpointRegistry { return &e.registry }

// Ownership exposes the ownership map.
func (e *Engine) Ownership() *OwnershipMap { return &e.ownership }

func (e *Engine) localClientTypes() map[string]ClientType {
	out := make(map[string]ClientType)
	for _, endpoint := range e.registry.Endpoints() {
		out[endpoint.UUID] = endpoint.ClientType
	}
	return out
}

// HandleClientMessage runs msg on the worker pool, or on the executor of
// its partition when it declares one.
func (e *Engine) HandleClientMessage(msg ClientMessage, conn Connection) error {
	if !e.running.Load() {
		return ErrNotRunning
	}
	if e.limiter != nil && !e.limiter.Allow() {
		e.countRejected("rate_limited")
		return ErrRequestRateExceeded
	}
	if endpoint, ok := e.registry.Endpoint(conn); ok {
		endpoint.touch(time.Now())
	}

	task := func() { msg.Run(e.ctx, conn) }
	var err error
	if msg.PartitionID() < 0 || e.partitions == nil {
		err = e.pool.Submit(task)
	} else {
		err = e.partitions.Execute(msg.PartitionID(), task)
	}
	if err != nil {
		e.countRejected("queue_full")
	}
	return err
}

func (e *Engine) countRejected(reason string) {
	if e.metrics != nil {
		e.metrics.RejectedClientRequests.Add(e.ctx, 1, reasonAttr(reason))
	}
}

// ConnectionAdded is a no-op: endpoints are created when the client
// authenticates, not when the socket opens.
func (e *Engine) ConnectionAdded(Connection) {}

// ConnectionRemoved reacts to a closed client connection. When it was the
// client's first connection and this member owns the client, every member
// is told the client is gone. Any other endpoint is only dropped locally.
func (e *Engine) ConnectionRemoved(conn Connection) {
	if !conn.IsClient() || !e.running.Load() {
		return
	}
	endpoint, ok := e.registry.Endpoint(conn)
	if !ok {
		return
	}

	local := e.LocalMemberUUID()
	if endpoint.FirstConnection && endpoint.Principal.OwnerUUID == local {
		e.broadcastDisconnection(endpoint.UUID, local)
	}

	// Still bound when the broadcast skipped it, e.g. after the client
	// moved to another owner.
	if removed, ok := e.registry.Remove(conn); ok {
		e.destroyEndpoints(e.ctx, []*ClientEndpoint{removed})
	}
}

// broadcastDisconnection runs ClientDisconnectionOperation on this member
// on the calling goroutine and sends it to every other member.
func (e *Engine) broadcastDisconnection(clientUUID, owner string) {
	local := e.cluster.LocalMember()
	if _, err := e.invoker.RunOnCallingThread(e.ctx, NewClientDisconnectionOperation(clientUUID, owner)); err != nil {
		e.logger.Warn("Local client disconnection failed",
			zap.String("client_uuid", clientUUID), zap.Error(err))
	}
	for _, m := range e.cluster.Members() {
		if m.UUID == local.UUID {
			continue
		}
		if err := e.invoker.Send(NewClientDisconnectionOperation(clientUUID, owner), m.Address); err != nil {
			e.logger.Warn("Failed to send client disconnection",
				zap.String("client_uuid", clientUUID),
				zap.String("target", m.Address),
				zap.Error(err))
		}
	}
	if e.metrics != nil {
		e.metrics.DisconnectionsSent.Add(e.ctx, 1)
	}
}

// handleClientDisconnected removes the client's mapping and endpoints on
// this member. Repeating it for a client that is already gone changes
// nothing and publishes nothing. The Disconnected event is published by
// one member only, see publishesDisconnection.
func (e *Engine) handleClientDisconnected(ctx context.Context, clientUUID, expectedOwner string) {
	removedMapping := false
	if owner, ok := e.ownership.Owner(clientUUID); ok {
		if expectedOwner != "" && owner != expectedOwner {
			e.logger.Debug("Ignoring disconnection for client owned elsewhere",
				zap.String("client_uuid", clientUUID),
				zap.String("owner", owner),
				zap.String("expected_owner", expectedOwner))
			return
		}
		removedMapping = e.ownership.RemoveIf(clientUUID, owner)
	}

	endpoints := e.registry.RemoveClient(clientUUID)
	e.destroyEndpoints(ctx, endpoints)

	if !removedMapping && len(endpoints) == 0 {
		return
	}
	e.logger.Info("Client disconnected",
		zap.String("client_uuid", clientUUID),
		zap.Int("endpoints", len(endpoints)))
	if !e.publishesDisconnection(expectedOwner) {
		return
	}
	clientType := ClientType("")
	if len(endpoints) > 0 {
		clientType = endpoints[0].ClientType
	}
	e.publish(ClientEvent{
		Type:       ClientDisconnected,
		ClientUUID: clientUUID,
		ClientType: clientType,
		MemberUUID: e.LocalMemberUUID(),
	})
}

// publishesDisconnection picks the single member that reports a client
// disconnection: the owner while it is still a member, otherwise the
// member with the lowest uuid.
func (e *Engine) publishesDisconnection(owner string) bool {
	local := e.LocalMemberUUID()
	if owner == "" || owner == local {
		return true
	}
	if e.isMember(owner) {
		return false
	}
	for _, m := range e.cluster.Members() {
		if m.UUID < local {
			return false
		}
	}
	return true
}

// destroyEndpoints ends the sessions of endpoints already removed from the
// registry and closes their live connections.
func (e *Engine) destroyEndpoints(ctx context.Context, endpoints []*ClientEndpoint) {
	for _, endpoint := range endpoints {
		if err := endpoint.Destroy(ctx, e.logout); err != nil {
			e.logger.Warn("Endpoint teardown failed",
				zap.String("client_uuid", endpoint.UUID), zap.Error(err))
		}
		e.closeConnection(endpoint.Connection)
		if e.metrics != nil {
			e.metrics.BoundEndpoints.Add(ctx, -1)
		}
	}
}
