package clientengine

import (
	"errors"

	"go.uber.org/zap"

	"github.com/sushant-115/gojogrid/core/cluster"
	"github.com/sushant-115/gojogrid/core/scheduler"
)

// MemberAdded advances the member's epoch so that a removal task scheduled
// for an earlier incarnation of the same uuid does nothing.
func (e *Engine) MemberAdded(event cluster.MembershipEvent) {
	e.epochs.advance(event.Member.UUID)
}

// MemberRemoved schedules the teardown of the sessions the departed member
// owned. The delay gives those clients time to reconnect to another member
// and take over ownership.
func (e *Engine) MemberRemoved(event cluster.MembershipEvent) {
	dead := event.Member.UUID
	if dead == e.LocalMemberUUID() {
		return
	}
	task := &destroyEndpointTask{
		engine: e,
		member: dead,
		epoch:  e.epochs.advance(dead),
	}
	if err := e.scheduler.Schedule(e.config.EndpointRemoveDelay, task); err != nil {
		if errors.Is(err, scheduler.ErrRejected) {
			e.logger.Debug("Endpoint removal not scheduled; scheduler stopped",
				zap.String("member_uuid", dead))
			return
		}
		e.logger.Warn("Failed to schedule endpoint removal",
			zap.String("member_uuid", dead), zap.Error(err))
		return
	}
	if e.metrics != nil {
		e.metrics.ScheduledRemovals.Add(e.ctx, 1)
	}
	e.logger.Info("Scheduled removal of endpoints owned by departed member",
		zap.String("member_uuid", dead),
		zap.Duration("delay", e.config.EndpointRemoveDelay))
}

func (e *Engine) MemberAttributeChanged(cluster.MemberAttributeEvent) {}

// destroyEndpointTask removes the endpoints and ownership mappings of a
// member that left the cluster.
type destroyEndpointTask struct {
	engine *Engine
	member string
	epoch  uint64
}

func (t *destroyEndpointTask) Run() {
	e := t.engine
	if current := e.epochs.current(t.member); current != t.epoch {
		e.logger.Debug("Skipping endpoint removal; member rejoined",
			zap.String("member_uuid", t.member),
			zap.Uint64("scheduled_epoch", t.epoch),
			zap.Uint64("current_epoch", current))
		return
	}
	if !e.running.Load() {
		return
	}

	ctx := e.ctx
	endpoints := e.registry.RemoveEndpoints(t.member)
	e.destroyEndpoints(ctx, endpoints)

	clients := e.ownership.OwnedBy(t.member)
	for _, client := range clients {
		if _, err := e.invoker.RunOnCallingThread(ctx, NewClientDisconnectionOperation(client, t.member)); err != nil {
			e.logger.Warn("Client disconnection after member loss failed",
				zap.String("client_uuid", client),
				zap.String("member_uuid", t.member),
				zap.Error(err))
		}
	}
	e.logger.Info("Removed sessions owned by departed member",
		zap.String("member_uuid", t.member),
		zap.Int("endpoints", len(endpoints)),
		zap.Int("clients", len(clients)))
}

// mergeOwnership applies mappings received from another member.
func (e *Engine) mergeOwnership(mappings map[string]string) {
	for client, owner := range mappings {
		e.ownership.mergeOwner(client, owner, e.isMember, e.logger)
	}
}

// PostJoinOperation returns the operation that hands this member's
// ownership mappings to a joining member, or nil when there are none.
func (e *Engine) PostJoinOperation() *PostJoinOperation {
	mappings := e.ownership.Snapshot()
	if len(mappings) == 0 {
		return nil
	}
	return &PostJoinOperation{engineOp: newEngineOp(), Mappings: mappings}
}

// SendPostJoin sends PostJoinOperation to a member that just joined.
func (e *Engine) SendPostJoin(target cluster.Member) {
	op := e.PostJoinOperation()
	if op == nil {
		return
	}
	if err := e.invoker.Send(op, target.Address); err != nil {
		e.logger.Warn("Failed to send ownership mappings to joining member",
			zap.String("target", target.Address), zap.Error(err))
		return
	}
	e.logger.Debug("Sent ownership mappings to joining member",
		zap.String("target", target.Address),
		zap.Int("mappings", len(op.Mappings)))
}
