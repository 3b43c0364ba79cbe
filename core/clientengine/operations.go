package clientengine

import (
	"context"
	"fmt"
	"sort"

	"github.com/sushant-115/gojogrid/core/operation"
	"github.com/sushant-115/gojogrid/core/serialization"
)

const (
	ClientDisconnectionTypeID serialization.TypeID = 201
	ClientOwnershipTypeID     serialization.TypeID = 202
	PostJoinTypeID            serialization.TypeID = 203
	GetConnectedClientsTypeID serialization.TypeID = 204
	ConnectedClientsTypeID    serialization.TypeID = 205
	ClientStatsTypeID         serialization.TypeID = 206
	ClientStatsResponseTypeID serialization.TypeID = 207
)

// RegisterTypes registers every client engine type with r.
func RegisterTypes(r *serialization.Registry) error {
	factories := map[serialization.TypeID]serialization.Factory{
		ClientDisconnectionTypeID: func() serialization.DataSerializable { return &ClientDisconnectionOperation{} },
		ClientOwnershipTypeID:     func() serialization.DataSerializable { return &ClientOwnershipOperation{} },
		PostJoinTypeID:            func() serialization.DataSerializable { return &PostJoinOperation{} },
		GetConnectedClientsTypeID: func() serialization.DataSerializable { return &GetConnectedClientsOperation{} },
		ConnectedClientsTypeID:    func() serialization.DataSerializable { return &ConnectedClients{} },
		ClientStatsTypeID:         func() serialization.DataSerializable { return &ClientStatsOperation{} },
		ClientStatsResponseTypeID: func() serialization.DataSerializable { return &ClientStats{} },
	}
	for id, f := range factories {
		if err := r.Register(id, f); err != nil {
			return err
		}
	}
	return nil
}

func asEngine(service any) (*Engine, error) {
	e, ok := service.(*Engine)
	if !ok {
		return nil, fmt.Errorf("client engine operation dispatched to %T", service)
	}
	return e, nil
}

// engineOp is embedded by every client engine operation.
type engineOp struct {
	operation.Base
}

func newEngineOp() engineOp { return engineOp{Base: operation.NewBase()} }

func (engineOp) ServiceName() string { return ServiceName }

// ClientDisconnectionOperation tells a member that a client is gone: its
// ownership mapping and local endpoints are removed. When ExpectedOwner is
// set, a mapping that has meanwhile moved to another owner is left alone.
type ClientDisconnectionOperation struct {
	engineOp
	ClientUUID    string
	ExpectedOwner string
}

func NewClientDisconnectionOperation(clientUUID, expectedOwner string) *ClientDisconnectionOperation {
	return &ClientDisconnectionOperation{engineOp: newEngineOp(), ClientUUID: clientUUID, ExpectedOwner: expectedOwner}
}

func (o *ClientDisconnectionOperation) TypeID() serialization.TypeID {
	return ClientDisconnectionTypeID
}

func (o *ClientDisconnectionOperation) WriteData(out *serialization.DataOutput) error {
	out.WriteString(o.ClientUUID)
	out.WriteString(o.ExpectedOwner)
	return nil
}

func (o *ClientDisconnectionOperation) ReadData(in *serialization.DataInput) error {
	o.Base = operation.NewBase()
	var err error
	if o.ClientUUID, err = in.ReadString(); err != nil {
		return err
	}
	o.ExpectedOwner, err = in.ReadString()
	return err
}

func (o *ClientDisconnectionOperation) Run(ctx context.Context, service any) (any, error) {
	e, err := asEngine(service)
	if err != nil {
		return nil, err
	}
	e.handleClientDisconnected(ctx, o.ClientUUID, o.ExpectedOwner)
	return nil, nil
}

// ClientOwnershipOperation announces the owner of a newly bound client to
// the other members.
type ClientOwnershipOperation struct {
	engineOp
	ClientUUID string
	OwnerUUID  string
}

func NewClientOwnershipOperation(clientUUID, ownerUUID string) *ClientOwnershipOperation {
	return &ClientOwnershipOperation{engineOp: newEngineOp(), ClientUUID: clientUUID, OwnerUUID: ownerUUID}
}

func (o *ClientOwnershipOperation) TypeID() serialization.TypeID { return ClientOwnershipTypeID }

func (o *ClientOwnershipOperation) WriteData(out *serialization.DataOutput) error {
	out.WriteString(o.ClientUUID)
	out.WriteString(o.OwnerUUID)
	return nil
}

func (o *ClientOwnershipOperation) ReadData(in *serialization.DataInput) error {
	o.Base = operation.NewBase()
	var err error
	if o.ClientUUID, err = in.ReadString(); err != nil {
		return err
	}
	o.OwnerUUID, err = in.ReadString()
	return err
}

func (o *ClientOwnershipOperation) Run(_ context.Context, service any) (any, error) {
	e, err := asEngine(service)
	if err != nil {
		return nil, err
	}
	e.mergeOwnership(map[string]string{o.ClientUUID: o.OwnerUUID})
	return nil, nil
}

// PostJoinOperation carries a member's ownership mappings to a member that
// just joined.
type PostJoinOperation struct {
	engineOp
	Mappings map[string]string
}

func (o *PostJoinOperation) TypeID() serialization.TypeID { return PostJoinTypeID }

func (o *PostJoinOperation) WriteData(out *serialization.DataOutput) error {
	out.WriteStringMap(o.Mappings)
	return nil
}

func (o *PostJoinOperation) ReadData(in *serialization.DataInput) error {
	o.Base = operation.NewBase()
	var err error
	o.Mappings, err = in.ReadStringMap()
	return err
}

func (o *PostJoinOperation) Run(_ context.Context, service any) (any, error) {
	e, err := asEngine(service)
	if err != nil {
		return nil, err
	}
	e.mergeOwnership(o.Mappings)
	return nil, nil
}

// GetConnectedClientsOperation lists the clients bound on the target
// member.
type GetConnectedClientsOperation struct {
	engineOp
}

func NewGetConnectedClientsOperation() *GetConnectedClientsOperation {
	return &GetConnectedClientsOperation{engineOp: newEngineOp()}
}

func (o *GetConnectedClientsOperation) TypeID() serialization.TypeID {
	return GetConnectedClientsTypeID
}

func (o *GetConnectedClientsOperation) WriteData(*serialization.DataOutput) error { return nil }

func (o *GetConnectedClientsOperation) ReadData(*serialization.DataInput) error {
	o.Base = operation.NewBase()
	return nil
}

func (o *GetConnectedClientsOperation) Run(_ context.Context, service any) (any, error) {
	e, err := asEngine(service)
	if err != nil {
		return nil, err
	}
	return &ConnectedClients{Clients: e.localClientTypes()}, nil
}

// ConnectedClients maps client uuid to declared client type.
type ConnectedClients struct {
	Clients map[string]ClientType
}

func (c *ConnectedClients) TypeID() serialization.TypeID { return ConnectedClientsTypeID }

func (c *ConnectedClients) WriteData(out *serialization.DataOutput) error {
	m := make(map[string]string, len(c.Clients))
	for uuid, t := range c.Clients {
		m[uuid] = string(t)
	}
	out.WriteStringMap(m)
	return nil
}

func (c *ConnectedClients) ReadData(in *serialization.DataInput) error {
	m, err := in.ReadStringMap()
	if err != nil {
		return err
	}
	c.Clients = make(map[string]ClientType, len(m))
	for uuid, t := range m {
		c.Clients[uuid] = ClientType(t)
	}
	return nil
}

// ClientStatsOperation runs the cluster-wide stats fan-out on the target
// member. The admin CLI uses it.
type ClientStatsOperation struct {
	engineOp
}

func NewClientStatsOperation() *ClientStatsOperation {
	return &ClientStatsOperation{engineOp: newEngineOp()}
}

func (o *ClientStatsOperation) TypeID() serialization.TypeID { return ClientStatsTypeID }

func (o *ClientStatsOperation) WriteData(*serialization.DataOutput) error { return nil }

func (o *ClientStatsOperation) ReadData(*serialization.DataInput) error {
	o.Base = operation.NewBase()
	return nil
}

func (o *ClientStatsOperation) Run(ctx context.Context, service any) (any, error) {
	e, err := asEngine(service)
	if err != nil {
		return nil, err
	}
	return &ClientStats{Counts: e.ConnectedClientStats(ctx)}, nil
}

// ClientStats is the per-type client count.
type ClientStats struct {
	Counts map[ClientType]int
}

func (s *ClientStats) TypeID() serialization.TypeID { return ClientStatsResponseTypeID }

func (s *ClientStats) WriteData(out *serialization.DataOutput) error {
	types := make([]string, 0, len(s.Counts))
	for t := range s.Counts {
		types = append(types, string(t))
	}
	sort.Strings(types)
	out.WriteInt32(int32(len(types)))
	for _, t := range types {
		out.WriteString(t)
		out.WriteInt64(int64(s.Counts[ClientType(t)]))
	}
	return nil
}

func (s *ClientStats) ReadData(in *serialization.DataInput) error {
	n, err := in.ReadInt32()
	if err != nil {
		return err
	}
	if n < 0 || int(n) > in.Remaining() {
		return fmt.Errorf("%w: client stats length %d", serialization.ErrSerialization, n)
	}
	s.Counts = make(map[ClientType]int, n)
	for i := int32(0); i < n; i++ {
		t, err := in.ReadString()
		if err != nil {
			return err
		}
		c, err := in.ReadInt64()
		if err != nil {
			return err
		}
		s.Counts[ClientType(t)] = int(c)
	}
	return nil
}
