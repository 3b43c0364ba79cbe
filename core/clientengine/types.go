package clientengine

import (
	"context"
	"errors"
)

// ServiceName is the name client engine operations are dispatched under.
const ServiceName = "gojogrid:clientengine"

var (
	// ErrAuthenticationTeardown wraps failures to end an endpoint's
	// security session. Shutdown logs it and carries on.
	ErrAuthenticationTeardown = errors.New("clientengine: authentication teardown failed")
	// ErrRequestRateExceeded is returned when admission control rejects a
	// client message.
	ErrRequestRateExceeded = errors.New("clientengine: request rate exceeded")
	// ErrNotRunning is returned for client messages arriving before Init or
	// after Shutdown.
	ErrNotRunning = errors.New("clientengine: not running")
)

// ClientType is the language family a client declares when it
// authenticates.
type ClientType string

const (
	ClientTypeCPP    ClientType = "CPP"
	ClientTypeCSharp ClientType = "CSHARP"
	ClientTypeJava   ClientType = "JAVA"
	ClientTypeOther  ClientType = "OTHER"
)

// bucket folds any undeclared or unknown type into OTHER.
func (t ClientType) bucket() ClientType {
	switch t {
	case ClientTypeCPP, ClientTypeCSharp, ClientTypeJava:
		return t
	default:
		return ClientTypeOther
	}
}

// Connection is a client connection as seen by the engine.
type Connection interface {
	ID() string
	RemoteAddr() string
	IsAlive() bool
	Close() error
	IsClient() bool
}

// TCPConnection is a Connection backed by a direct socket. Bind records the
// resolved remote address on it.
type TCPConnection interface {
	Connection
	SetEndpoint(address string)
}

// ConnectionListener receives connection lifecycle events from the
// connection manager.
type ConnectionListener interface {
	ConnectionAdded(conn Connection)
	ConnectionRemoved(conn Connection)
}

// ClientMessage is a decoded client request. A negative PartitionID means
// the request has no partition affinity.
type ClientMessage interface {
	PartitionID() int32
	Run(ctx context.Context, conn Connection)
}

// LogoutHandler ends the security session of an endpoint.
type LogoutHandler interface {
	Logout(endpoint *ClientEndpoint) error
}

// ClientEventType distinguishes ClientEvents.
type ClientEventType int

const (
	ClientConnected ClientEventType = iota + 1
	ClientDisconnected
)

func (t ClientEventType) String() string {
	switch t {
	case ClientConnected:
		return "connected"
	case ClientDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ClientEvent is published when a client binds on, or is disconnected
// from, this member.
type ClientEvent struct {
	Type       ClientEventType
	ClientUUID string
	ClientType ClientType
	// MemberUUID is the member that published the event.
	MemberUUID string
}

// ClientListener receives ClientEvents. Events for one client are
// delivered in order.
type ClientListener interface {
	ClientEventReceived(event ClientEvent)
}
