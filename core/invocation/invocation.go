// Package invocation executes operations on a target member: locally when
// the target is this member, otherwise over a Transport. Requests carry the
// encoded operation; responses carry an error message or an encoded result.
package invocation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojogrid/core/cluster"
	"github.com/sushant-115/gojogrid/core/executor"
	"github.com/sushant-115/gojogrid/core/operation"
	"github.com/sushant-115/gojogrid/core/serialization"
)

var (
	ErrUnknownService = errors.New("invocation: unknown service")
	ErrShutdown       = errors.New("invocation: service is shut down")
)

// RemoteError reports a failed invocation on another member.
type RemoteError struct {
	Target string
	Err    error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("invocation on %s failed: %v", e.Target, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Transport carries an encoded request to the member at target and returns
// its encoded response.
type Transport interface {
	Invoke(ctx context.Context, target string, request []byte) ([]byte, error)
	Close() error
}

// Handler serves encoded requests arriving from other members.
type Handler interface {
	HandleRequest(ctx context.Context, request []byte) ([]byte, error)
}

// PartitionResolver resolves the member owning a partition.
type PartitionResolver interface {
	Owner(partitionID int32) (cluster.Member, error)
}

// Config configures the invocation service.
type Config struct {
	// SendTimeout bounds fire-and-forget sends. Defaults to 30s.
	SendTimeout time.Duration `yaml:"send_timeout"`
}

func (c *Config) setDefaults() {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
}

// Params are the collaborators of a Service. Partitions and
// PartitionExecutor are optional.
type Params struct {
	LocalAddress      string
	Registry          *serialization.Registry
	Transport         Transport
	Partitions        PartitionResolver
	PartitionExecutor *executor.PartitionExecutor
	Logger            *zap.Logger
}

// Service is the operation invocation service of one member.
type Service struct {
	config       Config
	localAddress string
	registry     *serialization.Registry
	transport    Transport
	partitions   PartitionResolver
	partitionExe *executor.PartitionExecutor
	logger       *zap.Logger

	mu       sync.RWMutex
	services map[string]any
	closed   bool
	sends    sync.WaitGroup
}

func NewService(config Config, params Params) *Service {
	config.setDefaults()
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		config:       config,
		localAddress: params.LocalAddress,
		registry:     params.Registry,
		transport:    params.Transport,
		partitions:   params.Partitions,
		partitionExe: params.PartitionExecutor,
		logger:       logger.Named("invocation").With(zap.String("local_address", params.LocalAddress)),
		services:     make(map[string]any),
	}
}

// SetPartitionResolver installs the resolver used by InvokeOnPartition.
func (s *Service) SetPartitionResolver(r PartitionResolver) {
	s.mu.Lock()
	s.partitions = r
	s.mu.Unlock()
}

// RegisterService makes svc the target of operations naming it.
func (s *Service) RegisterService(name string, svc any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[name] = svc
}

func (s *Service) service(name string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	return svc, nil
}

// LocalAddress is the address other members use to reach this one.
func (s *Service) LocalAddress() string { return s.localAddress }

// RunOnCallingThread runs op on the calling goroutine.
func (s *Service) RunOnCallingThread(ctx context.Context, op operation.Operation) (any, error) {
	svc, err := s.service(op.ServiceName())
	if err != nil {
		return nil, err
	}
	return op.Run(ctx, svc)
}

// runLocal runs op on its partition executor when it has one, otherwise on
// the calling goroutine.
func (s *Service) runLocal(ctx context.Context, op operation.Operation) (any, error) {
	if op.PartitionID() < 0 || s.partitionExe == nil {
		return s.RunOnCallingThread(ctx, op)
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	err := s.partitionExe.Execute(op.PartitionID(), func() {
		result, err := s.RunOnCallingThread(ctx, op)
		done <- outcome{result, err}
	})
	if err != nil {
		return nil, err
	}
	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send delivers op to target without waiting for the result. The operation
// is encoded before Send returns; failures are logged with the target.
func (s *Service) Send(op operation.Operation, target string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrShutdown
	}

	var request []byte
	if target != s.localAddress {
		var err error
		if request, err = serialization.Marshal(op); err != nil {
			return err
		}
	}

	s.sends.Add(1)
	go func() {
		defer s.sends.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.config.SendTimeout)
		defer cancel()

		var err error
		if request == nil {
			_, err = s.runLocal(ctx, op)
		} else {
			_, err = s.invokeRemote(ctx, target, request)
		}
		if err != nil {
			s.logger.Warn("Send failed",
				zap.String("target", target),
				zap.String("service", op.ServiceName()),
				zap.String("operation", fmt.Sprintf("%T", op)),
				zap.Error(err))
		}
	}()
	return nil
}

// InvokeOnTarget runs op on the member at target and returns a Future for
// its result.
func (s *Service) InvokeOnTarget(ctx context.Context, serviceName string, op operation.Operation, target string) *Future {
	f := newFuture()
	if serviceName != op.ServiceName() {
		f.complete(nil, fmt.Errorf("%w: %q does not serve %T", ErrUnknownService, serviceName, op))
		return f
	}

	if target == s.localAddress {
		go func() { f.complete(s.runLocal(ctx, op)) }()
		return f
	}

	request, err := serialization.Marshal(op)
	if err != nil {
		f.complete(nil, err)
		return f
	}
	go func() { f.complete(s.invokeRemote(ctx, target, request)) }()
	return f
}

// InvokeOnPartition runs op on the current owner of its partition.
func (s *Service) InvokeOnPartition(ctx context.Context, op operation.Operation) *Future {
	s.mu.RLock()
	partitions := s.partitions
	s.mu.RUnlock()
	if partitions == nil {
		f := newFuture()
		f.complete(nil, errors.New("invocation: no partition resolver"))
		return f
	}
	owner, err := partitions.Owner(op.PartitionID())
	if err != nil {
		f := newFuture()
		f.complete(nil, fmt.Errorf("resolving owner of partition %d: %w", op.PartitionID(), err))
		return f
	}
	return s.InvokeOnTarget(ctx, op.ServiceName(), op, owner.Address)
}

func (s *Service) invokeRemote(ctx context.Context, target string, request []byte) (any, error) {
	if s.transport == nil {
		return nil, &RemoteError{Target: target, Err: errors.New("no transport")}
	}
	response, err := s.transport.Invoke(ctx, target, request)
	if err != nil {
		return nil, &RemoteError{Target: target, Err: err}
	}
	result, err := decodeResponse(s.registry, response)
	if err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) {
			remote.Target = target
			return nil, remote
		}
		return nil, &RemoteError{Target: target, Err: err}
	}
	return result, nil
}

// HandleRequest decodes and runs an operation sent by another member.
func (s *Service) HandleRequest(ctx context.Context, request []byte) ([]byte, error) {
	obj, err := serialization.Unmarshal(s.registry, request)
	if err != nil {
		return encodeResponse(nil, err)
	}
	op, ok := obj.(operation.Operation)
	if !ok {
		return encodeResponse(nil, fmt.Errorf("%w: %T is not an operation", serialization.ErrSerialization, obj))
	}
	result, err := s.runLocal(ctx, op)
	return encodeResponse(result, err)
}

// Shutdown waits for in-flight sends and closes the transport.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.sends.Wait()
	if s.transport != nil {
		return s.transport.Close()
	}
	return nil
}

func encodeResponse(result any, runErr error) ([]byte, error) {
	out := serialization.NewDataOutput()
	if runErr != nil {
		out.WriteString(runErr.Error())
		if err := out.WriteObject(nil); err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	}

	out.WriteString("")
	var obj serialization.DataSerializable
	if result != nil {
		var ok bool
		if obj, ok = result.(serialization.DataSerializable); !ok {
			return nil, fmt.Errorf("%w: result %T is not serializable", serialization.ErrSerialization, result)
		}
	}
	if err := out.WriteObject(obj); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func decodeResponse(registry *serialization.Registry, response []byte) (any, error) {
	in := serialization.NewDataInput(registry, response)
	msg, err := in.ReadString()
	if err != nil {
		return nil, err
	}
	obj, err := in.ReadObject()
	if err != nil {
		return nil, err
	}
	if msg != "" {
		return nil, &RemoteError{Err: errors.New(msg)}
	}
	if obj == nil {
		return nil, nil
	}
	return obj, nil
}
