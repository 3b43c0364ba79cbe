// Package grpctransport carries invocation requests between members over
// gRPC. The service is described by hand because requests and responses are
// opaque frames produced by the serialization package.
package grpctransport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/gojogrid/core/invocation"
	internaltelemetry "github.com/sushant-115/gojogrid/internal/telemetry"
	"github.com/sushant-115/gojogrid/pkg/connection"
)

const (
	serviceName  = "gojogrid.cluster.v1.Operations"
	invokeMethod = "/" + serviceName + "/Invoke"
)

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*invocation.Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gojogrid/cluster/v1/operations",
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(frame)
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req any) (any, error) {
		resp, err := srv.(invocation.Handler).HandleRequest(ctx, req.(*frame).Payload)
		if err != nil {
			return nil, err
		}
		return &frame{Payload: resp}, nil
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: invokeMethod}
	return interceptor(ctx, in, info, handle)
}

// Server exposes an invocation.Handler to other members.
type Server struct {
	grpcServer *grpc.Server
	logger     *zap.Logger
}

// NewServer creates a server for handler. tlsConfig and metrics may be nil.
func NewServer(handler invocation.Handler, tlsConfig *tls.Config, metrics *internaltelemetry.TransportMetrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("grpctransport")
	opts := []grpc.ServerOption{grpc.ForceServerCodec(frameCodec{})}
	if tlsConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}
	if metrics != nil {
		opts = append(opts, grpc.UnaryInterceptor(metricsInterceptor(metrics)))
	}
	s := &Server{grpcServer: grpc.NewServer(opts...), logger: logger}
	s.grpcServer.RegisterService(&serviceDesc, handler)
	return s
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Member transport listening", zap.String("address", lis.Addr().String()))
	return s.grpcServer.Serve(lis)
}

// Stop drains in-flight requests and stops the server.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

func metricsInterceptor(m *internaltelemetry.TransportMetrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		attrs := metric.WithAttributes(attribute.String("rpc.method", info.FullMethod))
		m.RpcsStartedCounter.Add(ctx, 1, attrs)
		m.ActiveRpcsUpDownCounter.Add(ctx, 1, attrs)
		start := time.Now()

		resp, err := handler(ctx, req)

		m.ActiveRpcsUpDownCounter.Add(ctx, -1, attrs)
		m.RpcLatencyHistogram.Record(ctx, time.Since(start).Milliseconds(), attrs)
		m.RpcsHandledCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("rpc.method", info.FullMethod),
			attribute.String("rpc.grpc.status_code", status.Code(err).String()),
		))
		return resp, err
	}
}

// Transport is the client side, implementing invocation.Transport.
type Transport struct {
	conns *connection.Manager
}

// NewTransport dials members through a shared connection manager.
// tlsConfig may be nil for plaintext.
func NewTransport(tlsConfig *tls.Config, logger *zap.Logger) *Transport {
	return &Transport{
		conns: connection.NewManager(tlsConfig, logger,
			grpc.WithDefaultCallOptions(grpc.ForceCodec(frameCodec{}))),
	}
}

func (t *Transport) Invoke(ctx context.Context, target string, request []byte) ([]byte, error) {
	conn, err := t.conns.Get(target)
	if err != nil {
		return nil, err
	}
	out := new(frame)
	if err := conn.Invoke(ctx, invokeMethod, &frame{Payload: request}, out); err != nil {
		return nil, err
	}
	return out.Payload, nil
}

// Forget drops the cached connection to a member that left.
func (t *Transport) Forget(target string) {
	t.conns.Remove(target)
}

func (t *Transport) Close() error {
	return t.conns.Close()
}
