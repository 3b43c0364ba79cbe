package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojogrid/config"
	"github.com/sushant-115/gojogrid/config/certs"
	"github.com/sushant-115/gojogrid/core/cluster"
	"github.com/sushant-115/gojogrid/core/cluster/raftmembership"
	"github.com/sushant-115/gojogrid/core/invocation/grpctransport"
	"github.com/sushant-115/gojogrid/core/node"
	internaltelemetry "github.com/sushant-115/gojogrid/internal/telemetry"
	"github.com/sushant-115/gojogrid/pkg/logger"
	"github.com/sushant-115/gojogrid/pkg/telemetry"
)

const (
	leaderWaitTimeout   = 30 * time.Second
	joinRetryDelay      = 2 * time.Second
	joinAttempts        = 10
	httpShutdownTimeout = 5 * time.Second
	certValidity        = 365 * 24 * time.Hour
)

var (
	configPath = flag.String("config", "", "Path to the YAML config file")
	nodeID     = flag.String("node-id", "", "Member uuid, overrides node.uuid")
	bootstrap  = flag.Bool("bootstrap", false, "Bootstrap the raft membership cluster (first member only)")
	joinAddr   = flag.String("join", "", "Admin HTTP address of the raft leader to join through")
	genCerts   = flag.String("gen-certs", "", "Write a CA and member certificates into this directory and exit")
	certHosts  = flag.String("cert-hosts", "", "Comma-separated extra hosts for the generated server certificate")
)

func main() {
	flag.Parse()

	if *genCerts != "" {
		var hosts []string
		if *certHosts != "" {
			hosts = strings.Split(*certHosts, ",")
		}
		if err := certs.Generate(*genCerts, certValidity, hosts...); err != nil {
			log.Fatalf("CRITICAL: Failed to generate certificates: %v", err)
		}
		log.Printf("Certificates written to %s", *genCerts)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer func() { _ = zlogger.Sync() }()

	if err := run(cfg, zlogger); err != nil {
		zlogger.Fatal("CRITICAL: Member failed", zap.Error(err))
	}
	zlogger.Info("gojogrid member shut down gracefully")
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return config.Config{}, err
		}
	}
	if *nodeID != "" {
		cfg.Node.UUID = *nodeID
	}
	if cfg.Node.UUID == "" {
		return config.Config{}, errors.New("a member uuid is required (-node-id or node.uuid)")
	}
	if *bootstrap {
		cfg.Raft.Bootstrap = true
	}
	return cfg, cfg.Validate()
}

func run(cfg config.Config, zlogger *zap.Logger) (err error) {
	local := cfg.LocalMember()
	zlogger = zlogger.With(zap.String("member_uuid", local.UUID))
	zlogger.Info("Starting gojogrid member",
		zap.String("address", local.Address),
		zap.String("listen_addr", cfg.Transport.ListenAddr),
		zap.Bool("raft", cfg.Raft.Enabled),
		zap.Bool("tls", cfg.TLS.Enabled))

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		err = multierr.Append(err, shutdownTelemetry(ctx))
	}()

	serverTLS, clientTLS, err := loadTLS(cfg.TLS)
	if err != nil {
		return err
	}

	membership, raftService, err := newMembership(cfg, local, zlogger)
	if err != nil {
		return err
	}
	if raftService != nil {
		defer func() { err = multierr.Append(err, raftService.Shutdown()) }()
	}

	transport := grpctransport.NewTransport(clientTLS, zlogger)
	membership.AddListener(forgetOnLeave{transport: transport})

	member, err := node.New(cfg.Config, node.Params{
		Cluster:   membership,
		Transport: transport,
		Telemetry: tel,
		Logger:    zlogger,
	})
	if err != nil {
		return fmt.Errorf("failed to create member: %w", err)
	}

	transportMetrics, err := internaltelemetry.NewTransportMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("failed to create transport metrics: %w", err)
	}
	lis, err := net.Listen("tcp", cfg.Transport.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Transport.ListenAddr, err)
	}
	server := grpctransport.NewServer(member.Invocation(), serverTLS, transportMetrics, zlogger)
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(lis) }()

	member.Start()

	mux := http.NewServeMux()
	if handler := tel.Handler(); handler != nil {
		mux.Handle("/metrics", handler)
	}
	if raftService != nil {
		newAdminHandler(raftService, zlogger).register(mux)
	}
	httpServer := &http.Server{
		Addr:     cfg.Telemetry.MetricsAddr,
		Handler:  mux,
		ErrorLog: zap.NewStdLog(zlogger.Named("http")),
	}
	if httpServer.Addr != "" {
		go func() {
			zlogger.Info("Admin HTTP server listening", zap.String("addr", httpServer.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zlogger.Error("Admin HTTP server failed", zap.Error(err))
			}
		}()
	}

	if raftService != nil {
		if err := joinMembership(cfg, local, raftService, zlogger); err != nil {
			zlogger.Error("Failed to join raft membership", zap.Error(err))
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		zlogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		zlogger.Error("Member transport stopped", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	err = multierr.Append(err, httpServer.Shutdown(ctx))
	err = multierr.Append(err, member.Shutdown())
	server.Stop()
	return err
}

func loadTLS(cfg config.TLSConfig) (server, client *tls.Config, err error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	if server, err = certs.LoadServerTLSConfig(cfg.CertDir); err != nil {
		return nil, nil, err
	}
	if client, err = certs.LoadClientTLSConfig(cfg.CertDir); err != nil {
		return nil, nil, err
	}
	return server, client, nil
}

// newMembership returns the raft-backed view when raft is enabled, otherwise
// a static view of the configured seeds.
func newMembership(cfg config.Config, local cluster.Member, zlogger *zap.Logger) (cluster.Service, *raftmembership.Service, error) {
	if !cfg.Raft.Enabled {
		return cluster.NewStatic(local, cfg.Node.Seeds, zlogger), nil, nil
	}
	s, err := raftmembership.New(cfg.Raft, local, zlogger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start raft membership: %w", err)
	}
	return s, s, nil
}

// joinMembership registers the local member with the raft cluster: the
// bootstrap member adds itself once elected, the others ask the leader's
// admin endpoint.
func joinMembership(cfg config.Config, local cluster.Member, s *raftmembership.Service, zlogger *zap.Logger) error {
	if cfg.Raft.Bootstrap {
		if err := s.WaitForLeader(leaderWaitTimeout); err != nil {
			return err
		}
		return s.AddMember(local)
	}
	if *joinAddr == "" {
		zlogger.Warn("Raft membership enabled without -join; waiting to be added by the leader")
		return nil
	}

	query := url.Values{}
	query.Set("node_id", local.UUID)
	query.Set("address", local.Address)
	query.Set("raft_addr", string(s.TransportAddr()))
	joinURL := fmt.Sprintf("http://%s/join?%s", *joinAddr, query.Encode())

	client := &http.Client{Timeout: 10 * time.Second}
	var lastErr error
	for attempt := 1; attempt <= joinAttempts; attempt++ {
		resp, err := client.Post(joinURL, "text/plain", nil)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				zlogger.Info("Joined raft membership", zap.String("leader_admin", *joinAddr))
				return nil
			}
			err = fmt.Errorf("join rejected with status %s", resp.Status)
		}
		lastErr = err
		zlogger.Warn("Join attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(joinRetryDelay)
	}
	return lastErr
}

// forgetOnLeave drops pooled transport connections to members that left.
type forgetOnLeave struct {
	transport *grpctransport.Transport
}

func (f forgetOnLeave) MemberAdded(cluster.MembershipEvent) {}

func (f forgetOnLeave) MemberRemoved(event cluster.MembershipEvent) {
	f.transport.Forget(event.Member.Address)
}

func (f forgetOnLeave) MemberAttributeChanged(cluster.MemberAttributeEvent) {}
