// gojogrid_cli is an interactive admin shell that runs client engine
// operations against gojogrid members.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/sushant-115/gojogrid/config/certs"
	"github.com/sushant-115/gojogrid/core/clientengine"
	"github.com/sushant-115/gojogrid/core/invocation"
	"github.com/sushant-115/gojogrid/core/invocation/grpctransport"
	"github.com/sushant-115/gojogrid/core/operation"
	"github.com/sushant-115/gojogrid/core/queue"
	"github.com/sushant-115/gojogrid/core/serialization"
	"github.com/sushant-115/gojogrid/pkg/logger"
)

const requestTimeout = 10 * time.Second

var (
	memberAddr = flag.String("member", "127.0.0.1:5701", "Address of the member to run cluster-wide commands on")
	certDir    = flag.String("cert-dir", "", "Certificate directory for mutual TLS; plaintext when empty")
	logLevel   = flag.String("log-level", "warn", "Log level of the shell")
)

func main() {
	flag.Parse()

	zlogger, err := logger.New(logger.Config{Level: *logLevel, Format: "console", OutputFile: "stderr", Service: "gojogrid_cli"})
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer func() { _ = zlogger.Sync() }()

	transport, err := newTransport(*certDir, zlogger)
	if err != nil {
		zlogger.Fatal("Failed to set up member transport", zap.Error(err))
	}
	invoker, err := newInvoker(transport, zlogger)
	if err != nil {
		zlogger.Fatal("Failed to register operation types", zap.Error(err))
	}
	defer func() { _ = invoker.Shutdown() }()

	sh := &shell{invoker: invoker, member: *memberAddr, out: os.Stdout}
	if args := flag.Args(); len(args) > 0 {
		if err := sh.exec(args); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}
	if err := sh.loop(); err != nil {
		zlogger.Fatal("Shell failed", zap.Error(err))
	}
}

// newInvoker builds an invocation service with no local member; every
// operation goes over transport.
func newInvoker(transport invocation.Transport, zlogger *zap.Logger) (*invocation.Service, error) {
	registry := serialization.NewRegistry()
	if err := queue.RegisterTypes(registry); err != nil {
		return nil, err
	}
	if err := clientengine.RegisterTypes(registry); err != nil {
		return nil, err
	}
	return invocation.NewService(invocation.Config{}, invocation.Params{
		Registry:  registry,
		Transport: transport,
		Logger:    zlogger,
	}), nil
}

func newTransport(certDir string, zlogger *zap.Logger) (*grpctransport.Transport, error) {
	if certDir == "" {
		return grpctransport.NewTransport(nil, zlogger), nil
	}
	tlsConfig, err := certs.LoadClientTLSConfig(certDir)
	if err != nil {
		return nil, err
	}
	return grpctransport.NewTransport(tlsConfig, zlogger), nil
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("stats"),
	readline.PcItem("clients"),
	readline.PcItem("member"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

// operationInvoker is the part of invocation.Service the shell uses.
type operationInvoker interface {
	InvokeOnTarget(ctx context.Context, serviceName string, op operation.Operation, target string) *invocation.Future
}

type shell struct {
	invoker operationInvoker
	member  string
	out     io.Writer
}

func (s *shell) loop() error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojogrid> ",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()
	s.out = rl.Stdout()

	fmt.Fprintln(s.out, "gojogrid admin shell. Type 'help' for commands.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		} else if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "exit" || fields[0] == "quit" {
			return nil
		}
		if err := s.exec(fields); err != nil {
			fmt.Fprintln(s.out, "error:", err)
		}
	}
}

func (s *shell) exec(args []string) error {
	switch args[0] {
	case "stats":
		return s.stats()
	case "clients":
		target := s.member
		if len(args) > 1 {
			target = args[1]
		}
		return s.clients(target)
	case "member":
		if len(args) < 2 {
			fmt.Fprintln(s.out, s.member)
			return nil
		}
		s.member = args[1]
		return nil
	case "help":
		s.help()
		return nil
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// stats asks the current member for the cluster-wide client counts.
func (s *shell) stats() error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	result, err := s.invoker.InvokeOnTarget(ctx, clientengine.ServiceName, clientengine.NewClientStatsOperation(), s.member).Get(ctx)
	if err != nil {
		return err
	}
	stats, ok := result.(*clientengine.ClientStats)
	if !ok {
		return fmt.Errorf("unexpected reply %T", result)
	}

	types := make([]string, 0, len(stats.Counts))
	for t := range stats.Counts {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(s.out, "%-8s %d\n", t, stats.Counts[clientengine.ClientType(t)])
	}
	return nil
}

// clients lists the clients connected to one member.
func (s *shell) clients(target string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	result, err := s.invoker.InvokeOnTarget(ctx, clientengine.ServiceName, clientengine.NewGetConnectedClientsOperation(), target).Get(ctx)
	if err != nil {
		return err
	}
	connected, ok := result.(*clientengine.ConnectedClients)
	if !ok {
		return fmt.Errorf("unexpected reply %T", result)
	}
	if len(connected.Clients) == 0 {
		fmt.Fprintf(s.out, "no clients connected to %s\n", target)
		return nil
	}

	uuids := make([]string, 0, len(connected.Clients))
	for id := range connected.Clients {
		uuids = append(uuids, id)
	}
	sort.Strings(uuids)
	for _, id := range uuids {
		fmt.Fprintf(s.out, "%s  %s\n", id, connected.Clients[id])
	}
	return nil
}

func (s *shell) help() {
	fmt.Fprint(s.out, `Commands:
  stats            connected clients per type across the cluster
  clients [addr]   clients connected to one member (default: current member)
  member [addr]    show or change the member cluster-wide commands run on
  help             this message
  exit             leave the shell
`)
}
