// Package node assembles one gojogrid member: serialization registry,
// partition table, invocation service, queue container, event dispatcher,
// scheduler and client engine, all bound to a cluster membership view.
package node

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojogrid/core/clientengine"
	"github.com/sushant-115/gojogrid/core/cluster"
	"github.com/sushant-115/gojogrid/core/event"
	"github.com/sushant-115/gojogrid/core/executor"
	"github.com/sushant-115/gojogrid/core/invocation"
	"github.com/sushant-115/gojogrid/core/partition"
	"github.com/sushant-115/gojogrid/core/queue"
	"github.com/sushant-115/gojogrid/core/scheduler"
	"github.com/sushant-115/gojogrid/core/serialization"
	"github.com/sushant-115/gojogrid/core/transaction"
	internaltelemetry "github.com/sushant-115/gojogrid/internal/telemetry"
	"github.com/sushant-115/gojogrid/pkg/telemetry"
)

// Config groups the component configs of one member.
type Config struct {
	ClientEngine      clientengine.Config      `yaml:"client_engine"`
	Invocation        invocation.Config        `yaml:"invocation"`
	Partition         partition.Config         `yaml:"partition"`
	PartitionExecutor executor.PartitionConfig `yaml:"partition_executor"`
	Events            event.Config             `yaml:"events"`
	Queue             queue.Config             `yaml:"queue"`
	// TransactionTimeout bounds each phase of transactions begun on this
	// member. Zero leaves it to the caller's context.
	TransactionTimeout time.Duration `yaml:"transaction_timeout"`
}

// Params are the collaborators supplied by the process hosting the member.
// Telemetry and Logout are optional.
type Params struct {
	Cluster   cluster.Service
	Transport invocation.Transport
	Telemetry *telemetry.Telemetry
	Logout    clientengine.LogoutHandler
	Logger    *zap.Logger
}

// Node is one running member.
type Node struct {
	config    Config
	cluster   cluster.Service
	logger    *zap.Logger
	telemetry *telemetry.Telemetry
	txMetrics *internaltelemetry.TransactionMetrics

	registry   *serialization.Registry
	partitions *partition.Service
	executor   *executor.PartitionExecutor
	invocation *invocation.Service
	queues     *queue.Service
	events     *event.Service
	scheduler  *scheduler.TimerScheduler
	engine     *clientengine.Engine
}

// New builds a member. It does not start the client engine; call Start.
func New(config Config, params Params) (*Node, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	local := params.Cluster.LocalMember()
	logger = logger.With(zap.String("member", local.UUID))

	tel := params.Telemetry
	if tel == nil {
		tel = telemetry.Disabled()
	}
	engineMetrics, err := internaltelemetry.NewClientEngineMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("creating client engine metrics: %w", err)
	}
	txMetrics, err := internaltelemetry.NewTransactionMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("creating transaction metrics: %w", err)
	}

	registry := serialization.NewRegistry()
	if err := queue.RegisterTypes(registry); err != nil {
		return nil, fmt.Errorf("registering queue types: %w", err)
	}
	if err := clientengine.RegisterTypes(registry); err != nil {
		return nil, fmt.Errorf("registering client engine types: %w", err)
	}

	n := &Node{
		config:    config,
		cluster:   params.Cluster,
		logger:    logger,
		telemetry: tel,
		txMetrics: txMetrics,
		registry:  registry,
	}
	n.partitions = partition.NewService(config.Partition, params.Cluster, logger)
	n.executor = executor.NewPartitionExecutor(config.PartitionExecutor, logger)
	n.invocation = invocation.NewService(config.Invocation, invocation.Params{
		LocalAddress:      local.Address,
		Registry:          registry,
		Transport:         params.Transport,
		Partitions:        n.partitions,
		PartitionExecutor: n.executor,
		Logger:            logger,
	})
	n.queues = queue.NewService(config.Queue, logger)
	n.events = event.NewService(config.Events, logger)
	n.scheduler = scheduler.NewTimerScheduler(logger)
	n.engine = clientengine.NewEngine(config.ClientEngine, clientengine.Params{
		Cluster:           params.Cluster,
		Invoker:           n.invocation,
		Scheduler:         n.scheduler,
		Events:            n.events,
		PartitionExecutor: n.executor,
		Logout:            params.Logout,
		Metrics:           engineMetrics,
		Tracer:            tel.Tracer,
		Logger:            logger,
	})

	n.invocation.RegisterService(queue.ServiceName, n.queues)
	n.invocation.RegisterService(clientengine.ServiceName, n.engine)
	params.Cluster.AddListener(n.engine)
	params.Cluster.AddListener(&postJoinSender{local: local.UUID, engine: n.engine})
	return n, nil
}

// Start begins serving clients.
func (n *Node) Start() {
	n.engine.Init()
	n.logger.Info("Member started",
		zap.String("address", n.invocation.LocalAddress()),
		zap.Int32("partitions", n.partitions.PartitionCount()))
}

// Shutdown stops the member. Client sessions are torn down first so their
// transactions roll back while the invocation service is still up.
func (n *Node) Shutdown() error {
	n.engine.Shutdown()
	n.scheduler.Shutdown()
	err := n.invocation.Shutdown()
	n.events.Shutdown()
	n.executor.Shutdown()
	n.logger.Info("Member stopped")
	return err
}

func (n *Node) LocalMember() cluster.Member { return n.cluster.LocalMember() }

func (n *Node) Engine() *clientengine.Engine { return n.engine }

func (n *Node) Invocation() *invocation.Service { return n.invocation }

func (n *Node) Partitions() *partition.Service { return n.partitions }

func (n *Node) Queues() *queue.Service { return n.queues }

func (n *Node) Registry() *serialization.Registry { return n.registry }

// BeginTransaction starts a transaction driven from this member.
func (n *Node) BeginTransaction() *transaction.Context {
	return transaction.NewContext(n.invocation, transaction.Options{
		Timeout: n.config.TransactionTimeout,
		Metrics: n.txMetrics,
		Tracer:  n.telemetry.Tracer,
	}, n.logger)
}

// TransactionalQueue opens queue name inside txn.
func (n *Node) TransactionalQueue(name string, txn *transaction.Context) *queue.TransactionalQueue {
	return queue.NewTransactionalQueue(name, n.partitions, txn, n.invocation)
}

// ConnectedClientStats counts the clients of the whole cluster per type.
func (n *Node) ConnectedClientStats(ctx context.Context) map[clientengine.ClientType]int {
	return n.engine.ConnectedClientStats(ctx)
}

// ShutdownAll stops every node and joins the errors.
func ShutdownAll(nodes ...*Node) error {
	var err error
	for _, n := range nodes {
		err = multierr.Append(err, n.Shutdown())
	}
	return err
}

// postJoinSender hands the local ownership mappings to every member that
// joins after this one.
type postJoinSender struct {
	local  string
	engine *clientengine.Engine
}

func (p *postJoinSender) MemberAdded(event cluster.MembershipEvent) {
	if event.Member.UUID == p.local {
		return
	}
	p.engine.SendPostJoin(event.Member)
}

func (p *postJoinSender) MemberRemoved(cluster.MembershipEvent) {}

func (p *postJoinSender) MemberAttributeChanged(cluster.MemberAttributeEvent) {}
