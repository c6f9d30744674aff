package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cuemby/aegis/pkg/api"
	"github.com/cuemby/aegis/pkg/clock"
	"github.com/cuemby/aegis/pkg/cluster"
	"github.com/cuemby/aegis/pkg/config"
	"github.com/cuemby/aegis/pkg/crypto"
	"github.com/cuemby/aegis/pkg/discovery"
	"github.com/cuemby/aegis/pkg/dispatch"
	"github.com/cuemby/aegis/pkg/errs"
	"github.com/cuemby/aegis/pkg/eventstore"
	applog "github.com/cuemby/aegis/pkg/log"
	"github.com/cuemby/aegis/pkg/raft"
	"github.com/cuemby/aegis/pkg/saga"
	"github.com/cuemby/aegis/pkg/storage"
	"github.com/cuemby/aegis/pkg/transport"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run and inspect a single replica",
}

var nodeRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run this node as a replica in an Aegis cluster",
	Long: `Loads configuration, starts storage, the Raft consensus engine,
the cluster manager, event store, saga orchestrator, and command/query
dispatchers, then serves the peer transport and client-facing API until
interrupted.`,
	RunE: runNode,
}

func init() {
	nodeCmd.AddCommand(nodeRunCmd)
	addNodeFlags(nodeRunCmd)
}

func addNodeFlags(cmd *cobra.Command) {
	cmd.Flags().String("node-id", "", "Unique node ID (env NODE_ID)")
	cmd.Flags().String("node-address", "", "Address peers use to reach this node (env NODE_ADDRESS)")
	cmd.Flags().Int("node-port", 0, "Raft/API port (env NODE_PORT)")
	cmd.Flags().String("cluster-id", "", "Cluster this node belongs to (env CLUSTER_ID)")
	cmd.Flags().String("cluster-secret", "", "Shared secret used to sign Raft RPCs (env CLUSTER_SECRET)")
	cmd.Flags().StringSlice("peers", nil, "Known peer addresses (id=address), comma-separated")
	cmd.Flags().String("data-dir", "", "Data directory for durable storage")
	cmd.Flags().Bool("bootstrap", false, "Bootstrap a new cluster instead of joining one")
	cmd.Flags().String("api-addr", "", "Address to serve the client-facing gRPC API on (default node-address:node-port+1)")
	cmd.Flags().String("health-addr", "", "Address to serve the HTTP health/metrics server on (default node-address:node-port+2)")
	cmd.Flags().Bool("read-only", false, "Reject write commands on the client API (read replicas)")
}

// node bundles every long-lived component one replica constructs, so run
// and shutdown can walk the same list in reverse.
type node struct {
	cfg     config.Config
	store   storage.Store
	raft    *raft.Raft
	fsm     *cluster.FSM
	mgr     *cluster.Manager
	events  *eventstore.EventStore
	orch    *saga.Orchestrator
	cmds    *dispatch.Dispatcher
	queries *dispatch.QueryDispatcher

	apiAddr    string
	healthAddr string
	grpcServer *grpc.Server
	grpcLis    net.Listener
	apiServer  *api.Server
	health     *api.HealthServer
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigFromFlags(cmd)
	if err != nil {
		return &exitError{code: exitConfigError, err: err}
	}
	if err := cfg.Validate(); err != nil {
		return &exitError{code: exitConfigError, err: err}
	}

	readOnly, _ := cmd.Flags().GetBool("read-only")
	apiAddr, _ := cmd.Flags().GetString("api-addr")
	healthAddr, _ := cmd.Flags().GetString("health-addr")
	n, err := buildNode(cfg, readOnly, apiAddr, healthAddr)
	if err != nil {
		if kind, ok := errs.KindOf(err); ok && kind == errs.KindStorageFatal {
			return &exitError{code: exitStorageFatal, err: err}
		}
		return &exitError{code: exitConfigError, err: err}
	}

	if err := n.start(); err != nil {
		_ = n.shutdown()
		return &exitError{code: exitUnreachablePeers, err: err}
	}

	logger := applog.WithNodeID(cfg.NodeID)
	logger.Info().Str("addr", cfg.Addr()).Bool("bootstrap", cfg.Bootstrap).Msg("node started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	if err := n.shutdown(); err != nil {
		return &exitError{code: exitStorageFatal, err: err}
	}
	return nil
}

// loadConfigFromFlags builds a Config from defaults, an optional --config
// file, environment variables, and finally any flags the caller set
// explicitly — explicit CLI input always wins over ambient configuration.
func loadConfigFromFlags(cmd *cobra.Command) (config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}

	if v, _ := cmd.Flags().GetString("node-id"); v != "" {
		cfg.NodeID = v
	}
	if v, _ := cmd.Flags().GetString("node-address"); v != "" {
		cfg.NodeAddress = v
	}
	if v, _ := cmd.Flags().GetInt("node-port"); v != 0 {
		cfg.NodePort = v
	}
	if v, _ := cmd.Flags().GetString("cluster-id"); v != "" {
		cfg.ClusterID = v
	}
	if v, _ := cmd.Flags().GetString("cluster-secret"); v != "" {
		cfg.ClusterSecret = v
	}
	if v, _ := cmd.Flags().GetStringSlice("peers"); len(v) > 0 {
		cfg.Peers = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetBool("bootstrap"); v {
		cfg.Bootstrap = true
	}
	return cfg, nil
}

// buildNode constructs every component without binding any listener, so
// construction failures (bad data dir, bad peer syntax) are reported
// before anything is bound. The only goroutine it starts is the cluster
// Manager's event broker, started by cluster.NewManager.
func buildNode(cfg config.Config, readOnly bool, apiAddr, healthAddr string) (*node, error) {
	if apiAddr == "" {
		apiAddr = cfg.NodeAddress + ":" + strconv.Itoa(cfg.NodePort+1)
	}
	if healthAddr == "" {
		healthAddr = cfg.NodeAddress + ":" + strconv.Itoa(cfg.NodePort+2)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageFatal, err, "open data directory")
	}

	peerAddrs, err := parsePeers(cfg.Peers)
	if err != nil {
		_ = store.Close()
		return nil, errs.Wrap(errs.KindValidation, err, "parse --peers")
	}

	fsm := cluster.NewFSM()
	raftTransport := transport.NewGRPCTransport(5 * time.Second)

	raftOpts := []raft.Option{
		raft.WithElectionTimeout(cfg.Raft.ElectionTimeoutMin, cfg.Raft.ElectionTimeoutMax),
		raft.WithHeartbeatInterval(cfg.Raft.HeartbeatInterval),
		raft.WithSnapshotThreshold(cfg.Raft.SnapshotThreshold),
		raft.WithSuspicionThreshold(cfg.Raft.SuspicionThreshold),
		raft.WithQuarantinePeriod(cfg.Raft.QuarantinePeriod),
		raft.WithLogger(applog.WithComponent("raft")),
	}
	if cfg.ClusterSecret != "" {
		keyPair := crypto.KeyPairFromSecret([]byte(cfg.ClusterSecret))
		raftOpts = append(raftOpts, raft.WithSigning(keyPair, keyPair))
	}

	r, err := raft.NewRaft(cfg.NodeID, cfg.Addr(), peerAddrs, fsm, raftTransport, store, raftOpts...)
	if err != nil {
		_ = store.Close()
		return nil, errs.Wrap(errs.KindStorageFatal, err, "construct raft replica")
	}

	peers := make([]discovery.Peer, 0, len(peerAddrs)+1)
	peers = append(peers, discovery.Peer{ID: cfg.NodeID, Address: cfg.Addr()})
	for id, addr := range peerAddrs {
		peers = append(peers, discovery.Peer{ID: id, Address: addr})
	}
	disc := discovery.NewStaticDiscovery(peers)

	clusterOpts := cluster.DefaultOptions()
	clusterOpts.HealthCheckInterval = cfg.Cluster.HealthCheckInterval
	clusterOpts.ConfigChangeTimeout = cfg.Cluster.ConfigChangeTimeout
	mgr := cluster.NewManager(cfg.NodeID, r, fsm, disc, clusterOpts)

	esOpts := eventstore.Options{
		PartitionCount:         cfg.Events.PartitionCount,
		Compress:               cfg.Events.CompressionEnabled,
		LiveSubscriptionBuffer: 256,
	}
	if cfg.Events.EncryptionEnabled && cfg.ClusterSecret != "" {
		enc, err := crypto.NewEncryptor([]byte(cfg.ClusterSecret))
		if err != nil {
			_ = store.Close()
			return nil, errs.Wrap(errs.KindValidation, err, "derive event encryption key")
		}
		esOpts.Encryptor = enc
	}
	events := eventstore.NewEventStore(store, esOpts)

	commands := dispatch.NewDispatcher(200)
	queries, err := dispatch.NewQueryDispatcher(1024)
	if err != nil {
		_ = store.Close()
		return nil, errs.Wrap(errs.KindStorageFatal, err, "construct query dispatcher")
	}
	orch := saga.NewOrchestrator(events, commands, clock.New())

	registerBuiltinHandlers(commands, queries, mgr, orch)

	grpcServer := grpc.NewServer()
	transport.RegisterRaftServer(grpcServer, r)

	apiServer := api.NewServer(mgr, commands, queries, readOnly)
	health := api.NewHealthServer(mgr)

	return &node{
		cfg:        cfg,
		store:      store,
		raft:       r,
		fsm:        fsm,
		mgr:        mgr,
		events:     events,
		orch:       orch,
		cmds:       commands,
		queries:    queries,
		apiAddr:    apiAddr,
		healthAddr: healthAddr,
		grpcServer: grpcServer,
		apiServer:  apiServer,
		health:     health,
	}, nil
}

// registerBuiltinHandlers wires the cluster manager's replicated KV
// operations as the runtime's default command/query surface, so a fresh
// node is immediately useful over the client API without the caller
// registering anything first.
func registerBuiltinHandlers(commands *dispatch.Dispatcher, queries *dispatch.QueryDispatcher, mgr *cluster.Manager, orch *saga.Orchestrator) {
	type setArgs struct {
		Key   string `json:"key"`
		Value []byte `json:"value"`
	}
	type deleteArgs struct {
		Key string `json:"key"`
	}
	type incrementArgs struct {
		Key    string `json:"key"`
		Amount int64  `json:"amount"`
	}

	commands.Register(dispatch.CommandOptions{
		Type: "Set",
		Handler: func(ctx context.Context, payload []byte) ([]byte, error) {
			var args setArgs
			if err := json.Unmarshal(payload, &args); err != nil {
				return nil, errs.Wrap(errs.KindValidation, err, "decode Set payload")
			}
			if err := mgr.Set(ctx, args.Key, args.Value); err != nil {
				return nil, err
			}
			return []byte(`{"ok":true}`), nil
		},
		Retry: dispatch.RetryPolicy{MaxRetries: 3, Backoff: dispatch.BackoffExponential, BaseDelay: 50 * time.Millisecond},
	})

	commands.Register(dispatch.CommandOptions{
		Type: "Delete",
		Handler: func(ctx context.Context, payload []byte) ([]byte, error) {
			var args deleteArgs
			if err := json.Unmarshal(payload, &args); err != nil {
				return nil, errs.Wrap(errs.KindValidation, err, "decode Delete payload")
			}
			if err := mgr.Delete(ctx, args.Key); err != nil {
				return nil, err
			}
			return []byte(`{"ok":true}`), nil
		},
		Retry: dispatch.RetryPolicy{MaxRetries: 3, Backoff: dispatch.BackoffExponential, BaseDelay: 50 * time.Millisecond},
	})

	commands.Register(dispatch.CommandOptions{
		Type: "Increment",
		Handler: func(ctx context.Context, payload []byte) ([]byte, error) {
			var args incrementArgs
			if err := json.Unmarshal(payload, &args); err != nil {
				return nil, errs.Wrap(errs.KindValidation, err, "decode Increment payload")
			}
			if err := mgr.Increment(ctx, args.Key, args.Amount); err != nil {
				return nil, err
			}
			return []byte(`{"ok":true}`), nil
		},
		Retry: dispatch.RetryPolicy{MaxRetries: 3, Backoff: dispatch.BackoffExponential, BaseDelay: 50 * time.Millisecond},
	})

	queries.Register(dispatch.QueryOptions{
		Type:      "Get",
		Cacheable: true,
		CacheTTL:  5 * time.Second,
		Handler: func(ctx context.Context, payload []byte) ([]byte, error) {
			var args deleteArgs // {key}
			if err := json.Unmarshal(payload, &args); err != nil {
				return nil, errs.Wrap(errs.KindValidation, err, "decode Get payload")
			}
			value, ok := mgr.Get(args.Key)
			if !ok {
				return json.Marshal(map[string]interface{}{"found": false})
			}
			return json.Marshal(map[string]interface{}{"found": true, "value": value})
		},
	})

	type sagaInstanceArgs struct {
		ID string `json:"id"`
	}
	queries.Register(dispatch.QueryOptions{
		Type: "SagaInstance",
		Handler: func(ctx context.Context, payload []byte) ([]byte, error) {
			var args sagaInstanceArgs
			if err := json.Unmarshal(payload, &args); err != nil {
				return nil, errs.Wrap(errs.KindValidation, err, "decode SagaInstance payload")
			}
			inst, ok := orch.Get(args.ID)
			if !ok {
				return nil, errs.New(errs.KindHandlerNotFound, "no saga instance with that id")
			}
			return json.Marshal(inst)
		},
	})
}

// parsePeers parses "id=address" entries into a peer-id -> address map,
// the shape raft.NewRaft expects.
func parsePeers(raw []string) (map[string]string, error) {
	peers := make(map[string]string, len(raw))
	for _, entry := range raw {
		id, addr, ok := splitOnce(entry, '=')
		if !ok {
			return nil, fmt.Errorf("peer %q must be in id=address form", entry)
		}
		peers[id] = addr
	}
	return peers, nil
}

func splitOnce(s string, sep byte) (before, after string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func (n *node) start() error {
	if err := n.raft.Start(); err != nil {
		return fmt.Errorf("start raft: %w", err)
	}
	n.mgr.Start()

	lis, err := transport.Listen(n.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen raft transport on %s: %w", n.cfg.Addr(), err)
	}
	n.grpcLis = lis
	go func() {
		_ = n.grpcServer.Serve(lis)
	}()

	go func() {
		_ = n.apiServer.Start(n.apiAddr)
	}()

	go func() {
		_ = n.health.Start(n.healthAddr)
	}()

	return nil
}

func (n *node) shutdown() error {
	n.apiServer.Stop()
	if n.grpcServer != nil {
		n.grpcServer.GracefulStop()
	}
	n.mgr.Stop()
	if err := n.raft.Stop(); err != nil {
		return err
	}
	return n.store.Close()
}
