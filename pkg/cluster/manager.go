// Package cluster is the replica's membership and state layer: it sits
// beside the local Raft replica, reconciles the discovered peer set into
// configChange proposals, polls peer liveness, and exposes a small
// replicated key-value state machine over that same replica.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/aegis/pkg/clock"
	"github.com/cuemby/aegis/pkg/discovery"
	"github.com/cuemby/aegis/pkg/errs"
	"github.com/cuemby/aegis/pkg/events"
	"github.com/cuemby/aegis/pkg/health"
	applog "github.com/cuemby/aegis/pkg/log"
	"github.com/cuemby/aegis/pkg/metrics"
	"github.com/cuemby/aegis/pkg/raft"
	"github.com/rs/zerolog"
)

// Options configures the Manager's background cadences, matching
// defaults.
type Options struct {
	HealthCheckInterval time.Duration
	DiscoveryInterval time.Duration
	UnhealthyThreshold int
	ConfigChangeTimeout time.Duration
	Clock clock.Clock
}

// DefaultOptions returns the Manager's default background cadences.
func DefaultOptions() Options {
	return Options{
		HealthCheckInterval: 5 * time.Second,
		DiscoveryInterval: 10 * time.Second,
		UnhealthyThreshold: 3,
		ConfigChangeTimeout: 30 * time.Second,
		Clock: clock.New(),
	}
}

// peerHealth tracks one peer's liveness state.
type peerHealth struct {
	status *health.Status
	checker *health.TCPChecker
}

// Manager is the Cluster Manager. It never talks to remote replicas
// directly — every membership change is proposed through the local
// raft.Raft and only takes effect once committed.
type Manager struct {
	nodeID string

	raft *raft.Raft
	fsm *FSM
	discovery discovery.Discovery
	broker *events.Broker

	opts Options
	logger zerolog.Logger

	mu sync.Mutex
	health map[string]*peerHealth

	stopCh chan struct{}
	wg sync.WaitGroup
}

// NewManager constructs a Manager bound to a running raft.Raft. fsm must
// be the same FSM instance raft was constructed with.
func NewManager(nodeID string, r *raft.Raft, fsm *FSM, disc discovery.Discovery, opts Options) *Manager {
	broker := events.NewBroker()
	broker.Start()
	return &Manager{
		nodeID: nodeID,
		raft: r,
		fsm: fsm,
		discovery: disc,
		broker: broker,
		opts: opts,
		logger: applog.WithComponent("cluster").With().Str("node_id", nodeID).Logger(),
		health: make(map[string]*peerHealth),
		stopCh: make(chan struct{}),
	}
}

// Start launches the discovery and health-check loops.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.discoveryLoop()
	go m.healthLoop()
}

// Stop halts the background loops and the event broker.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.broker.Stop()
}

// Status reports the local replica's current Raft status.
func (m *Manager) Status() raft.Status {
	return m.raft.Status()
}

// SubscribeStateChanges returns a channel of membership/state-change
// notifications. Callers must eventually call UnsubscribeStateChanges.
func (m *Manager) SubscribeStateChanges() events.Subscriber {
	return m.broker.Subscribe()
}

// UnsubscribeStateChanges releases a subscription returned by
// SubscribeStateChanges.
func (m *Manager) UnsubscribeStateChanges(sub events.Subscriber) {
	m.broker.Unsubscribe(sub)
}

// Submit is a leader-only pass-through to the local Raft replica,
// submit(command) -> ack.
func (m *Manager) Submit(ctx context.Context, data []byte) (raft.OperationResult, error) {
	return m.raft.SubmitOperation(ctx, data, raft.CommandEntry)
}

// Get reads the current value for key from the local replicated map.
// Reads are served locally and may be stale relative to the leader.
func (m *Manager) Get(key string) ([]byte, bool) {
	return m.fsm.Get(key)
}

// Set replicates a set(key, value) command through Raft.
func (m *Manager) Set(ctx context.Context, key string, value []byte) error {
	data, err := json.Marshal(setPayload{Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("cluster: encode set payload: %w", err)
	}
	return m.submitCommand(ctx, OpSet, data)
}

// Delete replicates a delete(key) command through Raft.
func (m *Manager) Delete(ctx context.Context, key string) error {
	data, err := json.Marshal(deletePayload{Key: key})
	if err != nil {
		return fmt.Errorf("cluster: encode delete payload: %w", err)
	}
	return m.submitCommand(ctx, OpDelete, data)
}

// Increment replicates an increment(key, amount) command through Raft.
func (m *Manager) Increment(ctx context.Context, key string, amount int64) error {
	data, err := json.Marshal(incrementPayload{Key: key, Amount: amount})
	if err != nil {
		return fmt.Errorf("cluster: encode increment payload: %w", err)
	}
	return m.submitCommand(ctx, OpIncrement, data)
}

func (m *Manager) submitCommand(ctx context.Context, op CommandOp, data json.RawMessage) error {
	cmd := Command{Op: op, Data: data}
	encoded, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("cluster: encode command: %w", err)
	}
	_, err = m.raft.SubmitOperation(ctx, encoded, raft.CommandEntry)
	return err
}

// discoveryLoop polls discovery every DiscoveryInterval and, while this
// replica is leader, proposes an AddServer configChange for every
// discovered peer other than this node, including peers already in the
// peer set (NotLeader and Validation rejections are treated as benign).
// It never proposes a removal for a peer that discovery stops reporting.
// Discovery never rewrites the peer set directly.
func (m *Manager) discoveryLoop() {
	defer m.wg.Done()
	ticker := m.opts.Clock.NewTicker(m.opts.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reconcileDiscovery()
		}
	}
}

func (m *Manager) reconcileDiscovery() {
	if m.raft.Status().State != raft.Leader {
		return
	}
	peers, err := m.discovery.Discover()
	if err != nil {
		m.logger.Error().Err(err).Msg("discovery poll failed")
		return
	}

	known := make(map[string]bool)
	for _, p := range peers {
		known[p.ID] = true
		if p.ID == m.nodeID {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConfigChangeTimeout)
		_, err := m.raft.ProposeConfigChange(ctx, raft.ConfigChange{Kind: raft.AddServer, ID: p.ID, Address: p.Address})
		cancel()
		if err != nil && !isBenignProposeError(err) {
			m.logger.Warn().Err(err).Str("peer", p.ID).Msg("failed to propose peer addition")
		}
	}
}

func isBenignProposeError(err error) bool {
	kind, ok := errs.KindOf(err)
	return ok && (kind == errs.KindNotLeader || kind == errs.KindValidation)
}

// healthLoop pings every known peer every HealthCheckInterval and
// proposes removal after UnhealthyThreshold consecutive failures.
func (m *Manager) healthLoop() {
	defer m.wg.Done()
	ticker := m.opts.Clock.NewTicker(m.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkPeers()
		}
	}
}

func (m *Manager) checkPeers() {
	peers, err := m.discovery.Discover()
	if err != nil {
		return
	}

	config := health.Config{Timeout: 2 * time.Second, Retries: m.opts.UnhealthyThreshold}

	for _, p := range peers {
		if p.ID == m.nodeID {
			continue
		}

		m.mu.Lock()
		ph, ok := m.health[p.ID]
		if !ok {
			ph = &peerHealth{status: health.NewStatus(), checker: health.NewTCPChecker(p.Address)}
			m.health[p.ID] = ph
		}
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
		result := ph.checker.Check(ctx)
		cancel()

		ph.status.Update(result, config)
		if !ph.status.Healthy && m.raft.Status().State == raft.Leader {
			ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConfigChangeTimeout)
			_, err := m.raft.ProposeConfigChange(ctx, raft.ConfigChange{Kind: raft.RemoveServer, ID: p.ID})
			cancel()
			if err != nil && !isBenignProposeError(err) {
				m.logger.Warn().Err(err).Str("peer", p.ID).Msg("failed to propose peer removal")
			} else if err == nil {
				m.broker.Publish(&events.Event{Type: events.TypePeerUnhealthy, Message: fmt.Sprintf("peer %s marked unhealthy and proposed for removal", p.ID)})
			}
		}
	}

	metrics.ClusterMembersTotal.WithLabelValues("known").Set(float64(len(peers)))
}
