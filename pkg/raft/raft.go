// Package raft is a hand-rolled Raft consensus replica: leader election,
// log replication, snapshotting, and dynamic membership via ordinary log
// entries. It intentionally does not wrap hashicorp/raft — the protocol
// itself is implemented here, not adopted as a black box.
package raft

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cuemby/aegis/pkg/errs"
	applog "github.com/cuemby/aegis/pkg/log"
	"github.com/cuemby/aegis/pkg/metrics"
	"github.com/cuemby/aegis/pkg/storage"
	"github.com/rs/zerolog"
)

// pendingChange tracks the single in-flight membership change allowed at
// once (: pending changes are held with a 30s timeout).
type pendingChange struct {
	index uint64
	deadline time.Time
}

// Raft is one replica in a cluster. All mutable state is guarded by mu;
// the background loops coordinate through applyCond/commitCond rather
// than polling each other.
type Raft struct {
	id string
	address string

	opts options
	logger zerolog.Logger

	transport Transport
	log *Log
	stateStore *StateStore
	snapshotStore *SnapshotStore
	fsm StateMachine

	mu sync.Mutex
	peers map[string]string // peer id -> address, excludes self
	state State
	currentTerm uint64
	votedFor string
	commitIndex uint64
	lastApplied uint64
	leaderID string
	lastContact time.Time

	nextIndex map[string]uint64
	matchIndex map[string]uint64

	suspects map[string]int
	quarantined map[string]time.Time

	pendingConfigChange *pendingChange

	operations map[uint64]chan OperationResult

	applyCond *sync.Cond
	commitCond *sync.Cond

	shutdownCh chan struct{}
	wg sync.WaitGroup
	started bool
}

// NewRaft constructs a replica. peers must contain every other cluster
// member (id -> address) known at startup; it is mutated at runtime by
// committed ConfigChange entries.
func NewRaft(id, address string, peers map[string]string, fsm StateMachine, transport Transport, store storage.Store, opts...Option) (*Raft, error) {
	o := defaultOptions()
	o.logger = applog.WithComponent("raft").With().Str("node_id", id).Logger()
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}

	peerCopy := make(map[string]string, len(peers))
	for k, v := range peers {
		peerCopy[k] = v
	}

	r := &Raft{
		id: id,
		address: address,
		opts: o,
		logger: o.logger,
		transport: transport,
		log: NewLog(store, "raft_log_"+id),
		stateStore: NewStateStore(store, "raft_state_"+id),
		snapshotStore: NewSnapshotStore(store, "raft_snapshot_"+id),
		fsm: fsm,
		peers: peerCopy,
		state: Follower,
		nextIndex: make(map[string]uint64),
		matchIndex: make(map[string]uint64),
		suspects: make(map[string]int),
		quarantined: make(map[string]time.Time),
		operations: make(map[uint64]chan OperationResult),
		shutdownCh: make(chan struct{}),
	}
	r.applyCond = sync.NewCond(&r.mu)
	r.commitCond = sync.NewCond(&r.mu)

	if err := r.log.Open(); err != nil {
		return nil, fmt.Errorf("raft: open log: %w", err)
	}
	term, votedFor, err := r.stateStore.State()
	if err != nil {
		return nil, fmt.Errorf("raft: load state: %w", err)
	}
	r.currentTerm = term
	r.votedFor = votedFor

	if snap, ok, err := r.snapshotStore.LatestSnapshot(); err != nil {
		return nil, fmt.Errorf("raft: load snapshot: %w", err)
	} else if ok {
		if err := r.fsm.Restore(snap.Data); err != nil {
			return nil, fmt.Errorf("raft: restore snapshot: %w", err)
		}
		r.lastApplied = snap.LastIncludedIndex
		r.commitIndex = snap.LastIncludedIndex
	}

	return r, nil
}

// Start launches the replica's background goroutines. It is a no-op if
// already started.
func (r *Raft) Start() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.lastContact = r.opts.clock.Now()
	r.mu.Unlock()

	r.wg.Add(3)
	go r.electionLoop()
	go r.commitLoop()
	go r.applyLoop()

	r.logger.Info().Msg("raft replica started")
	return nil
}

// Stop halts all background goroutines and marks the replica shut down.
func (r *Raft) Stop() error {
	r.mu.Lock()
	if r.state == Shutdown {
		r.mu.Unlock()
		return nil
	}
	r.state = Shutdown
	close(r.shutdownCh)
	r.applyCond.Broadcast()
	r.commitCond.Broadcast()
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

// Status returns a point-in-time snapshot of externally visible state.
func (r *Raft) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		ID: r.id,
		Address: r.address,
		State: r.state,
		Term: r.currentTerm,
		CommitIndex: r.commitIndex,
		LastApplied: r.lastApplied,
		LeaderID: r.leaderID,
		Peers: len(r.peers),
	}
}

// hasQuorum reports whether count acknowledgments are enough to commit,
// always counting the local node in both the numerator and the
// denominator (explicit mandate).
func (r *Raft) hasQuorum(count int) bool {
	total := len(r.peers) + 1
	return count > total/2
}

func (r *Raft) randomElectionTimeout() time.Duration {
	span := r.opts.electionTimeoutMax - r.opts.electionTimeoutMin
	if span <= 0 {
		return r.opts.electionTimeoutMin
	}
	return r.opts.electionTimeoutMin + time.Duration(rand.Int63n(int64(span)))
}

// SubmitOperation appends data as a new log entry if this replica is
// leader, and blocks until it is committed and applied or ctx is done.
func (r *Raft) SubmitOperation(ctx context.Context, data []byte, entryType EntryType) (OperationResult, error) {
	r.mu.Lock()
	if r.state != Leader {
		leader := r.leaderID
		r.mu.Unlock()
		return OperationResult{}, errs.NotLeader(leader)
	}

	entry := &LogEntry{Index: r.log.NextIndex(), Term: r.currentTerm, Type: entryType, Data: data, Timestamp: r.opts.clock.Now()}
	if err := r.log.AppendEntry(entry); err != nil {
		r.mu.Unlock()
		return OperationResult{}, errs.Wrap(errs.KindStorageFatal, err, "raft: append entry")
	}
	r.matchIndex[r.id] = entry.Index
	r.commitCond.Broadcast()
	if entryType == ConfigChangeEntry {
		r.pendingConfigChange = &pendingChange{index: entry.Index, deadline: r.opts.clock.Now().Add(r.opts.configChangeTimeout)}
	}

	resultCh := make(chan OperationResult, 1)
	r.operations[entry.Index] = resultCh
	r.mu.Unlock()

	r.replicateToPeers()

	select {
	case result := <-resultCh:
		return result, result.Err
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.operations, entry.Index)
		r.mu.Unlock()
		return OperationResult{}, errs.Wrap(errs.KindTimeout, ctx.Err(), "raft: operation did not commit in time")
	case <-r.shutdownCh:
		return OperationResult{}, errs.New(errs.KindCancelled, "raft: replica shut down")
	}
}

// ProposeConfigChange submits a membership change, refusing a second one
// while one is already pending.
func (r *Raft) ProposeConfigChange(ctx context.Context, change ConfigChange) (OperationResult, error) {
	r.mu.Lock()
	if r.pendingConfigChange != nil && r.opts.clock.Now().Before(r.pendingConfigChange.deadline) {
		r.mu.Unlock()
		return OperationResult{}, errs.New(errs.KindValidation, "raft: a configuration change is already pending")
	}
	r.mu.Unlock()

	data, err := json.Marshal(change)
	if err != nil {
		return OperationResult{}, fmt.Errorf("raft: encode config change: %w", err)
	}
	return r.SubmitOperation(ctx, data, ConfigChangeEntry)
}

// --- RPC handlers (RPCHandler) ---

// RequestVote implements RPCHandler.
func (r *Raft) RequestVote(req *RequestVoteRequest) *RequestVoteResponse {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isKnownPeerLocked(req.CandidateID) {
		r.noteSuspicionLocked(req.CandidateID)
	}
	r.verifyEnvelopeLocked(req.CandidateID, req.Signature, req.signingPayload())

	if req.Term < r.currentTerm {
		return &RequestVoteResponse{Term: r.currentTerm, VoteGranted: false}
	}
	if req.Term > r.currentTerm {
		r.becomeFollowerLocked(req.Term, "")
	}

	lastIndex := r.log.LastIndex()
	lastTerm := r.log.LastTerm()
	logUpToDate := req.LastLogTerm > lastTerm || (req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)

	granted := false
	if (r.votedFor == "" || r.votedFor == req.CandidateID) && logUpToDate {
		r.votedFor = req.CandidateID
		if err := r.stateStore.SetState(r.currentTerm, r.votedFor); err != nil {
			r.logger.Error().Err(err).Msg("failed to persist vote")
		}
		granted = true
		r.lastContact = r.opts.clock.Now()
	}

	return &RequestVoteResponse{Term: r.currentTerm, VoteGranted: granted}
}

// AppendEntries implements RPCHandler.
func (r *Raft) AppendEntries(req *AppendEntriesRequest) *AppendEntriesResponse {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isKnownPeerLocked(req.LeaderID) {
		r.noteSuspicionLocked(req.LeaderID)
	}
	r.verifyEnvelopeLocked(req.LeaderID, req.Signature, req.signingPayload())

	if req.Term < r.currentTerm {
		return &AppendEntriesResponse{Term: r.currentTerm, Success: false}
	}
	if req.Term > r.currentTerm || r.state != Follower {
		r.becomeFollowerLocked(req.Term, req.LeaderID)
	}
	r.leaderID = req.LeaderID
	r.lastContact = r.opts.clock.Now()

	if req.PrevLogIndex > 0 {
		existing, err := r.log.GetEntry(req.PrevLogIndex)
		if err != nil {
			return &AppendEntriesResponse{Term: r.currentTerm, Success: false, ConflictIndex: r.log.LastIndex() + 1}
		}
		if existing.Term != req.PrevLogTerm {
			conflictIndex, conflictTerm := r.firstIndexOfTermLocked(existing.Term)
			return &AppendEntriesResponse{Term: r.currentTerm, Success: false, ConflictIndex: conflictIndex, ConflictTerm: conflictTerm}
		}
	}

	for i, entry := range req.Entries {
		index := req.PrevLogIndex + uint64(i) + 1
		if r.log.Contains(index) {
			existing, _ := r.log.GetEntry(index)
			if existing.Term == entry.Term {
				continue
			}
			if err := r.log.Truncate(index); err != nil {
				r.logger.Error().Err(err).Msg("failed to truncate conflicting log entries")
			}
		}
		if err := r.log.AppendEntries(req.Entries[i:]); err != nil {
			r.logger.Error().Err(err).Msg("failed to append log entries")
		}
		break
	}

	if req.LeaderCommit > r.commitIndex {
		r.commitIndex = min64(req.LeaderCommit, r.log.LastIndex())
		r.applyCond.Broadcast()
	}

	return &AppendEntriesResponse{Term: r.currentTerm, Success: true}
}

// InstallSnapshot implements RPCHandler.
func (r *Raft) InstallSnapshot(req *InstallSnapshotRequest) *InstallSnapshotResponse {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isKnownPeerLocked(req.LeaderID) {
		r.noteSuspicionLocked(req.LeaderID)
	}
	r.verifyEnvelopeLocked(req.LeaderID, req.Signature, req.signingPayload())

	if req.Term < r.currentTerm {
		return &InstallSnapshotResponse{Term: r.currentTerm}
	}
	if req.Term > r.currentTerm {
		r.becomeFollowerLocked(req.Term, req.LeaderID)
	}
	r.leaderID = req.LeaderID
	r.lastContact = r.opts.clock.Now()

	if req.LastIncludedIndex <= r.lastApplied {
		return &InstallSnapshotResponse{Term: r.currentTerm}
	}

	if err := r.fsm.Restore(req.Data); err != nil {
		r.logger.Error().Err(err).Msg("failed to restore snapshot")
		return &InstallSnapshotResponse{Term: r.currentTerm}
	}
	if err := r.log.DiscardEntries(req.LastIncludedIndex, req.LastIncludedTerm); err != nil {
		r.logger.Error().Err(err).Msg("failed to discard log entries after snapshot install")
	}
	if err := r.snapshotStore.SaveSnapshot(&Snapshot{LastIncludedIndex: req.LastIncludedIndex, LastIncludedTerm: req.LastIncludedTerm, Data: req.Data}); err != nil {
		r.logger.Error().Err(err).Msg("failed to persist installed snapshot")
	}

	r.lastApplied = req.LastIncludedIndex
	if r.commitIndex < req.LastIncludedIndex {
		r.commitIndex = req.LastIncludedIndex
	}

	return &InstallSnapshotResponse{Term: r.currentTerm}
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func (r *Raft) isKnownPeerLocked(id string) bool {
	if id == "" || id == r.id {
		return true
	}
	_, ok := r.peers[id]
	return ok
}

// noteSuspicionLocked records an envelope anomaly from peer; above
// opts.suspicionThreshold the peer is quarantined. This is a
// misbehavior heuristic, not a Byzantine-safety guarantee.
func (r *Raft) noteSuspicionLocked(peer string) {
	if peer == "" {
		return
	}
	r.suspects[peer]++
	if r.suspects[peer] >= r.opts.suspicionThreshold {
		delete(r.peers, peer)
		r.quarantined[peer] = r.opts.clock.Now().Add(r.opts.quarantinePeriod)
		delete(r.suspects, peer)
		metrics.RaftQuarantinedPeersTotal.Set(float64(len(r.quarantined)))
		r.logger.Warn().Str("peer", peer).Msg("peer quarantined for suspected misbehavior")
	}
}

// verifyEnvelopeLocked checks an inbound RPC's signature, if signing is
// configured, and treats a mismatch as an envelope anomaly from sender.
// A request with no signature attached when verification is configured
// is itself a mismatch, not a silent pass.
func (r *Raft) verifyEnvelopeLocked(sender string, signature, payload []byte) {
	if r.opts.verifier == nil {
		return
	}
	if !r.opts.verifier.Verify(payload, signature) {
		r.noteSuspicionLocked(sender)
	}
}

// sign signs an outgoing RPC's payload if signing is configured,
// returning nil otherwise so the wire message simply carries no
// signature.
func (r *Raft) sign(payload []byte) []byte {
	if r.opts.signer == nil {
		return nil
	}
	return r.opts.signer.Sign(payload)
}

// releaseExpiredQuarantineLocked restores any peer whose quarantine
// period has elapsed back into the active peer set.
func (r *Raft) releaseExpiredQuarantineLocked(address map[string]string) {
	now := r.opts.clock.Now()
	for peer, until := range r.quarantined {
		if now.Before(until) {
			continue
		}
		delete(r.quarantined, peer)
		if addr, ok := address[peer]; ok {
			r.peers[peer] = addr
		}
	}
	metrics.RaftQuarantinedPeersTotal.Set(float64(len(r.quarantined)))
}

// firstIndexOfTermLocked returns the first index in the local log that
// has the given term, letting a follower's AppendEntries rejection tell
// the leader to skip an entire conflicting term at once.
func (r *Raft) firstIndexOfTermLocked(term uint64) (index, foundTerm uint64) {
	idx := r.log.LastIndex()
	for idx > 0 {
		entry, err := r.log.GetEntry(idx)
		if err != nil || entry.Term != term {
			break
		}
		index = idx
		foundTerm = term
		idx--
	}
	if index == 0 {
		return r.log.LastIndex() + 1, 0
	}
	return index, foundTerm
}

// becomeFollowerLocked steps down to Follower at term, optionally
// recording the known leader. term must never be lower than currentTerm.
func (r *Raft) becomeFollowerLocked(term uint64, leaderID string) {
	if term > r.currentTerm {
		r.currentTerm = term
		r.votedFor = ""
		if err := r.stateStore.SetState(r.currentTerm, r.votedFor); err != nil {
			r.logger.Error().Err(err).Msg("failed to persist term on step down")
		}
	}
	r.state = Follower
	r.leaderID = leaderID
	metrics.RaftState.Reset()
	metrics.RaftState.WithLabelValues(r.state.String()).Set(1)
	metrics.RaftTerm.Set(float64(r.currentTerm))
}

// becomeLeaderLocked transitions to Leader after winning an election,
// resetting per-peer replication progress and appending a no-op entry so
// prior-term entries become committable this term (the standard Raft fix
// for the "leader completeness" edge case).
func (r *Raft) becomeLeaderLocked() {
	r.state = Leader
	r.leaderID = r.id
	lastIndex := r.log.LastIndex()
	for peer := range r.peers {
		r.nextIndex[peer] = lastIndex + 1
		r.matchIndex[peer] = 0
	}
	r.matchIndex[r.id] = lastIndex
	metrics.RaftState.Reset()
	metrics.RaftState.WithLabelValues(r.state.String()).Set(1)

	noop := &LogEntry{Index: r.log.NextIndex(), Term: r.currentTerm, Type: NoOpEntry, Timestamp: r.opts.clock.Now()}
	if err := r.log.AppendEntry(noop); err != nil {
		r.logger.Error().Err(err).Msg("failed to append leader no-op entry")
	}
	r.matchIndex[r.id] = noop.Index

	r.logger.Info().Uint64("term", r.currentTerm).Msg("became leader")
}

// --- background loops ---

// electionLoop ticks on the heartbeat interval: a leader replicates on
// every tick, a follower or candidate starts a new election once the
// randomized election timeout has elapsed since last leader contact.
func (r *Raft) electionLoop() {
	defer r.wg.Done()
	ticker := r.opts.clock.NewTicker(r.opts.heartbeatInterval)
	defer ticker.Stop()

	timeout := r.randomElectionTimeout()

	for {
		select {
		case <-r.shutdownCh:
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		state := r.state
		peers := make(map[string]string, len(r.peers))
		for k, v := range r.peers {
			peers[k] = v
		}
		r.releaseExpiredQuarantineLocked(peers)
		elapsed := r.opts.clock.Now().Sub(r.lastContact)
		r.mu.Unlock()

		if state == Leader {
			r.replicateToPeers()
			continue
		}
		if elapsed >= timeout {
			r.startElection()
			timeout = r.randomElectionTimeout()
		}
	}
}

// startElection runs one candidacy attempt: increments the term, votes
// for self, and solicits votes from every known peer concurrently.
func (r *Raft) startElection() {
	r.mu.Lock()
	if r.state == Shutdown {
		r.mu.Unlock()
		return
	}
	r.currentTerm++
	r.state = Candidate
	r.votedFor = r.id
	term := r.currentTerm
	lastIndex := r.log.LastIndex()
	lastTerm := r.log.LastTerm()
	peers := make(map[string]string, len(r.peers))
	for k, v := range r.peers {
		peers[k] = v
	}
	if err := r.stateStore.SetState(term, r.votedFor); err != nil {
		r.logger.Error().Err(err).Msg("failed to persist vote for self")
	}
	r.lastContact = r.opts.clock.Now()
	metrics.RaftElectionsTotal.Inc()
	metrics.RaftTerm.Set(float64(term))
	r.mu.Unlock()

	r.logger.Info().Uint64("term", term).Msg("starting election")

	votes := 1 // self
	votesCh := make(chan bool, len(peers))
	for peerID, addr := range peers {
		go func(peerID, addr string) {
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.heartbeatInterval*4)
			defer cancel()
			req := &RequestVoteRequest{Term: term, CandidateID: r.id, LastLogIndex: lastIndex, LastLogTerm: lastTerm}
			req.Signature = r.sign(req.signingPayload())
			resp, err := r.transport.SendRequestVote(ctx, addr, req)
			if err != nil {
				votesCh <- false
				return
			}
			r.mu.Lock()
			if resp.Term > r.currentTerm {
				r.becomeFollowerLocked(resp.Term, "")
			}
			r.mu.Unlock()
			votesCh <- resp.VoteGranted
		}(peerID, addr)
	}

	for i := 0; i < len(peers); i++ {
		if <-votesCh {
			votes++
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Candidate && r.currentTerm == term && r.hasQuorum(votes) {
		r.becomeLeaderLocked()
		r.mu.Unlock()
		r.replicateToPeers()
		r.mu.Lock()
	}
}

// replicateToPeers sends an AppendEntries (or InstallSnapshot, if the
// follower has fallen behind the local log's retention) to every peer.
// Heartbeats and real replication share this path; an empty Entries
// slice is simply a heartbeat.
func (r *Raft) replicateToPeers() {
	r.mu.Lock()
	if r.state != Leader {
		r.mu.Unlock()
		return
	}
	peers := make(map[string]string, len(r.peers))
	for k, v := range r.peers {
		peers[k] = v
	}
	r.mu.Unlock()

	for peerID, addr := range peers {
		go r.replicateToPeer(peerID, addr)
	}
}

func (r *Raft) replicateToPeer(peerID, addr string) {
	r.mu.Lock()
	if r.state != Leader {
		r.mu.Unlock()
		return
	}
	term := r.currentTerm
	commitIndex := r.commitIndex
	nextIdx := r.nextIndex[peerID]
	if nextIdx == 0 {
		nextIdx = r.log.LastIndex() + 1
	}
	prevLogIndex := nextIdx - 1

	prevLogTerm, err := r.termAtLocked(prevLogIndex)
	if err != nil {
		// The leader has compacted past what this follower needs; send a
		// snapshot instead of entries.
		snap, ok, snapErr := r.snapshotStore.LatestSnapshot()
		r.mu.Unlock()
		if snapErr != nil || !ok {
			return
		}
		r.sendSnapshot(peerID, addr, term, snap)
		return
	}

	maxEntries := r.opts.maxEntriesPerRPC
	entries := make([]*LogEntry, 0, maxEntries)
	for idx := nextIdx; idx <= r.log.LastIndex() && len(entries) < maxEntries; idx++ {
		entry, err := r.log.GetEntry(idx)
		if err != nil {
			break
		}
		entries = append(entries, entry)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.heartbeatInterval*4)
	defer cancel()
	req := &AppendEntriesRequest{
		Term: term, LeaderID: r.id, PrevLogIndex: prevLogIndex, PrevLogTerm: prevLogTerm,
		Entries: entries, LeaderCommit: commitIndex,
	}
	req.Signature = r.sign(req.signingPayload())
	resp, err := r.transport.SendAppendEntries(ctx, addr, req)
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if resp.Term > r.currentTerm {
		r.becomeFollowerLocked(resp.Term, "")
		return
	}
	if r.state != Leader || term != r.currentTerm {
		return
	}
	if resp.Success {
		if len(entries) > 0 {
			r.matchIndex[peerID] = entries[len(entries)-1].Index
			r.nextIndex[peerID] = r.matchIndex[peerID] + 1
		}
		r.commitCond.Broadcast()
		return
	}

	if resp.ConflictTerm != 0 {
		if idx, ok := r.lastIndexOfTermLocked(resp.ConflictTerm); ok {
			r.nextIndex[peerID] = idx + 1
			return
		}
	}
	if resp.ConflictIndex > 0 {
		r.nextIndex[peerID] = resp.ConflictIndex
	} else if r.nextIndex[peerID] > 1 {
		r.nextIndex[peerID]--
	}
}

func (r *Raft) sendSnapshot(peerID, addr string, term uint64, snap *Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.heartbeatInterval*8)
	defer cancel()
	req := &InstallSnapshotRequest{
		Term: term, LeaderID: r.id, LastIncludedIndex: snap.LastIncludedIndex, LastIncludedTerm: snap.LastIncludedTerm, Data: snap.Data,
	}
	req.Signature = r.sign(req.signingPayload())
	resp, err := r.transport.SendInstallSnapshot(ctx, addr, req)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if resp.Term > r.currentTerm {
		r.becomeFollowerLocked(resp.Term, "")
		return
	}
	if r.state != Leader {
		return
	}
	r.matchIndex[peerID] = snap.LastIncludedIndex
	r.nextIndex[peerID] = snap.LastIncludedIndex + 1
}

// termAtLocked returns the term of the entry at index, consulting the
// latest snapshot when index predates the in-memory log.
func (r *Raft) termAtLocked(index uint64) (uint64, error) {
	if index == 0 {
		return 0, nil
	}
	if entry, err := r.log.GetEntry(index); err == nil {
		return entry.Term, nil
	}
	snap, ok, err := r.snapshotStore.LatestSnapshot()
	if err != nil {
		return 0, err
	}
	if ok && snap.LastIncludedIndex == index {
		return snap.LastIncludedTerm, nil
	}
	return 0, errs.New(errs.KindCorruption, fmt.Sprintf("raft: no term recorded for index %d", index))
}

func (r *Raft) lastIndexOfTermLocked(term uint64) (uint64, bool) {
	idx := r.log.LastIndex()
	for idx > 0 {
		entry, err := r.log.GetEntry(idx)
		if err != nil {
			return 0, false
		}
		if entry.Term == term {
			return idx, true
		}
		if entry.Term < term {
			return 0, false
		}
		idx--
	}
	return 0, false
}

// commitLoop advances commitIndex whenever a quorum of peers has
// replicated an entry from the current term, then wakes applyLoop.
func (r *Raft) commitLoop() {
	defer r.wg.Done()
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		for r.state != Leader && r.state != Shutdown {
			r.commitCond.Wait()
		}
		if r.state == Shutdown {
			return
		}

		advanced := false
		for idx := r.log.LastIndex(); idx > r.commitIndex; idx-- {
			entry, err := r.log.GetEntry(idx)
			if err != nil || entry.Term != r.currentTerm {
				continue
			}
			count := 0
			for peer := range r.peers {
				if r.matchIndex[peer] >= idx {
					count++
				}
			}
			if r.matchIndex[r.id] >= idx {
				count++
			}
			if r.hasQuorum(count) {
				r.commitIndex = idx
				metrics.RaftCommitIndex.Set(float64(idx))
				advanced = true
				break
			}
		}
		if advanced {
			r.applyCond.Broadcast()
		}
		r.commitCond.Wait()
	}
}

// applyLoop applies every committed-but-unapplied entry to the state
// machine in order, resolving SubmitOperation callers as their entries
// land, and triggers a snapshot once the state machine asks for one.
func (r *Raft) applyLoop() {
	defer r.wg.Done()
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		for r.commitIndex <= r.lastApplied && r.state != Shutdown {
			r.applyCond.Wait()
		}
		if r.state == Shutdown {
			return
		}

		index := r.lastApplied + 1
		entry, err := r.log.GetEntry(index)
		if err != nil {
			r.lastApplied = index
			continue
		}

		var response interface{}
		var applyErr error
		switch entry.Type {
		case ConfigChangeEntry:
			applyErr = r.applyConfigChangeLocked(entry)
		case CommandEntry:
			r.mu.Unlock()
			timer := metrics.NewTimer()
			response, applyErr = r.fsm.Apply(entry)
			timer.ObserveDuration(metrics.RaftApplyDuration)
			r.mu.Lock()
		}

		r.lastApplied = index
		metrics.RaftAppliedIndex.Set(float64(index))

		if ch, ok := r.operations[index]; ok {
			delete(r.operations, index)
			ch <- OperationResult{Index: index, Term: entry.Term, Response: response, Err: applyErr}
		}

		if r.pendingConfigChange != nil && r.pendingConfigChange.index == index {
			r.pendingConfigChange = nil
		}

		if r.log.Size() > r.opts.snapshotThreshold || r.fsm.NeedSnapshot(r.log.Size()) {
			r.takeSnapshotLocked()
		}
	}
}

// applyConfigChangeLocked mutates the peer set in response to a
// committed membership change.
func (r *Raft) applyConfigChangeLocked(entry *LogEntry) error {
	var change ConfigChange
	if err := json.Unmarshal(entry.Data, &change); err != nil {
		return fmt.Errorf("raft: decode config change: %w", err)
	}
	switch change.Kind {
	case AddServer:
		if change.ID != r.id {
			r.peers[change.ID] = change.Address
			r.nextIndex[change.ID] = r.log.LastIndex() + 1
			r.matchIndex[change.ID] = 0
		}
	case RemoveServer:
		delete(r.peers, change.ID)
		delete(r.nextIndex, change.ID)
		delete(r.matchIndex, change.ID)
	}
	metrics.RaftPeersTotal.Set(float64(len(r.peers)))
	return nil
}

// takeSnapshotLocked asks the state machine for a snapshot covering
// everything applied so far and compacts the log behind it.
func (r *Raft) takeSnapshotLocked() {
	lastIncludedIndex := r.lastApplied
	lastIncludedTerm, err := r.termAtLocked(lastIncludedIndex)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to resolve term for snapshot boundary")
		return
	}

	r.mu.Unlock()
	data, err := r.fsm.Snapshot()
	r.mu.Lock()

	if err != nil {
		r.logger.Error().Err(err).Msg("failed to snapshot state machine")
		return
	}
	if err := r.snapshotStore.SaveSnapshot(&Snapshot{LastIncludedIndex: lastIncludedIndex, LastIncludedTerm: lastIncludedTerm, Data: data}); err != nil {
		r.logger.Error().Err(err).Msg("failed to persist snapshot")
		return
	}
	if err := r.log.Compact(lastIncludedIndex); err != nil {
		r.logger.Error().Err(err).Msg("failed to compact log after snapshot")
	}
}
