package raft

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cuemby/aegis/pkg/errs"
)

// RequestVoteRequest is the RequestVote RPC argument. Signature, when
// signing is configured (WithSigning), covers every other field and is
// checked by the receiving replica before the vote is considered.
type RequestVoteRequest struct {
	Term uint64
	CandidateID string
	LastLogIndex uint64
	LastLogTerm uint64
	Signature []byte
}

// signingPayload returns the bytes RequestVote's signature is computed
// over, excluding the signature field itself.
func (r *RequestVoteRequest) signingPayload() []byte {
	var buf bytes.Buffer
	buf.WriteString("requestVote")
	_ = binary.Write(&buf, binary.BigEndian, r.Term)
	buf.WriteString(r.CandidateID)
	_ = binary.Write(&buf, binary.BigEndian, r.LastLogIndex)
	_ = binary.Write(&buf, binary.BigEndian, r.LastLogTerm)
	return buf.Bytes()
}

// RequestVoteResponse is the RequestVote RPC result.
type RequestVoteResponse struct {
	Term uint64
	VoteGranted bool
}

// AppendEntriesRequest is the AppendEntries RPC argument, doubling as the
// leader's heartbeat when Entries is empty.
type AppendEntriesRequest struct {
	Term uint64
	LeaderID string
	PrevLogIndex uint64
	PrevLogTerm uint64
	Entries []*LogEntry
	LeaderCommit uint64
	Signature []byte
}

// signingPayload returns the bytes AppendEntries' signature is computed
// over, excluding the signature field itself.
func (r *AppendEntriesRequest) signingPayload() []byte {
	var buf bytes.Buffer
	buf.WriteString("appendEntries")
	_ = binary.Write(&buf, binary.BigEndian, r.Term)
	buf.WriteString(r.LeaderID)
	_ = binary.Write(&buf, binary.BigEndian, r.PrevLogIndex)
	_ = binary.Write(&buf, binary.BigEndian, r.PrevLogTerm)
	_ = binary.Write(&buf, binary.BigEndian, r.LeaderCommit)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(r.Entries)))
	for _, e := range r.Entries {
		_ = binary.Write(&buf, binary.BigEndian, e.Index)
		_ = binary.Write(&buf, binary.BigEndian, e.Term)
		buf.Write(e.Data)
	}
	return buf.Bytes()
}

// AppendEntriesResponse is the AppendEntries RPC result. ConflictIndex and
// ConflictTerm let the leader skip straight to the first index of the
// conflicting term instead of decrementing nextIndex one at a time.
type AppendEntriesResponse struct {
	Term uint64
	Success bool
	ConflictIndex uint64
	ConflictTerm uint64
}

// InstallSnapshotRequest is the InstallSnapshot RPC argument.
type InstallSnapshotRequest struct {
	Term uint64
	LeaderID string
	LastIncludedIndex uint64
	LastIncludedTerm uint64
	Data []byte
	Signature []byte
}

// signingPayload returns the bytes InstallSnapshot's signature is
// computed over, excluding the signature field itself.
func (r *InstallSnapshotRequest) signingPayload() []byte {
	var buf bytes.Buffer
	buf.WriteString("installSnapshot")
	_ = binary.Write(&buf, binary.BigEndian, r.Term)
	buf.WriteString(r.LeaderID)
	_ = binary.Write(&buf, binary.BigEndian, r.LastIncludedIndex)
	_ = binary.Write(&buf, binary.BigEndian, r.LastIncludedTerm)
	buf.Write(r.Data)
	return buf.Bytes()
}

// InstallSnapshotResponse is the InstallSnapshot RPC result.
type InstallSnapshotResponse struct {
	Term uint64
}

// RPCHandler is implemented by Raft itself, and is what a Transport
// dispatches an inbound RPC to.
type RPCHandler interface {
	RequestVote(req *RequestVoteRequest) *RequestVoteResponse
	AppendEntries(req *AppendEntriesRequest) *AppendEntriesResponse
	InstallSnapshot(req *InstallSnapshotRequest) *InstallSnapshotResponse
}

// Transport is how a replica reaches its peers. Implementations carry
// RPCs over the wire (pkg/transport's gRPC-backed implementation) or, for
// tests, entirely in memory.
type Transport interface {
	SendRequestVote(ctx context.Context, target string, req *RequestVoteRequest) (*RequestVoteResponse, error)
	SendAppendEntries(ctx context.Context, target string, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
	SendInstallSnapshot(ctx context.Context, target string, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
}

// LocalNetwork is a shared, in-process registry of RPCHandlers keyed by
// address, used by LocalTransport. It supports simulating a network
// partition the way partition(nodeSet)/heal() events do.
type LocalNetwork struct {
	mu sync.Mutex
	nodes map[string]RPCHandler
	partitioned map[string]map[string]bool
}

// NewLocalNetwork returns an empty LocalNetwork.
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		nodes: make(map[string]RPCHandler),
		partitioned: make(map[string]map[string]bool),
	}
}

// Register associates address with handler so LocalTransports can reach it.
func (n *LocalNetwork) Register(address string, handler RPCHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[address] = handler
}

// Deregister removes address from the network.
func (n *LocalNetwork) Deregister(address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, address)
}

// Partition blocks traffic in both directions between a and b.
func (n *LocalNetwork) Partition(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.partitioned[a] == nil {
		n.partitioned[a] = make(map[string]bool)
	}
	if n.partitioned[b] == nil {
		n.partitioned[b] = make(map[string]bool)
	}
	n.partitioned[a][b] = true
	n.partitioned[b][a] = true
}

// Heal removes any partition between a and b.
func (n *LocalNetwork) Heal(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.partitioned[a], b)
	delete(n.partitioned[b], a)
}

func (n *LocalNetwork) blocked(a, b string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.partitioned[a][b]
}

func (n *LocalNetwork) handlerFor(address string) (RPCHandler, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.nodes[address]
	return h, ok
}

// LocalTransport is an in-process Transport over a shared LocalNetwork,
// used by raft's own tests and by components that embed Raft in a single
// test process without a real listener.
type LocalTransport struct {
	address string
	network *LocalNetwork
}

// NewLocalTransport returns a Transport for address over network.
func NewLocalTransport(network *LocalNetwork, address string) *LocalTransport {
	return &LocalTransport{address: address, network: network}
}

func (t *LocalTransport) deliver(ctx context.Context, target string) (RPCHandler, error) {
	if t.network.blocked(t.address, target) {
		return nil, errs.New(errs.KindTransportUnavailable, fmt.Sprintf("raft: %s is partitioned from %s", t.address, target))
	}
	handler, ok := t.network.handlerFor(target)
	if !ok {
		return nil, errs.New(errs.KindTransportUnavailable, fmt.Sprintf("raft: no such peer %s", target))
	}
	select {
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindTimeout, ctx.Err(), "raft: rpc context cancelled")
	default:
	}
	return handler, nil
}

// SendRequestVote implements Transport.
func (t *LocalTransport) SendRequestVote(ctx context.Context, target string, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	handler, err := t.deliver(ctx, target)
	if err != nil {
		return nil, err
	}
	return handler.RequestVote(req), nil
}

// SendAppendEntries implements Transport.
func (t *LocalTransport) SendAppendEntries(ctx context.Context, target string, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	handler, err := t.deliver(ctx, target)
	if err != nil {
		return nil, err
	}
	return handler.AppendEntries(req), nil
}

// SendInstallSnapshot implements Transport.
func (t *LocalTransport) SendInstallSnapshot(ctx context.Context, target string, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	handler, err := t.deliver(ctx, target)
	if err != nil {
		return nil, err
	}
	return handler.InstallSnapshot(req), nil
}
