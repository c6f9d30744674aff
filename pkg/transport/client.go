package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/aegis/pkg/errs"
	"github.com/cuemby/aegis/pkg/raft"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// GRPCTransport is the network-backed raft.Transport: it dials peers over
// gRPC using the JSON "proto" codec registered in codec.go, caching one
// connection per target address.
type GRPCTransport struct {
	dialTimeout time.Duration

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCTransport returns a Transport that bounds each RPC by
// dialTimeout when the caller's context has no deadline of its own;
// dialTimeout <= 0 uses a 5s default.
func NewGRPCTransport(dialTimeout time.Duration) *GRPCTransport {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &GRPCTransport{
		dialTimeout: dialTimeout,
		conns:       make(map[string]*grpc.ClientConn),
	}
}

func (t *GRPCTransport) connFor(target string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[target]; ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errs.Wrap(errs.KindTransportUnavailable, err, fmt.Sprintf("transport: dial %s", target))
	}
	t.conns[target] = conn
	return conn, nil
}

// Close drops all cached connections, for graceful shutdown.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for target, conn := range t.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("transport: close conn to %s: %w", target, err)
		}
	}
	t.conns = make(map[string]*grpc.ClientConn)
	return firstErr
}

func withDialTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// SendRequestVote implements raft.Transport.
func (t *GRPCTransport) SendRequestVote(ctx context.Context, target string, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	conn, err := t.connFor(target)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withDialTimeout(ctx, t.dialTimeout)
	defer cancel()

	reply := new(raft.RequestVoteResponse)
	if err := conn.Invoke(ctx, "/aegis.raft.RaftTransport/RequestVote", req, reply); err != nil {
		return nil, errs.Wrap(errs.KindTransportUnavailable, err, fmt.Sprintf("transport: RequestVote to %s", target))
	}
	return reply, nil
}

// SendAppendEntries implements raft.Transport.
func (t *GRPCTransport) SendAppendEntries(ctx context.Context, target string, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	conn, err := t.connFor(target)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withDialTimeout(ctx, t.dialTimeout)
	defer cancel()

	reply := new(raft.AppendEntriesResponse)
	if err := conn.Invoke(ctx, "/aegis.raft.RaftTransport/AppendEntries", req, reply); err != nil {
		return nil, errs.Wrap(errs.KindTransportUnavailable, err, fmt.Sprintf("transport: AppendEntries to %s", target))
	}
	return reply, nil
}

// SendInstallSnapshot implements raft.Transport.
func (t *GRPCTransport) SendInstallSnapshot(ctx context.Context, target string, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	conn, err := t.connFor(target)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withDialTimeout(ctx, t.dialTimeout)
	defer cancel()

	reply := new(raft.InstallSnapshotResponse)
	if err := conn.Invoke(ctx, "/aegis.raft.RaftTransport/InstallSnapshot", req, reply); err != nil {
		return nil, errs.Wrap(errs.KindTransportUnavailable, err, fmt.Sprintf("transport: InstallSnapshot to %s", target))
	}
	return reply, nil
}
