package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/cuemby/aegis/pkg/raft"
	"google.golang.org/grpc"
)

// handlerAdapter adapts raft.RPCHandler (plain Go method signatures, no
// ctx/error — raft itself never touches the network) to raftRPCServer
// (the ctx/error shape grpc's generated code always produces).
type handlerAdapter struct {
	handler raft.RPCHandler
}

func (a handlerAdapter) RequestVote(ctx context.Context, req *requestVoteEnvelope) (*requestVoteReplyEnvelope, error) {
	return a.handler.RequestVote(req), nil
}

func (a handlerAdapter) AppendEntries(ctx context.Context, req *appendEntriesEnvelope) (*appendEntriesReplyEnvelope, error) {
	return a.handler.AppendEntries(req), nil
}

func (a handlerAdapter) InstallSnapshot(ctx context.Context, req *installSnapshotEnvelope) (*installSnapshotReplyEnvelope, error) {
	return a.handler.InstallSnapshot(req), nil
}

// RegisterRaftServer wires handler (normally the local *raft.Raft) into
// grpcServer so that peers dialing in via GRPCTransport reach it.
func RegisterRaftServer(grpcServer *grpc.Server, handler raft.RPCHandler) {
	grpcServer.RegisterService(&raftServiceDesc, handlerAdapter{handler: handler})
}

// Listen binds a TCP listener on address for the gRPC server to serve on.
func Listen(address string) (net.Listener, error) {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("transport: listen on %s: %w", address, err)
	}
	return lis, nil
}
