package transport

import (
	"context"

	"google.golang.org/grpc"
)

// raftRPCServer is what the gRPC service dispatches to. It mirrors
// raft.RPCHandler but in gRPC unary-method shape (context in, error out)
// since raft.RPCHandler itself never touches the network.
type raftRPCServer interface {
	RequestVote(ctx context.Context, req *requestVoteEnvelope) (*requestVoteReplyEnvelope, error)
	AppendEntries(ctx context.Context, req *appendEntriesEnvelope) (*appendEntriesReplyEnvelope, error)
	InstallSnapshot(ctx context.Context, req *installSnapshotEnvelope) (*installSnapshotReplyEnvelope, error)
}

func requestVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(requestVoteEnvelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(raftRPCServer).RequestVote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/aegis.raft.RaftTransport/RequestVote"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(raftRPCServer).RequestVote(ctx, req.(*requestVoteEnvelope))
	}
	return interceptor(ctx, in, info, handler)
}

func appendEntriesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(appendEntriesEnvelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(raftRPCServer).AppendEntries(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/aegis.raft.RaftTransport/AppendEntries"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(raftRPCServer).AppendEntries(ctx, req.(*appendEntriesEnvelope))
	}
	return interceptor(ctx, in, info, handler)
}

func installSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(installSnapshotEnvelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(raftRPCServer).InstallSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/aegis.raft.RaftTransport/InstallSnapshot"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(raftRPCServer).InstallSnapshot(ctx, req.(*installSnapshotEnvelope))
	}
	return interceptor(ctx, in, info, handler)
}

// raftServiceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit from a .proto file defining the three Raft RPCs, built
// directly against grpc.ServiceDesc since no .proto source is available.
var raftServiceDesc = grpc.ServiceDesc{
	ServiceName: "aegis.raft.RaftTransport",
	HandlerType: (*raftRPCServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "InstallSnapshot", Handler: installSnapshotHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/transport/raft.go",
}
