package transport

import (
	"context"
	"net"
	"testing"

	"github.com/cuemby/aegis/pkg/raft"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

type fakeRPCHandler struct {
	voteGranted bool
	appendOK    bool
}

func (f *fakeRPCHandler) RequestVote(req *raft.RequestVoteRequest) *raft.RequestVoteResponse {
	return &raft.RequestVoteResponse{Term: req.Term, VoteGranted: f.voteGranted}
}

func (f *fakeRPCHandler) AppendEntries(req *raft.AppendEntriesRequest) *raft.AppendEntriesResponse {
	return &raft.AppendEntriesResponse{Term: req.Term, Success: f.appendOK}
}

func (f *fakeRPCHandler) InstallSnapshot(req *raft.InstallSnapshotRequest) *raft.InstallSnapshotResponse {
	return &raft.InstallSnapshotResponse{Term: req.Term}
}

func startBufconnServer(t *testing.T, handler raft.RPCHandler) (*bufconn.Listener, func()) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	RegisterRaftServer(srv, handler)
	go func() { _ = srv.Serve(lis) }()
	return lis, srv.Stop
}

func dialBufconn(t *testing.T, lis *bufconn.Listener) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	return conn
}

func TestGRPCTransportRequestVoteRoundTrips(t *testing.T) {
	lis, stop := startBufconnServer(t, &fakeRPCHandler{voteGranted: true})
	defer stop()
	conn := dialBufconn(t, lis)
	defer conn.Close()

	reply := new(raft.RequestVoteResponse)
	err := conn.Invoke(context.Background(), "/aegis.raft.RaftTransport/RequestVote",
		&raft.RequestVoteRequest{Term: 3, CandidateID: "node-2"}, reply)
	require.NoError(t, err)
	require.Equal(t, uint64(3), reply.Term)
	require.True(t, reply.VoteGranted)
}

func TestGRPCTransportAppendEntriesRoundTrips(t *testing.T) {
	lis, stop := startBufconnServer(t, &fakeRPCHandler{appendOK: true})
	defer stop()
	conn := dialBufconn(t, lis)
	defer conn.Close()

	reply := new(raft.AppendEntriesResponse)
	err := conn.Invoke(context.Background(), "/aegis.raft.RaftTransport/AppendEntries",
		&raft.AppendEntriesRequest{Term: 7, LeaderID: "node-1"}, reply)
	require.NoError(t, err)
	require.Equal(t, uint64(7), reply.Term)
	require.True(t, reply.Success)
}

func TestGRPCTransportInstallSnapshotRoundTrips(t *testing.T) {
	lis, stop := startBufconnServer(t, &fakeRPCHandler{})
	defer stop()
	conn := dialBufconn(t, lis)
	defer conn.Close()

	reply := new(raft.InstallSnapshotResponse)
	err := conn.Invoke(context.Background(), "/aegis.raft.RaftTransport/InstallSnapshot",
		&raft.InstallSnapshotRequest{Term: 9}, reply)
	require.NoError(t, err)
	require.Equal(t, uint64(9), reply.Term)
}

func TestGRPCTransportSendRequestVoteEndToEnd(t *testing.T) {
	lis, stop := startBufconnServer(t, &fakeRPCHandler{voteGranted: true})
	defer stop()

	client := NewGRPCTransport(0)
	defer client.Close()

	client.mu.Lock()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	client.conns["bufnet"] = conn
	client.mu.Unlock()

	reply, err := client.SendRequestVote(context.Background(), "bufnet", &raft.RequestVoteRequest{Term: 1, CandidateID: "node-3"})
	require.NoError(t, err)
	require.True(t, reply.VoteGranted)
}
