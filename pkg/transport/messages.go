package transport

import "github.com/cuemby/aegis/pkg/raft"

// The wire messages are the same exported structs pkg/raft already
// defines for its RPCHandler — grpc's generated code normally owns this
// translation, but with the hand-registered JSON codec (codec.go) the
// raft structs themselves are valid wire types, so no separate
// proto-generated mirror is needed.

type requestVoteEnvelope = raft.RequestVoteRequest
type requestVoteReplyEnvelope = raft.RequestVoteResponse
type appendEntriesEnvelope = raft.AppendEntriesRequest
type appendEntriesReplyEnvelope = raft.AppendEntriesResponse
type installSnapshotEnvelope = raft.InstallSnapshotRequest
type installSnapshotReplyEnvelope = raft.InstallSnapshotResponse
