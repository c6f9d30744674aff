package api

import (
	"context"
	"fmt"
	"net"

	"github.com/cuemby/aegis/pkg/cluster"
	"github.com/cuemby/aegis/pkg/dispatch"
	applog "github.com/cuemby/aegis/pkg/log"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
)

// Server implements the client-facing AegisAPI gRPC service: it forwards
// commands and queries to the local dispatchers and reports this
// replica's Raft status.
type Server struct {
	manager *cluster.Manager
	commands *dispatch.Dispatcher
	queries *dispatch.QueryDispatcher

	grpc *grpc.Server
	logger zerolog.Logger
}

// NewServer builds an AegisAPI Server over an already-constructed
// Cluster Manager and dispatchers, wiring the logging and read-only
// interceptors the way pkg/api/interceptor.go defines them.
func NewServer(mgr *cluster.Manager, commands *dispatch.Dispatcher, queries *dispatch.QueryDispatcher, readOnly bool) *Server {
	interceptors := []grpc.UnaryServerInterceptor{LoggingInterceptor()}
	if readOnly {
		interceptors = append(interceptors, ReadOnlyInterceptor())
	}

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(ChainUnaryInterceptors(interceptors...)),
	)

	s := &Server{
		manager: mgr,
		commands: commands,
		queries: queries,
		grpc: grpcServer,
		logger: applog.WithComponent("api"),
	}
	grpcServer.RegisterService(&aegisAPIServiceDesc, aegisAPIServer(s))
	return s
}

// Start listens on addr and serves until Stop is called or the listener
// errors.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen on %s: %w", addr, err)
	}
	s.logger.Info().Str("addr", addr).Msg("api server listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// SubmitCommand implements aegisAPIServer.
func (s *Server) SubmitCommand(ctx context.Context, req *SubmitCommandRequest) (*SubmitCommandResponse, error) {
	result, err := s.commands.Dispatch(ctx, req.Type, req.Payload, req.CorrelationID, req.CausationID, req.UserID)
	if err != nil {
		return nil, err
	}
	return &SubmitCommandResponse{Result: result}, nil
}

// SubmitQuery implements aegisAPIServer.
func (s *Server) SubmitQuery(ctx context.Context, req *SubmitQueryRequest) (*SubmitQueryResponse, error) {
	filters := make([]dispatch.Filter, len(req.Filters))
	for i, f := range req.Filters {
		filters[i] = dispatch.Filter{Field: f.Field, Op: f.Op, Value: f.Value}
	}

	result, err := s.queries.Dispatch(ctx, dispatch.QueryRequest{
		Type: req.Type,
		Params: req.Params,
		Filters: filters,
		Page: req.Page,
		PageSize: req.PageSize,
		CorrelationID: req.CorrelationID,
		CausationID: req.CausationID,
		UserID: req.UserID,
	})
	if err != nil {
		return nil, err
	}
	return &SubmitQueryResponse{
		Data: result.Data,
		TotalCount: result.TotalCount,
		Page: result.Page,
		PageSize: result.PageSize,
	}, nil
}

// ClusterStatus implements aegisAPIServer.
func (s *Server) ClusterStatus(ctx context.Context, req *ClusterStatusRequest) (*ClusterStatusResponse, error) {
	status := s.manager.Status()
	return &ClusterStatusResponse{
		NodeID: status.ID,
		Address: status.Address,
		State: status.State.String(),
		Term: status.Term,
		CommitIndex: status.CommitIndex,
		LastApplied: status.LastApplied,
		LeaderID: status.LeaderID,
		Peers: status.Peers,
	}, nil
}
