package api

import (
	"context"
	"strings"

	applog "github.com/cuemby/aegis/pkg/log"
	"github.com/cuemby/aegis/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// readOnlyMethods is the allow-list ReadOnlyInterceptor enforces when the
// API server is started read-only (aegisd's --read-only flag) — queries
// and status reads never submit anything to Raft.
var readOnlyMethods = map[string]bool{
	"SubmitQuery":   true,
	"ClusterStatus": true,
}

// ReadOnlyInterceptor rejects write RPCs (SubmitCommand), for listeners
// that should only ever serve reads — e.g. a local, unauthenticated
// socket. This service's fixed three-method surface makes an exact-name
// allow-list simpler than a prefix-based one.
func ReadOnlyInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if !readOnlyMethods[methodName(info.FullMethod)] {
			return nil, status.Error(codes.PermissionDenied, "write operations not allowed on this listener")
		}
		return handler(ctx, req)
	}
}

func methodName(fullMethod string) string {
	parts := strings.Split(fullMethod, "/")
	return parts[len(parts)-1]
}

// LoggingInterceptor logs every RPC and records aegis_api_requests_total
// and aegis_api_request_duration_seconds via
// pkg/metrics.APIRequestsTotal/APIRequestDuration.
func LoggingInterceptor() grpc.UnaryServerInterceptor {
	logger := applog.WithComponent("api")
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		method := methodName(info.FullMethod)
		timer := metrics.NewTimer()

		resp, err := handler(ctx, req)

		outcome := "success"
		if err != nil {
			outcome = "error"
			logger.Error().Str("method", method).Err(err).Msg("rpc failed")
		}
		metrics.APIRequestsTotal.WithLabelValues(method, outcome).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, method)
		return resp, err
	}
}

// ChainUnaryInterceptors composes interceptors in call order: the first
// entry runs outermost.
func ChainUnaryInterceptors(interceptors ...grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		chained := handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			next := chained
			interceptor := interceptors[i]
			chained = func(ctx context.Context, req interface{}) (interface{}, error) {
				return interceptor(ctx, req, info, next)
			}
		}
		return chained(ctx, req)
	}
}
