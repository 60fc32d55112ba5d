package shared

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server is a gRPC server whose unary handlers run on a bounded worker pool.
// Requests beyond the pool size queue until a worker frees up.
type Server struct {
	grpc   *grpc.Server
	pool   *ants.Pool
	logger *zap.Logger
}

type antsLogger struct {
	sugar *zap.SugaredLogger
}

func (l antsLogger) Printf(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func NewServer(maxWorkers int, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxWorkers <= 0 {
		return nil, fmt.Errorf("max workers must be positive, got %d", maxWorkers)
	}

	pool, err := ants.NewPool(maxWorkers, ants.WithLogger(antsLogger{sugar: logger.Sugar()}))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	s := &Server{pool: pool, logger: logger}
	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(
		LoggingInterceptor(logger),
		PoolInterceptor(pool, logger),
	))
	return s, nil
}

// Registrar is where services get registered.
func (s *Server) Registrar() grpc.ServiceRegistrar {
	return s.grpc
}

func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop drains in-flight requests until ctx is done, then closes every
// connection and releases the pool.
func (s *Server) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Graceful stop timed out, closing connections")
		s.grpc.Stop()
		<-done
	}
	s.pool.Release()
}

// PoolInterceptor runs each handler on pool.
func PoolInterceptor(pool *ants.Pool, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		type result struct {
			resp interface{}
			err  error
		}
		done := make(chan result, 1)

		err := pool.Submit(func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Handler panicked", zap.String("method", info.FullMethod), zap.Any("panic", r))
					done <- result{err: status.Errorf(codes.Internal, "internal error in %s", info.FullMethod)}
				}
			}()
			resp, err := handler(ctx, req)
			done <- result{resp: resp, err: err}
		})
		if err != nil {
			return nil, status.Errorf(codes.ResourceExhausted, "server busy: %v", err)
		}

		select {
		case r := <-done:
			return r.resp, r.err
		case <-ctx.Done():
			return nil, status.FromContextError(ctx.Err()).Err()
		}
	}
}

func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Debug("RPC failed",
				zap.String("method", info.FullMethod),
				zap.Duration("duration", time.Since(start)),
				zap.Stringer("code", status.Code(err)),
				zap.Error(err))
		} else {
			logger.Debug("RPC served",
				zap.String("method", info.FullMethod),
				zap.Duration("duration", time.Since(start)))
		}
		return resp, err
	}
}
