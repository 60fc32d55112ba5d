package bookkeeper

import (
	"errors"

	"bookkeeper/pkg/cache"
	"bookkeeper/pkg/cluster"
	"bookkeeper/pkg/fetch"
	"bookkeeper/pkg/hashring"
	"bookkeeper/pkg/types"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// StatusError maps service errors to gRPC status codes.
func StatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, cache.ErrInvalidKey):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, hashring.ErrNoAvailableNodes):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, cluster.ErrViewsClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, cluster.ErrClusterManagerInitialization):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, fetch.ErrRemoteFetch):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, cache.ErrStoreClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// ClusterType validates a cluster type hint from a request.
func ClusterType(hint int32) (types.ClusterType, error) {
	t := types.ClusterType(hint)
	if !t.Valid() {
		return 0, status.Errorf(codes.InvalidArgument, "unknown cluster type %d", hint)
	}
	return t, nil
}

