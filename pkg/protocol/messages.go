package protocol

import "bookkeeper/pkg/types"

type ReadDataRequest struct {
	Path         string `json:"path"`
	Offset       int64  `json:"offset"`
	Length       int64  `json:"length"`
	FileSize     int64  `json:"file_size"`
	LastModified int64  `json:"last_modified"`
	ClusterType  int32  `json:"cluster_type"`
}

type ReadDataResponse struct {
	Success      bool   `json:"success"`
	BytesFetched int64  `json:"bytes_fetched"`
	Message      string `json:"message,omitempty"`
}

type GetCacheStatusRequest struct {
	Path         string `json:"path"`
	FileSize     int64  `json:"file_size"`
	LastModified int64  `json:"last_modified"`
	StartBlock   int64  `json:"start_block"`
	EndBlock     int64  `json:"end_block"`
	ClusterType  int32  `json:"cluster_type"`
}

type BlockLocation struct {
	Location types.Location `json:"location"`
	Remote   string         `json:"remote,omitempty"`
}

type GetCacheStatusResponse struct {
	Blocks []BlockLocation `json:"blocks"`
}

type HeartbeatRequest struct {
	Hostname string                `json:"hostname"`
	Status   types.HeartbeatStatus `json:"status"`
}

type HeartbeatResponse struct {
	Ack bool `json:"ack"`
}

type GetClusterNodesRequest struct {
	ClusterType int32 `json:"cluster_type"`
}

type GetClusterNodesResponse struct {
	Nodes []types.ClusterNode `json:"nodes"`
}

type GetOwnerNodeRequest struct {
	Path        string `json:"path"`
	ClusterType int32  `json:"cluster_type"`
}

type GetOwnerNodeResponse struct {
	Address string `json:"address"`
}

type AliveRequest struct{}

type AliveResponse struct {
	Alive    bool   `json:"alive"`
	Role     string `json:"role"`
	Hostname string `json:"hostname"`
}
