package types

import (
	"fmt"
	"strings"
	"time"
)

type NodeState int

const (
	NodeActive NodeState = iota
	NodeInactive
)

func (s NodeState) String() string {
	switch s {
	case NodeActive:
		return "ACTIVE"
	case NodeInactive:
		return "INACTIVE"
	default:
		return fmt.Sprintf("NodeState(%d)", int(s))
	}
}

// ClusterNode is one entry of a topology snapshot. Snapshots are replaced
// wholesale on refresh, never patched in place.
type ClusterNode struct {
	Address string    `json:"address"`
	State   NodeState `json:"state"`
}

func (n ClusterNode) IsActive() bool {
	return n.State == NodeActive
}

// ClusterType selects which topology provider answers for a request.
type ClusterType int

const (
	ClusterHadoop2 ClusterType = iota
	ClusterPresto
	ClusterTest
	ClusterTestMultinode
	ClusterStatic
)

var clusterTypeNames = map[ClusterType]string{
	ClusterHadoop2:       "hadoop2",
	ClusterPresto:        "presto",
	ClusterTest:          "test",
	ClusterTestMultinode: "test-multinode",
	ClusterStatic:        "static",
}

func (t ClusterType) String() string {
	if name, ok := clusterTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ClusterType(%d)", int(t))
}

func (t ClusterType) Valid() bool {
	_, ok := clusterTypeNames[t]
	return ok
}

// ParseClusterType accepts either the symbolic name or the ordinal.
func ParseClusterType(s string) (ClusterType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range clusterTypeNames {
		if name == s || fmt.Sprint(int(t)) == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown cluster type %q", s)
}

// CacheKey identifies a remote object. LastModified is part of the identity
// so a changed remote file never serves blocks cached for the old version.
type CacheKey struct {
	BackendPath  string
	FileLength   int64
	LastModified int64
}

func (k CacheKey) String() string {
	return fmt.Sprintf("%s@%d[%d]", k.BackendPath, k.LastModified, k.FileLength)
}

// BlockRange is a half-open range of block indices [Start, End).
type BlockRange struct {
	Start int64
	End   int64
}

func (r BlockRange) Len() int64 {
	return r.End - r.Start
}

func (r BlockRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

type Location int

const (
	LocationLocal Location = iota
	LocationCached
	LocationRemote
)

func (l Location) String() string {
	switch l {
	case LocationLocal:
		return "LOCAL"
	case LocationCached:
		return "CACHED"
	case LocationRemote:
		return "REMOTE"
	default:
		return fmt.Sprintf("Location(%d)", int(l))
	}
}

type HeartbeatStatus struct {
	CachingValidated bool `json:"caching_validated"`
	FileValidated    bool `json:"file_validated"`
}

type WorkerHealth struct {
	Hostname string
	LastSeen time.Time
	Status   HeartbeatStatus
}
