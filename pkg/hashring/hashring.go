// Package hashring maps cache keys onto cluster nodes with consistent
// hashing. Only ACTIVE nodes take part in the ring, so deactivating or
// removing a node moves just the keys that node owned.
package hashring

import (
	"errors"
	"sort"
	"strconv"

	"bookkeeper/pkg/types"

	"github.com/cespare/xxhash/v2"
)

// DefaultReplicas is the number of ring positions per node. Positions depend
// only on the node address, which keeps assignments of surviving nodes stable.
const DefaultReplicas = 32

var ErrNoAvailableNodes = errors.New("no available nodes")

type point struct {
	hash    uint64
	address string
}

type Ring struct {
	points   []point
	members  []string
	replicas int
}

// New builds a ring over the ACTIVE nodes. Duplicate addresses collapse into
// one member.
func New(nodes []types.ClusterNode, replicas int) *Ring {
	if replicas <= 0 {
		replicas = 1
	}

	seen := make(map[string]struct{}, len(nodes))
	r := &Ring{replicas: replicas}
	for _, n := range nodes {
		if !n.IsActive() {
			continue
		}
		if _, dup := seen[n.Address]; dup {
			continue
		}
		seen[n.Address] = struct{}{}
		r.members = append(r.members, n.Address)
		for i := 0; i < replicas; i++ {
			r.points = append(r.points, point{hash: pointHash(n.Address, i, replicas), address: n.Address})
		}
	}

	sort.Slice(r.points, func(i, j int) bool {
		if r.points[i].hash != r.points[j].hash {
			return r.points[i].hash < r.points[j].hash
		}
		return r.points[i].address < r.points[j].address
	})
	sort.Strings(r.members)
	return r
}

// Get returns the owner of key: the first ring position at or after the
// key's hash, wrapping to the smallest position.
func (r *Ring) Get(key string) (string, error) {
	if len(r.points) == 0 {
		return "", ErrNoAvailableNodes
	}

	h := xxhash.Sum64String(key)
	idx := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].hash >= h
	})
	if idx == len(r.points) {
		idx = 0
	}
	return r.points[idx].address, nil
}

// Members returns the sorted addresses taking part in the ring.
func (r *Ring) Members() []string {
	out := make([]string, len(r.members))
	copy(out, r.members)
	return out
}

func (r *Ring) Len() int {
	return len(r.members)
}

// Assign is the one-shot form of New(nodes, DefaultReplicas).Get(key).
func Assign(nodes []types.ClusterNode, key string) (string, error) {
	return New(nodes, DefaultReplicas).Get(key)
}

func pointHash(address string, i, replicas int) uint64 {
	if replicas == 1 {
		return xxhash.Sum64String(address)
	}
	return xxhash.Sum64String(address + "#" + strconv.Itoa(i))
}
