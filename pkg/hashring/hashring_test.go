package hashring

import (
	"fmt"
	"math/rand"
	"strconv"
	"testing"

	"bookkeeper/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeNodes(active, inactive int) []types.ClusterNode {
	nodes := make([]types.ClusterNode, 0, active+inactive)
	for i := 0; i < active; i++ {
		nodes = append(nodes, types.ClusterNode{Address: strconv.Itoa(i + 1), State: types.NodeActive})
	}
	for i := active; i < active+inactive; i++ {
		nodes = append(nodes, types.ClusterNode{Address: strconv.Itoa(i + 1), State: types.NodeInactive})
	}
	return nodes
}

func randomKeys(n int) []string {
	rng := rand.New(rand.NewSource(42))
	const chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890"
	keys := make([]string, n)
	for i := range keys {
		b := make([]byte, 18)
		for j := range b {
			b[j] = chars[rng.Intn(len(chars))]
		}
		keys[i] = string(b)
	}
	return keys
}

func membership(t *testing.T, nodes []types.ClusterNode, keys []string) map[string]string {
	t.Helper()
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		owner, err := Assign(nodes, k)
		require.NoError(t, err)
		out[k] = owner
	}
	return out
}

func TestAssignDeterministic(t *testing.T) {
	nodes := makeNodes(5, 0)
	for _, k := range randomKeys(100) {
		a, err := Assign(nodes, k)
		require.NoError(t, err)
		b, err := Assign(nodes, k)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
}

func TestAssignOrderIndependent(t *testing.T) {
	nodes := makeNodes(6, 0)
	reversed := make([]types.ClusterNode, len(nodes))
	for i, n := range nodes {
		reversed[len(nodes)-1-i] = n
	}

	keys := randomKeys(200)
	assert.Equal(t, membership(t, nodes, keys), membership(t, reversed, keys))
}

func TestSpotLoss(t *testing.T) {
	fourLive := makeNodes(4, 0)
	fourLiveOneDecommissioned := makeNodes(4, 1)

	before, err := Assign(fourLive, "1")
	require.NoError(t, err)
	after, err := Assign(fourLiveOneDecommissioned, "1")
	require.NoError(t, err)

	assert.Equal(t, before, after, "an extra INACTIVE node must not move keys")
}

func TestDownScaling(t *testing.T) {
	keys := randomKeys(1000)
	sixLive := makeNodes(6, 0)
	fourLive := makeNodes(4, 0)

	before := membership(t, sixLive, keys)
	after := membership(t, fourLive, keys)

	survivors := map[string]bool{}
	for _, n := range fourLive {
		survivors[n.Address] = true
	}

	moved := 0
	for _, k := range keys {
		if survivors[before[k]] {
			assert.Equal(t, before[k], after[k], "key %s owned by a surviving node moved", k)
		} else {
			moved++
			assert.True(t, survivors[after[k]])
		}
	}
	assert.Positive(t, moved)
}

func TestDecommissionEquivalentToRemoval(t *testing.T) {
	keys := randomKeys(500)
	removed := membership(t, makeNodes(4, 0), keys)
	deactivated := membership(t, makeNodes(4, 2), keys)
	assert.Equal(t, removed, deactivated)
}

func TestNoAvailableNodes(t *testing.T) {
	_, err := Assign(nil, "key")
	assert.ErrorIs(t, err, ErrNoAvailableNodes)

	_, err = Assign(makeNodes(0, 3), "key")
	assert.ErrorIs(t, err, ErrNoAvailableNodes)
}

func TestSingleReplicaRing(t *testing.T) {
	ring := New(makeNodes(3, 1), 1)
	assert.Equal(t, 3, ring.Len())
	assert.Equal(t, []string{"1", "2", "3"}, ring.Members())

	for i := 0; i < 50; i++ {
		owner, err := ring.Get(fmt.Sprintf("key-%d", i))
		require.NoError(t, err)
		assert.Contains(t, ring.Members(), owner)
	}
}

func TestReplicasSpreadLoad(t *testing.T) {
	nodes := makeNodes(4, 0)
	counts := map[string]int{}
	for _, k := range randomKeys(4000) {
		owner, err := Assign(nodes, k)
		require.NoError(t, err)
		counts[owner]++
	}

	require.Len(t, counts, 4)
	for addr, c := range counts {
		assert.Greater(t, c, 400, "node %s is starved", addr)
	}
}

func TestDuplicateAddressesCollapse(t *testing.T) {
	nodes := append(makeNodes(2, 0), types.ClusterNode{Address: "1", State: types.NodeActive})
	assert.Equal(t, 2, New(nodes, DefaultReplicas).Len())
}
