package loadbalance

import (
	"testing"

	"github.com/stretchr/testify/require"

	"rocket-rpc/registry"
)

func instances(addrs ...string) []registry.ServiceInstance {
	out := make([]registry.ServiceInstance, len(addrs))
	for i, a := range addrs {
		out[i] = registry.ServiceInstance{Addr: a}
	}
	return out
}

func TestRoundRobinCyclesEvenly(t *testing.T) {
	b := &RoundRobin{}
	list := instances("a:1", "b:1", "c:1")

	counts := make(map[string]int)
	for i := 0; i < 9; i++ {
		in, err := b.Pick(list)
		require.NoError(t, err)
		counts[in.Addr]++
	}
	require.Equal(t, map[string]int{"a:1": 3, "b:1": 3, "c:1": 3}, counts)
}

func TestRoundRobinEmptyList(t *testing.T) {
	b := &RoundRobin{}
	_, err := b.Pick(nil)
	require.Error(t, err)
}

func TestWeightedRandomRespectsWeights(t *testing.T) {
	b := &WeightedRandom{}
	list := []registry.ServiceInstance{
		{Addr: "heavy:1", Weight: 100},
		{Addr: "light:1", Weight: 1},
	}

	counts := make(map[string]int)
	for i := 0; i < 400; i++ {
		in, err := b.Pick(list)
		require.NoError(t, err)
		counts[in.Addr]++
	}
	require.Greater(t, counts["heavy:1"], counts["light:1"], "weights ignored: %v", counts)
}

func TestWeightedRandomTreatsNonPositiveWeightAsOne(t *testing.T) {
	b := &WeightedRandom{}
	list := []registry.ServiceInstance{
		{Addr: "a:1", Weight: 0},
		{Addr: "b:1", Weight: -5},
	}
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		in, err := b.Pick(list)
		require.NoError(t, err)
		seen[in.Addr] = true
	}
	require.True(t, seen["a:1"] && seen["b:1"], "zero-weight instances starved: %v", seen)
}

func TestWeightedRandomEmptyList(t *testing.T) {
	b := &WeightedRandom{}
	_, err := b.Pick(nil)
	require.Error(t, err)
}

func TestNames(t *testing.T) {
	require.Equal(t, "RoundRobin", (&RoundRobin{}).Name())
	require.Equal(t, "WeightedRandom", (&WeightedRandom{}).Name())
}
