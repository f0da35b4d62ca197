package loadbalance

import (
	"math/rand"

	"rocket-rpc/registry"
)

// WeightedRandom picks proportionally to instance weight, for heterogeneous
// fleets. Instances with weight <= 0 are treated as weight 1.
type WeightedRandom struct{}

func (b *WeightedRandom) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, errNoInstances
	}

	total := 0
	for _, in := range instances {
		total += weightOf(in)
	}

	r := rand.Intn(total)
	for i := range instances {
		r -= weightOf(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func weightOf(in registry.ServiceInstance) int {
	if in.Weight <= 0 {
		return 1
	}
	return in.Weight
}

func (b *WeightedRandom) Name() string { return "WeightedRandom" }
