package loadbalance

import (
	"errors"
	"sync/atomic"

	"rocket-rpc/registry"
)

var errNoInstances = errors.New("loadbalance: no instances available")

// RoundRobin distributes evenly across instances in order, lock-free.
type RoundRobin struct {
	counter atomic.Int64
}

func (b *RoundRobin) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, errNoInstances
	}
	index := b.counter.Add(1) % int64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobin) Name() string { return "RoundRobin" }
