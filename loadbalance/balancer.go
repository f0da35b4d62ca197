// Package loadbalance selects a target instance for each new channel.
//
// Because every call to an address shares one multiplexed channel, the
// balancer runs per channel establishment, not per call; strategies that buy
// per-call affinity have nothing to select here.
package loadbalance

import "rocket-rpc/registry"

// Balancer picks one instance from the discovered list. Must be
// goroutine-safe.
type Balancer interface {
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name identifies the strategy in logs.
	Name() string
}
