// Package registry provides service registration and discovery for rocket-rpc
// servers and clients.
package registry

import (
	"fmt"
	"sync"
)

// ServiceInstance is one addressable server for a service.
type ServiceInstance struct {
	Addr    string
	Weight  int // load-balancing weight
	Version string
}

type Registry interface {
	// Register announces an instance with a TTL in seconds; the registry
	// keeps it alive until Deregister or process death.
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]ServiceInstance, error)
	// Watch emits updated instance lists on membership changes.
	Watch(serviceName string) <-chan []ServiceInstance
}

// Static is an in-memory Registry with a fixed instance set. Useful for
// single-process deployments and tests where etcd is overkill.
type Static struct {
	mu        sync.RWMutex
	instances map[string][]ServiceInstance
}

func NewStatic() *Static {
	return &Static{instances: make(map[string][]ServiceInstance)}
}

func (s *Static) Register(serviceName string, instance ServiceInstance, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range s.instances[serviceName] {
		if in.Addr == instance.Addr {
			return nil
		}
	}
	s.instances[serviceName] = append(s.instances[serviceName], instance)
	return nil
}

func (s *Static) Deregister(serviceName string, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.instances[serviceName]
	for i, in := range list {
		if in.Addr == addr {
			s.instances[serviceName] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Static) Discover(serviceName string) ([]ServiceInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.instances[serviceName]
	if len(list) == 0 {
		return nil, fmt.Errorf("registry: no instances for service %q", serviceName)
	}
	out := make([]ServiceInstance, len(list))
	copy(out, list)
	return out, nil
}

func (s *Static) Watch(string) <-chan []ServiceInstance {
	// Static membership never changes; the channel never fires.
	return make(chan []ServiceInstance)
}
