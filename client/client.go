// Package client is the high-level call surface: it discovers service
// instances through a registry, picks one with a balancer, and multiplexes
// all calls to an address over one shared channel.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"rocket-rpc/channel"
	"rocket-rpc/loadbalance"
	"rocket-rpc/registry"
)

// Client resolves "Service.Method" targets and issues calls over shared
// channels. Safe for concurrent use.
type Client struct {
	registry registry.Registry
	balancer loadbalance.Balancer
	log      *zap.Logger

	chanOpts []channel.Option

	mu       sync.Mutex
	channels map[string]*channel.Channel // one multiplexed channel per address
}

// New builds a client. chanOpts are applied to every channel it dials.
func New(reg registry.Registry, bal loadbalance.Balancer, log *zap.Logger, chanOpts ...channel.Option) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		registry: reg,
		balancer: bal,
		log:      log,
		chanOpts: append([]channel.Option{channel.WithLogger(log)}, chanOpts...),
		channels: make(map[string]*channel.Channel),
	}
}

// getChannel returns the live channel for addr, dialing one if needed. The
// channel multiplexes, so concurrent callers share it instead of borrowing
// exclusive connections from a pool.
func (c *Client) getChannel(addr string) (*channel.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.channels[addr]; ok {
		if ch.State() == channel.StateActive {
			return ch, nil
		}
		// Stale entry (draining or closed): release it before re-dialing so
		// its loop and socket are not left to wind down on their own.
		ch.ForceClose()
		delete(c.channels, addr)
	}

	ch, err := channel.Dial("tcp", addr, c.chanOpts...)
	if err != nil {
		return nil, err
	}
	c.channels[addr] = ch
	return ch, nil
}

func (c *Client) pick(serviceMethod string) (string, error) {
	split := strings.Split(serviceMethod, ".")
	if len(split) != 2 {
		return "", fmt.Errorf("client: invalid method format %q", serviceMethod)
	}

	instances, err := c.registry.Discover(split[0])
	if err != nil {
		return "", err
	}
	instance, err := c.balancer.Pick(instances)
	if err != nil {
		return "", err
	}
	return instance.Addr, nil
}

// Call issues a request-response call: args are JSON-marshaled, the reply is
// JSON-unmarshaled into reply. Failures carry an rpcerr kind.
func (c *Client) Call(ctx context.Context, serviceMethod string, args, reply any, opts *channel.RpcOptions) error {
	addr, err := c.pick(serviceMethod)
	if err != nil {
		return err
	}
	ch, err := c.getChannel(addr)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return err
	}
	respPayload, err := ch.Call(ctx, serviceMethod, payload, opts)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return json.Unmarshal(respPayload, reply)
}

// Oneway issues a fire-and-forget call: it returns once the request is on
// the wire, and no response is expected.
func (c *Client) Oneway(serviceMethod string, args any, opts *channel.RpcOptions) error {
	addr, err := c.pick(serviceMethod)
	if err != nil {
		return err
	}
	ch, err := c.getChannel(addr)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return ch.Oneway(serviceMethod, payload, opts)
}

// Channel exposes the shared channel for an address, dialing if needed.
// Callers use it to reconfigure a live connection (admission limit,
// timeouts, compression) at runtime.
func (c *Client) Channel(addr string) (*channel.Channel, error) {
	return c.getChannel(addr)
}

// Close force-closes every channel.
func (c *Client) Close() {
	c.mu.Lock()
	channels := c.channels
	c.channels = make(map[string]*channel.Channel)
	c.mu.Unlock()

	for _, ch := range channels {
		ch.ForceClose()
	}
}
