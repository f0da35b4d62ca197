// Package server implements the rocket-rpc server: accept loop, per-socket
// protocol-variant selection, connection manager, reflection service
// dispatch, and graceful shutdown.
//
// Request pipeline:
//
//	Accept → selectConn (rocket or legacy variant) → conn read loop
//	  → verify checksum → decompress → decode envelope
//	  → dispatch queue (concurrency cap + queue timeout)
//	  → middleware chain → service method (reflect.Call)
//	  → encode → compress → checksum → response frame
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"rocket-rpc/loop"
	"rocket-rpc/message"
	"rocket-rpc/middleware"
	"rocket-rpc/registry"
	"rocket-rpc/rpcerr"
)

// Server accepts connections and dispatches decoded requests to registered
// services through the middleware chain.
type Server struct {
	o        options
	log      *zap.Logger
	services map[string]*service

	middlewares []middleware.Middleware
	handler     middleware.Handler

	listener atomic.Value // net.Listener
	shutdown atomic.Bool
	wg       sync.WaitGroup // in-flight handlers, for graceful drain

	mgr   *Manager
	loops *loop.Group

	registry      registry.Registry
	advertiseAddr string
}

func NewServer(opts ...Option) *Server {
	o := defaultServerOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{
		o:        o,
		log:      o.log,
		services: make(map[string]*service),
		mgr:      newManager(o.onAccept, o.onClose),
	}
}

// Register makes the exported RPC-shaped methods of rcvr callable remotely
// under the receiver's type name.
func (svr *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	svr.services[svc.name] = svc
	return nil
}

// Use appends a middleware; middlewares run in registration order around
// every dispatched request.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Manager exposes the connection registry for observers.
func (svr *Server) Manager() *Manager { return svr.mgr }

// Serve listens on address and runs the accept loop until Shutdown.
// advertiseAddr is the routable address registered in the registry (the
// listen address ":0"/":8080" is not routable); pass reg nil to skip
// discovery.
func (svr *Server) Serve(network, address, advertiseAddr string, reg registry.Registry) error {
	// Build the dispatch chain once, not per request. Recovery is always
	// outermost: an uncaught handler fault must become an error response,
	// never a dead connection.
	chain := append([]middleware.Middleware{middleware.Recovery(svr.log)}, svr.middlewares...)
	svr.handler = middleware.Chain(chain...)(svr.businessHandler)
	svr.loops = loop.NewGroup(svr.o.loops)

	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	svr.listener.Store(listener)

	svr.advertiseAddr = advertiseAddr
	if reg != nil {
		svr.registry = reg
		for serviceName := range svr.services {
			if err := reg.Register(serviceName, registry.ServiceInstance{
				Addr: advertiseAddr,
			}, 10); err != nil {
				svr.log.Warn("service registration failed",
					zap.String("service", serviceName), zap.Error(err))
			}
		}
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			// Shutdown closes the listener; that Accept failure is expected.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		sc := svr.selectConn(conn)
		svr.mgr.add(sc)
		go func() {
			sc.serve()
			svr.mgr.remove(sc)
		}()
	}
}

// Addr returns the bound listen address, or nil before Serve has bound one.
// Useful with ":0" listen addresses.
func (svr *Server) Addr() net.Addr {
	if v := svr.listener.Load(); v != nil {
		return v.(net.Listener).Addr()
	}
	return nil
}

// selectConn is the dispatch selector: it chooses the connection
// implementation for an accepted socket from server configuration and
// applies connection-scoped settings before the connection serves traffic.
func (svr *Server) selectConn(conn net.Conn) serverConn {
	if svr.o.rocket {
		return newRocketConn(svr, conn, svr.loops.Next())
	}
	return newLegacyConn(svr, conn)
}

// Shutdown drains gracefully: deregister so clients stop routing here, stop
// accepting, wait up to timeout for in-flight handlers, then tear down the
// remaining connections and worker loops.
func (svr *Server) Shutdown(timeout time.Duration) error {
	if svr.registry != nil {
		for serviceName := range svr.services {
			svr.registry.Deregister(serviceName, svr.advertiseAddr)
		}
	}

	// Flag before closing the listener so Serve sees an intentional close.
	svr.shutdown.Store(true)
	if v := svr.listener.Load(); v != nil {
		v.(net.Listener).Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for in-flight requests to finish")
	}

	svr.mgr.forceCloseAll()
	if svr.loops != nil {
		svr.loops.Close()
	}
	return err
}

// businessHandler resolves "Service.Method", decodes the JSON args, invokes
// the method by reflection, and encodes the reply. It is the innermost
// handler of the middleware chain.
func (svr *Server) businessHandler(_ context.Context, req *message.Envelope) *message.Envelope {
	fail := func(kind rpcerr.Kind, text string) *message.Envelope {
		return &message.Envelope{Method: req.Method, ErrKind: kind, Error: text}
	}

	split := strings.Split(req.Method, ".")
	if len(split) != 2 {
		return fail(rpcerr.AppUnexpected, fmt.Sprintf("invalid method format %q", req.Method))
	}
	svc, ok := svr.services[split[0]]
	if !ok {
		return fail(rpcerr.AppUnexpected, fmt.Sprintf("unknown service %q", split[0]))
	}
	mt, ok := svc.method[split[1]]
	if !ok {
		return fail(rpcerr.AppUnexpected, fmt.Sprintf("unknown method %q", req.Method))
	}

	argv := reflect.New(mt.ArgType)
	replyv := reflect.New(mt.ReplyType)

	if err := json.Unmarshal(req.Payload, argv.Interface()); err != nil {
		return fail(rpcerr.MalformedPayload, "bad args: "+err.Error())
	}

	if err := svc.call(mt, argv, replyv); err != nil {
		// The method's declared error contract: an expected application
		// exception, carried in the response payload position.
		return fail(rpcerr.AppExpected, err.Error())
	}

	payload, err := json.Marshal(replyv.Interface())
	if err != nil {
		return fail(rpcerr.AppUnexpected, "reply marshal: "+err.Error())
	}
	return &message.Envelope{Method: req.Method, Payload: payload}
}
