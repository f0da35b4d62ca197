package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"rocket-rpc/checksum"
	"rocket-rpc/codec"
	"rocket-rpc/compress"
	"rocket-rpc/frame"
	"rocket-rpc/loop"
	"rocket-rpc/message"
	"rocket-rpc/rpcerr"
)

// serverConn is the capability set the selector instantiates per accepted
// socket. Variants: rocketConn (full feature set) and legacyConn (plain
// request/response).
type serverConn interface {
	serve()
	forceClose()
	remoteAddr() string
}

// inbound is one received request while it waits for and undergoes dispatch.
type inbound struct {
	h        *frame.Header
	env      *message.Envelope
	received time.Time
	queued   bool        // still waiting for a dispatch slot
	timer    *time.Timer // queue-timeout timer, nil when no bound
}

// rocketConn serves the full protocol: compression, checksums, oneway,
// concurrency-capped dispatch with queue timeout. Its mutable state (queue,
// active count) is owned by one worker loop; the socket is read by exactly
// one goroutine.
type rocketConn struct {
	srv  *Server
	conn net.Conn
	lp   *loop.Loop
	neg  *compress.Negotiator
	log  *zap.Logger

	// loop-owned
	active int
	queue  []*inbound
	closed bool
}

func newRocketConn(srv *Server, conn net.Conn, lp *loop.Loop) *rocketConn {
	// Connection-scoped settings are fixed here, before the first frame is
	// served.
	neg, err := compress.NewNegotiator(srv.o.algo, srv.o.minCompress)
	if err != nil {
		// Options were validated at construction; an unknown algo here is a
		// programming error.
		panic(err)
	}
	return &rocketConn{
		srv:  srv,
		conn: conn,
		lp:   lp,
		neg:  neg,
		log:  srv.log.With(zap.String("peer", conn.RemoteAddr().String())),
	}
}

func (c *rocketConn) remoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *rocketConn) forceClose() { c.conn.Close() }

// serve is the connection's only frame reader. Decoded requests are handed
// to the owning loop for dispatch accounting.
func (c *rocketConn) serve() {
	defer func() {
		c.conn.Close()
		c.lp.Submit(func() { c.teardown() })
	}()

	for {
		h, body, sum, err := frame.Decode(c.conn, c.srv.o.maxRequestSize)
		if err != nil {
			if errors.Is(err, frame.ErrBodyTooLarge) {
				// Oversized request: fail that call, keep the connection.
				c.replyFailure(h, rpcerr.PayloadTooLarge, "request body too large")
				continue
			}
			// Bad magic or socket failure: the stream is unusable.
			return
		}
		c.srv.mgr.framesRecv.Add(1)

		switch h.Type {
		case frame.TypeHeartbeat:
			// Liveness only, never dispatched.
			continue
		case frame.TypeRequest, frame.TypeOneway:
			c.accept(h, body, sum)
		default:
			c.log.Warn("unexpected frame type from client", zap.Uint8("type", uint8(h.Type)))
		}
	}
}

// accept verifies and decodes one request on the read goroutine, then posts
// it to the loop for dispatch. Verification failures fail the one call.
func (c *rocketConn) accept(h *frame.Header, body, sum []byte) {
	if h.Flags&frame.FlagChecksummed != 0 && !checksum.Verify(body, sum) {
		c.replyFailure(h, rpcerr.IntegrityFailure, "request checksum mismatch")
		return
	}
	if h.Flags&frame.FlagCompressed != 0 {
		var err error
		body, err = c.neg.Depress(body)
		if err != nil {
			c.replyFailure(h, rpcerr.MalformedPayload, err.Error())
			return
		}
	}
	if !codec.Valid(codec.Type(h.CodecType)) {
		c.replyFailure(h, rpcerr.MalformedPayload, "unknown codec")
		return
	}

	env := &message.Envelope{}
	if err := codec.Get(codec.Type(h.CodecType)).Decode(body, env); err != nil {
		c.replyFailure(h, rpcerr.MalformedPayload, err.Error())
		return
	}

	in := &inbound{h: h, env: env, received: time.Now()}
	c.lp.Submit(func() { c.enqueue(in) })
}

// enqueue runs on the loop: start the handler if a slot is free, otherwise
// queue the request under the queue timeout.
func (c *rocketConn) enqueue(in *inbound) {
	if c.closed {
		return
	}
	if c.active < c.srv.o.maxConcurrent {
		c.start(in)
		return
	}

	in.queued = true
	c.queue = append(c.queue, in)
	if qt := c.srv.o.queueTimeout; qt > 0 {
		// Independent of dispatch activity: fires even if no worker ever
		// frees up.
		in.timer = time.AfterFunc(qt, func() {
			c.lp.Submit(func() { c.expire(in) })
		})
	}
}

// start runs on the loop: claim a slot and run the handler concurrently.
func (c *rocketConn) start(in *inbound) {
	c.active++
	c.srv.wg.Add(1)
	go c.run(in)
}

// run executes the middleware chain and handler off-loop, then releases the
// slot and pumps the queue.
func (c *rocketConn) run(in *inbound) {
	defer c.srv.wg.Done()

	resp := c.srv.handler(context.Background(), in.env)
	if in.h.Type == frame.TypeRequest {
		c.reply(in.h, frame.TypeResponse, resp)
	}

	c.lp.Submit(func() {
		c.active--
		c.pump()
	})
}

// pump runs on the loop: move queued requests into free slots, expiring any
// whose queue deadline passed while they waited. The handler never runs for
// an already-expired request.
func (c *rocketConn) pump() {
	qt := c.srv.o.queueTimeout
	for c.active < c.srv.o.maxConcurrent && len(c.queue) > 0 {
		in := c.queue[0]
		c.queue = c.queue[1:]
		if !in.queued {
			continue // already expired by its timer
		}
		in.queued = false
		if in.timer != nil {
			in.timer.Stop()
		}
		if qt > 0 && time.Since(in.received) > qt {
			c.rejectExpired(in)
			continue
		}
		c.start(in)
	}
}

// expire runs on the loop when a queued request's timer fires.
func (c *rocketConn) expire(in *inbound) {
	if !in.queued || c.closed {
		return
	}
	in.queued = false // pump skips it when it reaches the head
	c.rejectExpired(in)
}

func (c *rocketConn) rejectExpired(in *inbound) {
	if in.h.Type == frame.TypeOneway {
		c.log.Warn("oneway dropped on queue timeout", zap.String("method", in.env.Method))
		return
	}
	c.reply(in.h, frame.TypeError, &message.Envelope{
		Method:  in.env.Method,
		ErrKind: rpcerr.Timeout,
		Error:   "queue timeout before dispatch",
	})
}

// replyFailure sends a transport-level error frame for a request that never
// reached dispatch. Oneway requests get no reply, only a log line.
func (c *rocketConn) replyFailure(h *frame.Header, kind rpcerr.Kind, text string) {
	if h.Type == frame.TypeOneway {
		c.log.Warn("oneway request dropped",
			zap.Stringer("kind", kind), zap.String("error", text))
		return
	}
	c.reply(h, frame.TypeError, &message.Envelope{ErrKind: kind, Error: text})
}

// reply encodes and writes a response frame. All writes go through the loop,
// so response frames from concurrent handlers never interleave.
func (c *rocketConn) reply(req *frame.Header, typ frame.Type, env *message.Envelope) {
	c.lp.Submit(func() {
		if c.closed {
			return
		}

		ct := codec.Type(req.CodecType)
		if !codec.Valid(ct) {
			ct = codec.TypeBinary
		}
		body, err := codec.Get(ct).Encode(env)
		if err != nil {
			c.log.Error("response encode failed", zap.Error(err))
			return
		}

		body, pressed, err := c.neg.Press(body)
		if err != nil {
			c.log.Error("response compression failed", zap.Error(err))
			return
		}

		h := &frame.Header{CodecType: byte(ct), Type: typ, Seq: req.Seq}
		if pressed {
			h.Flags |= frame.FlagCompressed
		}
		var sum []byte
		if req.Flags&frame.FlagChecksummed != 0 {
			// Mirror the caller's integrity choice on the way back.
			h.Flags |= frame.FlagChecksummed
			sum = checksum.Sum(body)
		}

		if err := frame.Encode(c.conn, h, body, sum); err != nil {
			c.teardown()
			return
		}
		c.srv.mgr.framesSent.Add(1)
	})
}

// teardown runs on the loop. Queued requests are dropped; their callers see
// the connection close.
func (c *rocketConn) teardown() {
	if c.closed {
		return
	}
	c.closed = true
	for _, in := range c.queue {
		if in.timer != nil {
			in.timer.Stop()
		}
	}
	c.queue = nil
	c.conn.Close()
}

// legacyConn is the pre-rocket framed variant: request/response and oneway
// over the same frame layout, but no compression, no checksums, no dispatch
// queue — each request runs in its own goroutine immediately, with a shared
// write mutex like the original framed servers.
type legacyConn struct {
	srv     *Server
	conn    net.Conn
	log     *zap.Logger
	writeMu sync.Mutex
}

func newLegacyConn(srv *Server, conn net.Conn) *legacyConn {
	return &legacyConn{
		srv:  srv,
		conn: conn,
		log:  srv.log.With(zap.String("peer", conn.RemoteAddr().String())),
	}
}

func (c *legacyConn) remoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *legacyConn) forceClose() { c.conn.Close() }

func (c *legacyConn) serve() {
	defer c.conn.Close()
	for {
		h, body, _, err := frame.Decode(c.conn, c.srv.o.maxRequestSize)
		if err != nil {
			return
		}
		c.srv.mgr.framesRecv.Add(1)

		switch h.Type {
		case frame.TypeHeartbeat:
			continue
		case frame.TypeRequest, frame.TypeOneway:
			if h.Flags != 0 {
				if h.Type == frame.TypeRequest {
					c.write(h, frame.TypeError, &message.Envelope{
						ErrKind: rpcerr.MalformedPayload,
						Error:   "compression and checksums not supported by this protocol variant",
					})
				}
				continue
			}
			c.srv.wg.Add(1)
			go c.handleRequest(h, body)
		default:
			c.log.Warn("unexpected frame type from client", zap.Uint8("type", uint8(h.Type)))
		}
	}
}

func (c *legacyConn) handleRequest(h *frame.Header, body []byte) {
	defer c.srv.wg.Done()

	env := &message.Envelope{}
	if !codec.Valid(codec.Type(h.CodecType)) {
		c.write(h, frame.TypeError, &message.Envelope{
			ErrKind: rpcerr.MalformedPayload, Error: "unknown codec"})
		return
	}
	if err := codec.Get(codec.Type(h.CodecType)).Decode(body, env); err != nil {
		c.write(h, frame.TypeError, &message.Envelope{
			ErrKind: rpcerr.MalformedPayload, Error: err.Error()})
		return
	}

	resp := c.srv.handler(context.Background(), env)
	if h.Type == frame.TypeRequest {
		c.write(h, frame.TypeResponse, resp)
	}
}

func (c *legacyConn) write(req *frame.Header, typ frame.Type, env *message.Envelope) {
	body, err := codec.Get(codec.Type(req.CodecType)).Encode(env)
	if err != nil {
		c.log.Error("response encode failed", zap.Error(err))
		return
	}
	h := &frame.Header{CodecType: req.CodecType, Type: typ, Seq: req.Seq}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := frame.Encode(c.conn, h, body, nil); err != nil {
		c.conn.Close()
		return
	}
	c.srv.mgr.framesSent.Add(1)
}
