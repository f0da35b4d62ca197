// Package channel implements the client side of rocket-rpc: one multiplexed
// channel over one persistent TCP connection.
//
// Many calls share the connection concurrently. Each call gets a fresh
// sequence number, waits in the pending-call table, and is matched to its
// response purely by that number — responses may arrive in any order. All
// channel state (the table, the admission limit, the timeouts) is owned by a
// single loop; callers on other goroutines marshal work onto it, which is
// what lets the table be a plain map with no lock.
//
//	goroutine-1 ──Call(seq=1)──┐
//	goroutine-2 ──Call(seq=2)──┼──→ loop task → single TCP conn ──→ server
//	goroutine-3 ──Oneway(seq=3)┘
//
//	readLoop:  ←── response(seq=2) → table.resolve(2) → goroutine-2 wakes up
package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
	"go.uber.org/zap"

	"rocket-rpc/checksum"
	"rocket-rpc/codec"
	"rocket-rpc/compress"
	"rocket-rpc/frame"
	"rocket-rpc/loop"
	"rocket-rpc/message"
	"rocket-rpc/rpcerr"
)

// State is the channel lifecycle state.
type State int32

const (
	StateOpening State = iota
	StateActive
	StateDraining
	StateClosed // terminal
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ErrMigrateTarget is returned by Migrate when the target loop is nil or no
// longer accepting work.
var ErrMigrateTarget = errors.New("channel: migration target loop is closed")

// Channel is one multiplexed RPC connection. Safe for concurrent use.
type Channel struct {
	conn net.Conn
	cdc  codec.Codec
	neg  *compress.Negotiator
	log  *zap.Logger
	halt *idem.Halter

	// lp is the owning loop. Swapped by Migrate; loaded fresh at every
	// submission so post-migration work lands on the new loop.
	lp atomic.Pointer[loop.Loop]

	// privLoop is the loop New created when none was supplied. It stays
	// alive until the channel dies even if the channel migrates off it, so
	// tasks queued around the swap always get to run.
	privLoop    *loop.Loop
	releaseOnce sync.Once

	state       atomic.Int32
	maxRespSize atomic.Int64 // read by readLoop off-loop
	lastRecv    atomic.Int64 // unix nanos of last inbound frame

	// loop-owned; touched only in loop tasks.
	tbl           *table
	defaultTO     time.Duration
	checksumByDef bool
	streamExpires time.Duration

	framesSent atomic.Uint64
	framesRecv atomic.Uint64
}

// Dial connects to addr and returns an active channel.
func Dial(network, addr string, opts ...Option) (*Channel, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	return New(conn, opts...)
}

// New wraps an established connection. The channel takes ownership of conn.
func New(conn net.Conn, opts ...Option) (*Channel, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	neg, err := compress.NewNegotiator(o.algo, o.minCompress)
	if err != nil {
		conn.Close()
		return nil, err
	}

	c := &Channel{
		conn:          conn,
		cdc:           codec.Get(o.codecType),
		neg:           neg,
		log:           o.log,
		halt:          idem.NewHalter(),
		tbl:           newTable(o.maxPending),
		defaultTO:     o.defaultTO,
		checksumByDef: o.checksum,
		streamExpires: o.streamExpires,
	}
	c.state.Store(int32(StateOpening))
	c.maxRespSize.Store(int64(o.maxRespSize))
	c.lastRecv.Store(time.Now().UnixNano())

	lp := o.lp
	if lp == nil {
		lp = loop.New()
		c.privLoop = lp
	}
	c.lp.Store(lp)

	c.state.Store(int32(StateActive))
	go c.readLoop()
	if o.heartbeat > 0 {
		go c.heartbeatLoop(o.heartbeat)
	}
	if o.streamExpires > 0 {
		c.armExpiration(o.streamExpires)
	}
	return c, nil
}

// State returns the current lifecycle state.
func (c *Channel) State() State { return State(c.state.Load()) }

// Pending returns the number of in-flight calls.
func (c *Channel) Pending() int {
	n := 0
	c.await(func() { n = c.tbl.size() })
	return n
}

// FramesSent and FramesRecv are per-channel traffic counters.
func (c *Channel) FramesSent() uint64 { return c.framesSent.Load() }
func (c *Channel) FramesRecv() uint64 { return c.framesRecv.Load() }

// submitLoop posts fn to the owning loop without waiting. If a migration
// lands between queueing and execution, the task re-posts itself to the new
// loop instead of touching channel state from the old one, so the
// single-owner invariant holds across the swap.
func (c *Channel) submitLoop(fn func()) error {
	lp := c.lp.Load()
	var wrapped func()
	wrapped = func() {
		if cur := c.lp.Load(); cur != lp {
			lp = cur
			if cur.Submit(wrapped) == nil {
				return
			}
			// The new loop was closed out from under a live channel, which
			// breaks the ownership contract. Running inline beats dropping
			// the task and hanging a caller.
		}
		fn()
	}
	return lp.Submit(wrapped)
}

// await runs fn on the owning loop and waits for it. A closed loop maps to
// TransportClosed: the only way the loop dies while the channel lives is
// teardown.
func (c *Channel) await(fn func()) error {
	done := make(chan struct{})
	if err := c.submitLoop(func() {
		fn()
		close(done)
	}); err != nil {
		return rpcerr.Wrap(rpcerr.TransportClosed, err)
	}
	<-done
	return nil
}

// Call issues a request-response call and blocks until the response, the
// call's deadline, ctx, or channel close. args is the already-serialized
// application payload; the returned bytes are the serialized result.
func (c *Channel) Call(ctx context.Context, method string, args []byte, opts *RpcOptions) ([]byte, error) {
	var (
		cl   *call
		serr error
	)
	if err := c.await(func() {
		cl, serr = c.startCall(frame.TypeRequest, method, args, opts)
	}); err != nil {
		return nil, err
	}
	if serr != nil {
		return nil, serr
	}

	select {
	case res := <-cl.done:
		return res.payload, res.err
	case <-ctx.Done():
		// Caller abandoned the wait; free the slot. If the resolution raced
		// us the resolve below is a no-op and the table is already clean.
		seq := cl.seq
		c.submitLoop(func() {
			if c.tbl.resolve(seq, result{err: rpcerr.Wrap(rpcerr.Timeout, ctx.Err())}) {
				c.maybeFinishDrain()
			}
		})
		return nil, rpcerr.Wrap(rpcerr.Timeout, ctx.Err())
	}
}

// Oneway issues a fire-and-forget call. It is subject to the same admission
// limit as Call, but completes as soon as the request frame has been written
// to the socket: the pending slot is held only from admission until the
// write returns, and no application response is ever expected.
func (c *Channel) Oneway(method string, args []byte, opts *RpcOptions) error {
	var serr error
	if err := c.await(func() {
		var cl *call
		cl, serr = c.startCall(frame.TypeOneway, method, args, opts)
		if serr == nil {
			// Written successfully; the call is complete for the caller.
			c.tbl.remove(cl.seq)
		}
	}); err != nil {
		return err
	}
	return serr
}

// startCall runs on the loop: admission, table insert, encode, compress,
// checksum, frame write, deadline arm.
func (c *Channel) startCall(kind frame.Type, method string, args []byte, opts *RpcOptions) (*call, error) {
	if st := c.State(); st != StateActive {
		return nil, rpcerr.Newf(rpcerr.TransportClosed, "channel is %v", st)
	}
	if opts == nil {
		opts = &RpcOptions{Checksum: c.checksumByDef}
	}

	cl, err := c.tbl.submit(kind)
	if err != nil {
		return nil, err
	}

	env := &message.Envelope{Method: method, Payload: args}
	body, err := c.cdc.Encode(env)
	if err != nil {
		c.tbl.remove(cl.seq)
		return nil, rpcerr.Wrap(rpcerr.MalformedPayload, err)
	}

	body, pressed, err := c.neg.Press(body)
	if err != nil {
		c.tbl.remove(cl.seq)
		return nil, rpcerr.Wrap(rpcerr.MalformedPayload, err)
	}

	h := &frame.Header{
		CodecType: byte(c.cdc.Type()),
		Type:      kind,
		Seq:       cl.seq,
	}
	if pressed {
		h.Flags |= frame.FlagCompressed
	}
	var sum []byte
	if opts.Checksum {
		h.Flags |= frame.FlagChecksummed
		sum = checksum.Sum(body)
	}

	if err := frame.Encode(c.conn, h, body, sum); err != nil {
		// A write error is a connection failure, not a per-call one.
		c.tbl.remove(cl.seq)
		c.teardown(rpcerr.Wrap(rpcerr.TransportClosed, err))
		return nil, rpcerr.Wrap(rpcerr.TransportClosed, err)
	}
	c.framesSent.Add(1)

	if kind == frame.TypeRequest {
		if d := c.callTimeout(opts); d > 0 {
			seq := cl.seq
			cl.timer = time.AfterFunc(d, func() {
				c.submitLoop(func() {
					if c.tbl.resolve(seq, result{err: rpcerr.Newf(rpcerr.Timeout,
						"call %d timed out after %v", seq, d)}) {
						c.maybeFinishDrain()
					}
				})
			})
		}
	}
	return cl, nil
}

func (c *Channel) callTimeout(opts *RpcOptions) time.Duration {
	if opts.Timeout < 0 {
		return 0
	}
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return c.defaultTO
}

// readLoop is the only reader of the connection. Frame decoding must be
// sequential; resolution is posted to the owning loop.
func (c *Channel) readLoop() {
	defer c.halt.Done.Close()
	for {
		h, body, sum, err := frame.Decode(c.conn, int(c.maxRespSize.Load()))
		if err != nil {
			if errors.Is(err, frame.ErrBodyTooLarge) {
				// Oversized response: fail that one call, keep reading.
				seq := h.Seq
				c.submitLoop(func() {
					if c.tbl.resolve(seq, result{err: rpcerr.Newf(rpcerr.PayloadTooLarge,
						"response for call %d exceeds %d bytes", seq, c.maxRespSize.Load())}) {
						c.maybeFinishDrain()
					}
				})
				continue
			}
			// Bad magic, truncated stream, socket error: unattributable.
			c.submitLoop(func() {
				c.teardown(rpcerr.Wrap(rpcerr.TransportClosed, err))
			})
			return
		}
		c.framesRecv.Add(1)
		c.lastRecv.Store(time.Now().UnixNano())

		switch h.Type {
		case frame.TypeResponse, frame.TypeError:
			c.submitLoop(func() { c.handleResponse(h, body, sum) })
		case frame.TypeHeartbeat:
			// Liveness only.
		default:
			c.log.Warn("unexpected frame type from server",
				zap.Uint8("type", uint8(h.Type)), zap.Uint32("seq", h.Seq))
		}
	}
}

// handleResponse runs on the loop: verify, decompress, decode, resolve.
func (c *Channel) handleResponse(h *frame.Header, body, sum []byte) {
	defer c.maybeFinishDrain()
	seq := h.Seq

	if h.Flags&frame.FlagChecksummed != 0 && !checksum.Verify(body, sum) {
		c.tbl.resolve(seq, result{err: rpcerr.Newf(rpcerr.IntegrityFailure,
			"checksum mismatch on response for call %d", seq)})
		return
	}

	if h.Flags&frame.FlagCompressed != 0 {
		var err error
		body, err = c.neg.Depress(body)
		if err != nil {
			c.tbl.resolve(seq, result{err: rpcerr.Wrap(rpcerr.MalformedPayload, err)})
			return
		}
	}

	env := &message.Envelope{}
	if err := codec.Get(codec.Type(h.CodecType)).Decode(body, env); err != nil {
		c.tbl.resolve(seq, result{err: rpcerr.Wrap(rpcerr.MalformedPayload, err)})
		return
	}

	var res result
	if env.Failed() {
		res.err = env.Err()
	} else {
		res.payload = env.Payload
	}
	if !c.tbl.resolve(seq, res) {
		// Late response after a timeout, or a peer bug. Not fatal.
		c.log.Debug("unmatched response discarded", zap.Uint32("seq", seq))
	}
}

// heartbeatLoop posts a heartbeat frame write every interval. Writes go
// through the loop like every other write so frames never interleave.
func (c *Channel) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.submitLoop(func() {
				if c.State() != StateActive {
					return
				}
				h := &frame.Header{CodecType: byte(c.cdc.Type()), Type: frame.TypeHeartbeat}
				if err := frame.Encode(c.conn, h, nil, nil); err != nil {
					c.teardown(rpcerr.Wrap(rpcerr.TransportClosed, err))
				}
			})
		case <-c.halt.ReqStop.Chan:
			return
		}
	}
}

// armExpiration schedules the idle-expiration check on the loop clock.
func (c *Channel) armExpiration(d time.Duration) {
	time.AfterFunc(d, func() {
		c.submitLoop(func() {
			if c.State() == StateClosed {
				return
			}
			if c.streamExpires <= 0 {
				// Expiration was disabled after this timer was armed; stop
				// here without re-arming. SetStreamExpiration arms a fresh
				// timer if the check is ever enabled again.
				return
			}
			idle := time.Since(time.Unix(0, c.lastRecv.Load()))
			if idle >= c.streamExpires && c.tbl.size() == 0 {
				c.teardown(rpcerr.Newf(rpcerr.TransportClosed,
					"stream expired after %v idle", idle))
				return
			}
			c.armExpiration(c.streamExpires)
		})
	})
}

// SetMaxPending changes the admission limit. Effective for the next
// submission; calls already admitted are unaffected. Setting 0 rejects every
// subsequent call.
func (c *Channel) SetMaxPending(n int) error {
	return c.await(func() { c.tbl.maxPending = n })
}

// SetDefaultTimeout changes the channel-wide call timeout for subsequently
// submitted calls. Calls already pending keep their original deadline.
func (c *Channel) SetDefaultTimeout(d time.Duration) error {
	return c.await(func() { c.defaultTO = d })
}

// SetMaxResponseSize changes the response body cap for subsequently received
// frames. 0 removes the cap.
func (c *Channel) SetMaxResponseSize(n int) error {
	return c.await(func() { c.maxRespSize.Store(int64(n)) })
}

// SetCompression renegotiates the outbound compression algorithm and
// threshold for subsequently encoded frames.
func (c *Channel) SetCompression(algo compress.Algo, minBytes int) error {
	var serr error
	if err := c.await(func() { serr = c.neg.Set(algo, minBytes) }); err != nil {
		return err
	}
	return serr
}

// SetStreamExpiration changes the idle-expiration duration. 0 disables the
// check at its next firing.
func (c *Channel) SetStreamExpiration(d time.Duration) error {
	return c.await(func() {
		arm := c.streamExpires == 0 && d > 0
		c.streamExpires = d
		if arm {
			c.armExpiration(d)
		}
	})
}

// Migrate rebinds the channel to target. The swap itself runs on the current
// loop, so it is ordered with every in-flight submission: calls admitted
// before the swap complete under whichever loop their resolution posts to,
// and nothing is dropped. A closed target fails explicitly and leaves the
// binding unchanged.
func (c *Channel) Migrate(target *loop.Loop) error {
	if target == nil || !target.Alive() {
		return ErrMigrateTarget
	}
	var merr error
	if err := c.await(func() {
		if c.State() == StateClosed {
			merr = rpcerr.New(rpcerr.TransportClosed, "channel is closed")
			return
		}
		// Re-check on the loop: the target may have closed since the caller
		// looked. The probe also proves the target accepts work.
		if err := target.Submit(func() {}); err != nil {
			merr = ErrMigrateTarget
			return
		}
		// The old loop keeps running anything already queued on it; new work
		// lands on the target from here on.
		c.lp.Store(target)
	}); err != nil {
		return err
	}
	return merr
}

// Drain moves the channel to Draining: no new calls are admitted, pending
// calls run to resolution or timeout, then the channel closes itself.
func (c *Channel) Drain() error {
	return c.await(func() {
		if c.State() != StateActive {
			return
		}
		c.state.Store(int32(StateDraining))
		c.maybeFinishDrain()
	})
}

// maybeFinishDrain runs on the loop after any resolution; once draining and
// empty, the channel closes.
func (c *Channel) maybeFinishDrain() {
	if c.State() == StateDraining && c.tbl.size() == 0 {
		c.teardown(nil)
	}
}

// Close drains and waits up to timeout for pending calls to finish, then
// force-closes whatever is left.
func (c *Channel) Close(timeout time.Duration) error {
	c.Drain()
	select {
	case <-c.halt.Done.Chan:
	case <-time.After(timeout):
		c.ForceClose()
		return nil
	}
	c.releaseLoop()
	return nil
}

// ForceClose skips draining: the channel goes straight to Closed and every
// pending call resolves with TransportClosed exactly once.
func (c *Channel) ForceClose() {
	if err := c.await(func() {
		c.teardown(rpcerr.New(rpcerr.TransportClosed, "forced close"))
	}); err != nil {
		// The owning loop is already gone. Close the socket so the read
		// goroutine exits and marks halt done instead of hanging here.
		c.state.Store(int32(StateClosed))
		c.conn.Close()
		c.halt.ReqStop.Close()
	}
	<-c.halt.Done.Chan
	c.releaseLoop()
}

// teardown runs on the loop. Idempotent; the first caller wins.
func (c *Channel) teardown(reason error) {
	if c.State() == StateClosed {
		return
	}
	c.state.Store(int32(StateClosed))
	if reason != nil {
		c.tbl.cancelAll(reason)
		c.log.Info("channel closed", zap.Error(reason))
	} else {
		c.log.Info("channel closed after drain")
	}
	c.conn.Close() // unblocks readLoop, which closes halt.Done
	c.halt.ReqStop.Close()
}

// releaseLoop shuts the private loop down once the channel is dead. Shared
// loops (WithLoop, Migrate targets) are left alone.
func (c *Channel) releaseLoop() {
	c.releaseOnce.Do(func() {
		if c.privLoop != nil {
			c.privLoop.Close()
		}
	})
}
