package channel_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"rocket-rpc/channel"
	"rocket-rpc/codec"
	"rocket-rpc/compress"
	"rocket-rpc/frame"
	"rocket-rpc/loop"
	"rocket-rpc/message"
	"rocket-rpc/rpcerr"
	"rocket-rpc/server"
)

type HelloArgs struct{ Name string }
type HelloReply struct{ Greeting string }
type SleepArgs struct{ Millis int }
type BigArgs struct{ Size int }
type BigReply struct{ Data []byte }
type Empty struct{}

// Greeter is the test service: one happy path, one slow method, one declared
// failure, one size-controlled reply, one panic.
type Greeter struct{}

func (*Greeter) Hello(args *HelloArgs, reply *HelloReply) error {
	reply.Greeting = "Hello, " + args.Name
	return nil
}

func (*Greeter) Sleep(args *SleepArgs, _ *Empty) error {
	time.Sleep(time.Duration(args.Millis) * time.Millisecond)
	return nil
}

func (*Greeter) Fail(_ *Empty, _ *Empty) error {
	return errors.New("declared failure")
}

func (*Greeter) Big(args *BigArgs, reply *BigReply) error {
	reply.Data = bytes.Repeat([]byte("x"), args.Size)
	return nil
}

func (*Greeter) Panic(_ *Empty, _ *Empty) error {
	panic("handler exploded")
}

func startServer(t *testing.T, opts ...server.Option) (string, *server.Server) {
	t.Helper()
	svr := server.NewServer(opts...)
	if err := svr.Register(&Greeter{}); err != nil {
		t.Fatal(err)
	}
	go svr.Serve("tcp", "127.0.0.1:0", "", nil)

	var addr string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a := svr.Addr(); a != nil {
			addr = a.String()
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("server never bound a listener")
	}
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return addr, svr
}

func dial(t *testing.T, addr string, opts ...channel.Option) *channel.Channel {
	t.Helper()
	ch, err := channel.Dial("tcp", addr, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ch.ForceClose)
	return ch
}

func enc(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for " + what)
}

func hello(t *testing.T, ch *channel.Channel, name string, opts *channel.RpcOptions) {
	t.Helper()
	payload, err := ch.Call(context.Background(), "Greeter.Hello", enc(t, HelloArgs{Name: name}), opts)
	if err != nil {
		t.Fatal(err)
	}
	var reply HelloReply
	if err := json.Unmarshal(payload, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Greeting != "Hello, "+name {
		t.Fatalf("got %q", reply.Greeting)
	}
}

func TestCompressedChecksummedRoundTrip(t *testing.T) {
	addr, _ := startServer(t, server.WithCompression(compress.Zstd, 0))
	ch := dial(t, addr,
		channel.WithCompression(compress.Zstd, 0),
		channel.WithChecksum(true),
	)

	hello(t, ch, "snoopy", nil)

	if ch.FramesSent() == 0 || ch.FramesRecv() == 0 {
		t.Fatalf("traffic counters not moving: sent=%d recv=%d", ch.FramesSent(), ch.FramesRecv())
	}
	if ch.Pending() != 0 {
		t.Fatalf("pending %d after resolution", ch.Pending())
	}
}

func TestPerCallChecksum(t *testing.T) {
	addr, _ := startServer(t)
	ch := dial(t, addr)
	hello(t, ch, "woodstock", &channel.RpcOptions{Checksum: true})
}

func TestAdmissionLimitZero(t *testing.T) {
	addr, _ := startServer(t)
	ch := dial(t, addr, channel.WithMaxPending(0))

	_, err := ch.Call(context.Background(), "Greeter.Hello", enc(t, HelloArgs{Name: "x"}), nil)
	if !rpcerr.IsKind(err, rpcerr.AdmissionRejected) {
		t.Fatalf("want AdmissionRejected, got %v", err)
	}
	if err := ch.Oneway("Greeter.Hello", enc(t, HelloArgs{Name: "x"}), nil); !rpcerr.IsKind(err, rpcerr.AdmissionRejected) {
		t.Fatalf("oneway must honor the limit too, got %v", err)
	}
}

func TestAdmissionLimitOne(t *testing.T) {
	addr, _ := startServer(t)
	ch := dial(t, addr, channel.WithMaxPending(1))

	errc := make(chan error, 1)
	go func() {
		_, err := ch.Call(context.Background(), "Greeter.Sleep", enc(t, SleepArgs{Millis: 300}), nil)
		errc <- err
	}()
	waitFor(t, "slow call to be pending", func() bool { return ch.Pending() == 1 })

	// The single slot is taken; rejection is immediate, not queued.
	start := time.Now()
	_, err := ch.Call(context.Background(), "Greeter.Hello", enc(t, HelloArgs{Name: "x"}), nil)
	if !rpcerr.IsKind(err, rpcerr.AdmissionRejected) {
		t.Fatalf("want AdmissionRejected, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("rejection was not immediate")
	}

	if err := <-errc; err != nil {
		t.Fatalf("slow call failed: %v", err)
	}
	hello(t, ch, "free-again", nil)
}

func TestSetMaxPendingAtRuntime(t *testing.T) {
	addr, _ := startServer(t)
	ch := dial(t, addr)

	if err := ch.SetMaxPending(0); err != nil {
		t.Fatal(err)
	}
	_, err := ch.Call(context.Background(), "Greeter.Hello", enc(t, HelloArgs{Name: "x"}), nil)
	if !rpcerr.IsKind(err, rpcerr.AdmissionRejected) {
		t.Fatalf("want AdmissionRejected after SetMaxPending(0), got %v", err)
	}
	if err := ch.SetMaxPending(8); err != nil {
		t.Fatal(err)
	}
	hello(t, ch, "readmitted", nil)
}

func TestDefaultTimeoutIndependentOfHandler(t *testing.T) {
	addr, _ := startServer(t)
	ch := dial(t, addr, channel.WithDefaultTimeout(30*time.Millisecond))

	start := time.Now()
	_, err := ch.Call(context.Background(), "Greeter.Sleep", enc(t, SleepArgs{Millis: 500}), nil)
	if !rpcerr.IsKind(err, rpcerr.Timeout) {
		t.Fatalf("want Timeout, got %v", err)
	}
	if time.Since(start) > 300*time.Millisecond {
		t.Fatal("deadline did not fire independently of the slow handler")
	}

	// A per-call deadline overrides the channel default.
	hello(t, ch, "patient", &channel.RpcOptions{Timeout: 2 * time.Second})
}

func TestPerCallTimeoutDisable(t *testing.T) {
	addr, _ := startServer(t)
	ch := dial(t, addr, channel.WithDefaultTimeout(10*time.Millisecond))

	// Negative timeout disables the deadline for this call only.
	if _, err := ch.Call(context.Background(), "Greeter.Sleep",
		enc(t, SleepArgs{Millis: 80}), &channel.RpcOptions{Timeout: -1}); err != nil {
		t.Fatalf("disabled timeout still fired: %v", err)
	}
}

func TestContextCancelAbandonsWait(t *testing.T) {
	addr, _ := startServer(t)
	ch := dial(t, addr)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := ch.Call(ctx, "Greeter.Sleep", enc(t, SleepArgs{Millis: 500}), nil)
	if !rpcerr.IsKind(err, rpcerr.Timeout) {
		t.Fatalf("want Timeout kind, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cause lost: %v", err)
	}
	// The abandoned call's slot is freed, not leaked.
	waitFor(t, "pending table to empty", func() bool { return ch.Pending() == 0 })
}

func TestForceCloseFailsPendingExactlyOnce(t *testing.T) {
	addr, _ := startServer(t)
	ch := dial(t, addr)

	errc := make(chan error, 1)
	go func() {
		_, err := ch.Call(context.Background(), "Greeter.Sleep", enc(t, SleepArgs{Millis: 500}), nil)
		errc <- err
	}()
	waitFor(t, "call to be pending", func() bool { return ch.Pending() == 1 })

	ch.ForceClose()

	if err := <-errc; !rpcerr.IsKind(err, rpcerr.TransportClosed) {
		t.Fatalf("pending call must fail with TransportClosed, got %v", err)
	}
	if st := ch.State(); st != channel.StateClosed {
		t.Fatalf("state %v after ForceClose", st)
	}
	_, err := ch.Call(context.Background(), "Greeter.Hello", enc(t, HelloArgs{Name: "x"}), nil)
	if !rpcerr.IsKind(err, rpcerr.TransportClosed) {
		t.Fatalf("closed channel accepted a call: %v", err)
	}
}

func TestOversizedResponseFailsOnlyThatCall(t *testing.T) {
	addr, _ := startServer(t)
	ch := dial(t, addr, channel.WithMaxResponseSize(256))

	_, err := ch.Call(context.Background(), "Greeter.Big", enc(t, BigArgs{Size: 4096}), nil)
	if !rpcerr.IsKind(err, rpcerr.PayloadTooLarge) {
		t.Fatalf("want PayloadTooLarge, got %v", err)
	}

	// The stream stayed frame-aligned; the channel keeps working.
	hello(t, ch, "still-here", nil)
}

func TestOnewayReleasesSlotOnWrite(t *testing.T) {
	addr, _ := startServer(t)
	ch := dial(t, addr, channel.WithMaxPending(1))

	if err := ch.Oneway("Greeter.Sleep", enc(t, SleepArgs{Millis: 200}), nil); err != nil {
		t.Fatal(err)
	}
	if ch.Pending() != 0 {
		t.Fatalf("oneway left %d pending entries", ch.Pending())
	}
	// The single slot is free even though the handler is still running.
	hello(t, ch, "after-oneway", nil)
}

func TestApplicationErrorKinds(t *testing.T) {
	addr, _ := startServer(t)
	ch := dial(t, addr)

	_, err := ch.Call(context.Background(), "Greeter.Fail", enc(t, Empty{}), nil)
	if !rpcerr.IsKind(err, rpcerr.AppExpected) {
		t.Fatalf("declared method error must be AppExpected, got %v", err)
	}
	if !strings.Contains(err.Error(), "declared failure") {
		t.Fatalf("error text lost: %v", err)
	}

	_, err = ch.Call(context.Background(), "Greeter.Nope", enc(t, Empty{}), nil)
	if !rpcerr.IsKind(err, rpcerr.AppUnexpected) {
		t.Fatalf("unknown method must be AppUnexpected, got %v", err)
	}

	_, err = ch.Call(context.Background(), "not-a-method", enc(t, Empty{}), nil)
	if !rpcerr.IsKind(err, rpcerr.AppUnexpected) {
		t.Fatalf("malformed method name must be AppUnexpected, got %v", err)
	}

	_, err = ch.Call(context.Background(), "Greeter.Panic", enc(t, Empty{}), nil)
	if !rpcerr.IsKind(err, rpcerr.AppUnexpected) {
		t.Fatalf("panicking handler must surface AppUnexpected, got %v", err)
	}

	// The connection survived all of the above.
	hello(t, ch, "survivor", nil)
}

func TestCompressionMismatchRejectedPerCall(t *testing.T) {
	addr, _ := startServer(t) // server negotiated no compression
	ch := dial(t, addr, channel.WithCompression(compress.S2, 0))

	_, err := ch.Call(context.Background(), "Greeter.Hello", enc(t, HelloArgs{Name: "x"}), nil)
	if !rpcerr.IsKind(err, rpcerr.MalformedPayload) {
		t.Fatalf("want MalformedPayload, got %v", err)
	}
}

func TestMigrateKeepsInFlightCalls(t *testing.T) {
	addr, _ := startServer(t)
	ch := dial(t, addr)

	target := loop.New()
	defer target.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := ch.Call(context.Background(), "Greeter.Sleep", enc(t, SleepArgs{Millis: 200}), nil)
		errc <- err
	}()
	waitFor(t, "call to be pending", func() bool { return ch.Pending() == 1 })

	if err := ch.Migrate(target); err != nil {
		t.Fatal(err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("in-flight call lost across migration: %v", err)
	}
	hello(t, ch, "post-migration", nil)

	closed := loop.New()
	closed.Close()
	if err := ch.Migrate(closed); err != channel.ErrMigrateTarget {
		t.Fatalf("closed target must be rejected, got %v", err)
	}
	if err := ch.Migrate(nil); err != channel.ErrMigrateTarget {
		t.Fatalf("nil target must be rejected, got %v", err)
	}

	// Still bound to a live loop after the rejected migrations.
	hello(t, ch, "still-bound", nil)

	// Close before the deferred target.Close so teardown runs on a live loop.
	ch.ForceClose()
}

func TestDrainFinishesPendingThenCloses(t *testing.T) {
	addr, _ := startServer(t)
	ch := dial(t, addr)

	errc := make(chan error, 1)
	go func() {
		_, err := ch.Call(context.Background(), "Greeter.Sleep", enc(t, SleepArgs{Millis: 150}), nil)
		errc <- err
	}()
	waitFor(t, "call to be pending", func() bool { return ch.Pending() == 1 })

	if err := ch.Drain(); err != nil {
		t.Fatal(err)
	}

	// Draining admits nothing new.
	_, err := ch.Call(context.Background(), "Greeter.Hello", enc(t, HelloArgs{Name: "x"}), nil)
	if !rpcerr.IsKind(err, rpcerr.TransportClosed) {
		t.Fatalf("draining channel admitted a call: %v", err)
	}

	// The pending call runs to completion, then the channel closes itself.
	if err := <-errc; err != nil {
		t.Fatalf("pending call failed during drain: %v", err)
	}
	waitFor(t, "drained channel to close", func() bool { return ch.State() == channel.StateClosed })
}

func TestCloseWaitsThenForces(t *testing.T) {
	addr, _ := startServer(t)
	ch := dial(t, addr)

	errc := make(chan error, 1)
	go func() {
		_, err := ch.Call(context.Background(), "Greeter.Sleep", enc(t, SleepArgs{Millis: 50}), nil)
		errc <- err
	}()
	waitFor(t, "call to be pending", func() bool { return ch.Pending() == 1 })

	if err := ch.Close(time.Second); err != nil {
		t.Fatal(err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("pending call should have finished inside the close window: %v", err)
	}
	if ch.State() != channel.StateClosed {
		t.Fatalf("state %v after Close", ch.State())
	}
}

func TestStreamExpirationClosesIdleChannel(t *testing.T) {
	addr, _ := startServer(t)
	ch := dial(t, addr, channel.WithStreamExpiration(50*time.Millisecond))

	waitFor(t, "idle channel to expire", func() bool { return ch.State() == channel.StateClosed })
}

func TestSetStreamExpirationZeroDisables(t *testing.T) {
	addr, _ := startServer(t)
	ch := dial(t, addr, channel.WithStreamExpiration(60*time.Millisecond))

	if err := ch.SetStreamExpiration(0); err != nil {
		t.Fatal(err)
	}
	// The already-armed timer fires inside this window; it must not close the
	// channel while the check is disabled.
	time.Sleep(150 * time.Millisecond)
	if st := ch.State(); st != channel.StateActive {
		t.Fatalf("disabled expiration closed the channel: state %v", st)
	}

	// Re-enabling arms a fresh timer.
	if err := ch.SetStreamExpiration(40 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "re-enabled expiration to fire", func() bool { return ch.State() == channel.StateClosed })
}

func TestCorruptedResponseChecksum(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	// A peer that answers the first request with a checksummed response whose
	// trailer does not match the body.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		h, _, _, err := frame.Decode(conn, 0)
		if err != nil {
			return
		}
		body, err := codec.Get(codec.Type(h.CodecType)).Encode(&message.Envelope{
			Method:  "Greeter.Hello",
			Payload: []byte(`{"Greeting":"Hello, x"}`),
		})
		if err != nil {
			return
		}
		resp := &frame.Header{
			CodecType: h.CodecType,
			Type:      frame.TypeResponse,
			Flags:     frame.FlagChecksummed,
			Seq:       h.Seq,
		}
		frame.Encode(conn, resp, body, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	}()

	ch := dial(t, ln.Addr().String())
	_, err = ch.Call(context.Background(), "Greeter.Hello", enc(t, HelloArgs{Name: "x"}), nil)
	if !rpcerr.IsKind(err, rpcerr.IntegrityFailure) {
		t.Fatalf("want IntegrityFailure, got %v", err)
	}
}

func TestHeartbeatTraffic(t *testing.T) {
	addr, svr := startServer(t)
	ch := dial(t, addr, channel.WithHeartbeat(10*time.Millisecond))

	waitFor(t, "heartbeats to reach the server", func() bool { return svr.Manager().FramesRecv() >= 3 })
	if ch.State() != channel.StateActive {
		t.Fatalf("state %v", ch.State())
	}
}
