package channel

import (
	"time"

	"go.uber.org/zap"

	"rocket-rpc/codec"
	"rocket-rpc/compress"
	"rocket-rpc/loop"
)

// DefaultMaxPending is the admission limit a new channel starts with. 0 is a
// legal setting (it rejects every call), so "unlimited" is not representable;
// this default sits far above any sane in-flight load on one connection.
const DefaultMaxPending = 1024

// RpcOptions configures one call. Immutable once the call is issued.
type RpcOptions struct {
	// Timeout is the per-call deadline. 0 inherits the channel's default
	// timeout; a negative value disables the timeout for this call even if
	// the channel has a default.
	Timeout time.Duration

	// Checksum attaches an integrity trailer to the request frame and asks
	// for one on the response.
	Checksum bool
}

type options struct {
	log           *zap.Logger
	lp            *loop.Loop
	codecType     codec.Type
	algo          compress.Algo
	minCompress   int
	maxPending    int
	defaultTO     time.Duration
	maxRespSize   int
	checksum      bool
	heartbeat     time.Duration
	streamExpires time.Duration
}

func defaultOptions() options {
	return options{
		log:        zap.NewNop(),
		codecType:  codec.TypeBinary,
		maxPending: DefaultMaxPending,
	}
}

// Option configures a Channel at construction. Everything here that is also
// runtime-mutable has a corresponding Set method on Channel.
type Option func(*options)

func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithLoop binds the channel to an existing loop instead of a private one.
// The loop is not closed when the channel closes.
func WithLoop(lp *loop.Loop) Option {
	return func(o *options) { o.lp = lp }
}

func WithCodec(t codec.Type) Option {
	return func(o *options) { o.codecType = t }
}

// WithCompression negotiates algo for payloads of at least minBytes bytes.
func WithCompression(algo compress.Algo, minBytes int) Option {
	return func(o *options) { o.algo = algo; o.minCompress = minBytes }
}

func WithMaxPending(n int) Option {
	return func(o *options) { o.maxPending = n }
}

// WithDefaultTimeout sets the channel-wide call timeout applied to calls
// whose RpcOptions carry none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *options) { o.defaultTO = d }
}

// WithMaxResponseSize caps accepted response bodies; larger responses fail
// the call with PayloadTooLarge. 0 means no cap.
func WithMaxResponseSize(n int) Option {
	return func(o *options) { o.maxRespSize = n }
}

// WithChecksum enables the integrity trailer by default for calls whose
// RpcOptions do not say otherwise.
func WithChecksum(on bool) Option {
	return func(o *options) { o.checksum = on }
}

// WithHeartbeat emits a no-body heartbeat frame every interval to keep the
// connection alive through idle periods. 0 disables heartbeats.
func WithHeartbeat(interval time.Duration) Option {
	return func(o *options) { o.heartbeat = interval }
}

// WithStreamExpiration closes the channel after d with no inbound frames and
// no pending calls. 0 disables expiration.
func WithStreamExpiration(d time.Duration) Option {
	return func(o *options) { o.streamExpires = d }
}
