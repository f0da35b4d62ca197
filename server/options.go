package server

import (
	"runtime"
	"time"

	"go.uber.org/zap"

	"rocket-rpc/compress"
)

// DefaultMaxConcurrent is the per-connection cap on concurrently running
// handlers; requests over the cap wait in the dispatch queue, where the
// queue timeout applies.
const DefaultMaxConcurrent = 32

type options struct {
	log            *zap.Logger
	rocket         bool
	algo           compress.Algo
	minCompress    int
	queueTimeout   time.Duration
	maxConcurrent  int
	maxRequestSize int
	loops          int
	onAccept       func(remoteAddr string)
	onClose        func(remoteAddr string)
}

func defaultServerOptions() options {
	return options{
		log:           zap.NewNop(),
		rocket:        true,
		maxConcurrent: DefaultMaxConcurrent,
		loops:         runtime.GOMAXPROCS(0),
	}
}

type Option func(*options)

func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithRocketEnabled selects the connection implementation the server
// instantiates per accepted socket: the rocket variant (compression,
// checksums, oneway, dispatch queue) when true, the legacy framed variant
// otherwise.
func WithRocketEnabled(on bool) Option {
	return func(o *options) { o.rocket = on }
}

// WithCompression sets the compression algorithm and minimum-compress-bytes
// threshold applied to every accepted connection before it serves traffic.
func WithCompression(algo compress.Algo, minBytes int) Option {
	return func(o *options) { o.algo = algo; o.minCompress = minBytes }
}

// WithQueueTimeout bounds how long a received request may wait for dispatch.
// An expired request gets a queue-timeout error frame and its handler never
// runs. 0 disables the bound.
func WithQueueTimeout(d time.Duration) Option {
	return func(o *options) { o.queueTimeout = d }
}

// WithMaxConcurrent caps concurrently running handlers per connection.
func WithMaxConcurrent(n int) Option {
	return func(o *options) {
		if n < 1 {
			n = 1
		}
		o.maxConcurrent = n
	}
}

// WithMaxRequestSize caps accepted request bodies; 0 means no cap.
func WithMaxRequestSize(n int) Option {
	return func(o *options) { o.maxRequestSize = n }
}

// WithLoops sets the worker loop count connections are spread across.
func WithLoops(n int) Option {
	return func(o *options) { o.loops = n }
}

// WithConnHooks installs fire-and-forget observers for connection accept and
// close events.
func WithConnHooks(onAccept, onClose func(remoteAddr string)) Option {
	return func(o *options) { o.onAccept = onAccept; o.onClose = onClose }
}
