// Package compress implements per-connection payload compression.
//
// A connection negotiates one algorithm for its lifetime (mutable at runtime,
// taking effect for frames encoded afterwards) and a minimum body size below
// which compression is skipped even when an algorithm is set. The frame's
// compressed flag records, per frame, whether the body was actually
// compressed, so small bodies ride uncompressed on a compressing connection
// without ambiguity.
//
// Available algorithms: s2, lz4, zstd.
package compress

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algo names a negotiated compression algorithm. The empty Algo means no
// compression.
type Algo string

const (
	None Algo = ""
	S2   Algo = "s2"
	LZ4  Algo = "lz4"
	Zstd Algo = "zstd"
)

// Parse validates an algorithm name.
func Parse(s string) (Algo, error) {
	switch Algo(s) {
	case None, S2, LZ4, Zstd:
		return Algo(s), nil
	}
	return None, fmt.Errorf("compress: unknown algorithm %q; valid choices: s2, lz4, zstd", s)
}

// The zstd coder pair is shared process-wide: EncodeAll/DecodeAll are safe
// for concurrent use and the encoder is expensive to build.
var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
)

func zstdCoders() (*zstd.Encoder, *zstd.Decoder) {
	zstdOnce.Do(func() {
		var err error
		zstdEnc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			panic(err)
		}
		zstdDec, err = zstd.NewReader(nil)
		if err != nil {
			panic(err)
		}
	})
	return zstdEnc, zstdDec
}

// Negotiator holds one connection's compression settings. Press is called by
// the connection's owning loop and Depress by its read goroutine, so the
// settings are guarded.
type Negotiator struct {
	mu       sync.RWMutex
	algo     Algo
	minBytes int
}

// NewNegotiator returns a negotiator using algo for bodies of at least
// minBytes bytes. minBytes 0 compresses everything.
func NewNegotiator(algo Algo, minBytes int) (*Negotiator, error) {
	if _, err := Parse(string(algo)); err != nil {
		return nil, err
	}
	return &Negotiator{algo: algo, minBytes: minBytes}, nil
}

// Set replaces the negotiated algorithm and threshold. Frames already
// encoded are unaffected.
func (n *Negotiator) Set(algo Algo, minBytes int) error {
	if _, err := Parse(string(algo)); err != nil {
		return err
	}
	n.mu.Lock()
	n.algo = algo
	n.minBytes = minBytes
	n.mu.Unlock()
	return nil
}

// Algorithm returns the currently negotiated algorithm.
func (n *Negotiator) Algorithm() Algo {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.algo
}

// Press compresses body if an algorithm is negotiated and the body meets the
// size threshold. The bool reports whether compression was applied, which
// the caller must mirror into the frame's compressed flag.
func (n *Negotiator) Press(body []byte) ([]byte, bool, error) {
	n.mu.RLock()
	algo, minBytes := n.algo, n.minBytes
	n.mu.RUnlock()

	if algo == None || len(body) < minBytes {
		return body, false, nil
	}

	switch algo {
	case S2:
		return s2.Encode(nil, body), true, nil
	case LZ4:
		out, err := lz4Press(body)
		if err != nil {
			return nil, false, err
		}
		return out, true, nil
	case Zstd:
		enc, _ := zstdCoders()
		return enc.EncodeAll(body, nil), true, nil
	}
	return nil, false, fmt.Errorf("compress: unknown algorithm %q", algo)
}

// Depress reverses Press for a frame whose compressed flag is set. A body
// that does not decompress under the negotiated algorithm is a malformed
// payload; the caller fails the call, not the connection.
func (n *Negotiator) Depress(body []byte) ([]byte, error) {
	n.mu.RLock()
	algo := n.algo
	n.mu.RUnlock()

	switch algo {
	case None:
		return nil, fmt.Errorf("compress: compressed frame on a connection with no negotiated algorithm")
	case S2:
		out, err := s2.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("compress: s2 decode: %w", err)
		}
		return out, nil
	case LZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("compress: lz4 decode: %w", err)
		}
		return out, nil
	case Zstd:
		_, dec := zstdCoders()
		out, err := dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("compress: zstd decode: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("compress: unknown algorithm %q", algo)
}

func lz4Press(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(
		lz4.CompressionLevelOption(lz4.Fast),
		lz4.BlockChecksumOption(true),
	); err != nil {
		return nil, err
	}
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
