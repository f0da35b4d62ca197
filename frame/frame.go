// Package frame implements the wire framing for rocket-rpc.
//
// Every message on the wire is one frame: a fixed 16-byte header, a
// variable-length body, and, when the checksummed flag is set, an 8-byte
// checksum trailer computed over the body as it appears on the wire (after
// compression). The receiver reads the header first to learn the body length,
// then reads exactly that many bytes, so frames never bleed into each other
// on the TCP stream.
//
// Frame layout:
//
//	0      3  4  5  6  7  8        12        16
//	┌──────┬──┬──┬──┬──┬──┬────────┬─────────┬──────────┬─────────┐
//	│magic │v │cd│ty│fl│--│  seq   │ bodyLen │ body ... │ sum(8)? │
//	│ rkt  │01│  │  │  │  │ uint32 │ uint32  │          │ if flag │
//	└──────┴──┴──┴──┴──┴──┴────────┴─────────┴──────────┴─────────┘
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic bytes "rkt" identify a rocket-rpc frame. A connection that sends
// anything else on a frame boundary is not speaking this protocol and is
// torn down rather than resynchronized.
const (
	Magic0 byte = 0x72 // 'r'
	Magic1 byte = 0x6b // 'k'
	Magic2 byte = 0x74 // 't'

	Version byte = 0x01

	HeaderSize  = 16
	TrailerSize = 8 // checksum trailer, present iff FlagChecksummed
)

// Type is the frame type.
type Type byte

const (
	TypeRequest   Type = 0 // request-response call, client → server
	TypeOneway    Type = 1 // fire-and-forget call, client → server
	TypeResponse  Type = 2 // successful or app-level-failed response
	TypeError     Type = 3 // transport-level error response (queue timeout etc.)
	TypeHeartbeat Type = 4 // liveness probe, no body, never dispatched
)

func (t Type) valid() bool { return t <= TypeHeartbeat }

// Flags is the frame flag bitset.
type Flags byte

const (
	FlagCompressed  Flags = 1 << 0 // body is compressed with the negotiated algorithm
	FlagChecksummed Flags = 1 << 1 // an 8-byte checksum trailer follows the body
)

// Header is the decoded fixed-size frame header.
type Header struct {
	CodecType byte  // envelope codec for the body
	Type      Type  // frame type
	Flags     Flags // compressed / checksummed
	Seq       uint32
	BodyLen   uint32
}

// ErrBodyTooLarge is returned by Decode when the body exceeds the caller's
// cap. The oversized body has been consumed from the stream, so the
// connection stays frame-aligned and the caller can fail just the one call.
var ErrBodyTooLarge = errors.New("frame: body exceeds maximum size")

// ErrBadMagic means the stream is not frame-aligned (or not this protocol at
// all). Unlike ErrBodyTooLarge it is not recoverable per-call.
var ErrBadMagic = errors.New("frame: bad magic bytes")

// Encode writes one complete frame to w. sum must be empty or exactly
// TrailerSize bytes, matching the FlagChecksummed flag in h. Callers sharing
// w across goroutines must serialize Encode calls, or frames interleave and
// corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte, sum []byte) error {
	if h.Flags&FlagChecksummed != 0 && len(sum) != TrailerSize {
		return fmt.Errorf("frame: checksummed flag set with %d-byte trailer", len(sum))
	}
	if h.Flags&FlagChecksummed == 0 && len(sum) != 0 {
		return errors.New("frame: trailer given without checksummed flag")
	}

	buf := make([]byte, HeaderSize, HeaderSize+len(body)+len(sum))
	buf[0], buf[1], buf[2] = Magic0, Magic1, Magic2
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.Type)
	buf[6] = byte(h.Flags)
	// buf[7] reserved, zero
	binary.BigEndian.PutUint32(buf[8:12], h.Seq)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(body)))

	// One write for the whole frame: header, body, trailer. Keeps the
	// critical section around the shared conn as short as possible.
	buf = append(buf, body...)
	buf = append(buf, sum...)
	_, err := w.Write(buf)
	return err
}

// Decode reads one complete frame from r. maxBody caps the accepted body
// length; 0 means no cap. On ErrBodyTooLarge the header is still returned
// and the stream is left at the next frame boundary so the caller can fail
// the one call and keep reading.
func Decode(r io.Reader, maxBody int) (*Header, []byte, []byte, error) {
	hbuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hbuf); err != nil {
		return nil, nil, nil, err
	}

	if hbuf[0] != Magic0 || hbuf[1] != Magic1 || hbuf[2] != Magic2 {
		return nil, nil, nil, fmt.Errorf("%w: %x", ErrBadMagic, hbuf[0:3])
	}
	if hbuf[3] != Version {
		return nil, nil, nil, fmt.Errorf("frame: unsupported version %d", hbuf[3])
	}
	typ := Type(hbuf[5])
	if !typ.valid() {
		return nil, nil, nil, fmt.Errorf("frame: unsupported frame type %d", hbuf[5])
	}

	h := &Header{
		CodecType: hbuf[4],
		Type:      typ,
		Flags:     Flags(hbuf[6]),
		Seq:       binary.BigEndian.Uint32(hbuf[8:12]),
		BodyLen:   binary.BigEndian.Uint32(hbuf[12:16]),
	}

	trailer := 0
	if h.Flags&FlagChecksummed != 0 {
		trailer = TrailerSize
	}

	if maxBody > 0 && h.BodyLen > uint32(maxBody) {
		// Drain the oversized frame so the next Decode starts clean.
		if _, err := io.CopyN(io.Discard, r, int64(h.BodyLen)+int64(trailer)); err != nil {
			return nil, nil, nil, err
		}
		return h, nil, nil, ErrBodyTooLarge
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, nil, err
	}

	var sum []byte
	if trailer > 0 {
		sum = make([]byte, trailer)
		if _, err := io.ReadFull(r, sum); err != nil {
			return nil, nil, nil, err
		}
	}

	return h, body, sum, nil
}
