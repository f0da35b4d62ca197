package codec

import (
	"encoding/binary"
	"errors"

	"rocket-rpc/message"
	"rocket-rpc/rpcerr"
)

// binaryCodec packs an envelope as length-prefixed fields, big-endian:
//
//	methodLen uint16 | method | errKind uint8 | errLen uint16 | err | payloadLen uint32 | payload
type binaryCodec struct{}

var errTruncated = errors.New("codec: truncated binary envelope")

func (binaryCodec) Encode(env *message.Envelope) ([]byte, error) {
	if len(env.Method) > int(^uint16(0)) {
		return nil, errors.New("codec: method name too long")
	}
	if len(env.Error) > int(^uint16(0)) {
		return nil, errors.New("codec: error text too long")
	}

	total := 2 + len(env.Method) + 1 + 2 + len(env.Error) + 4 + len(env.Payload)
	buf := make([]byte, total)

	off := 0
	binary.BigEndian.PutUint16(buf[off:], uint16(len(env.Method)))
	off += 2
	off += copy(buf[off:], env.Method)

	buf[off] = byte(env.ErrKind)
	off++

	binary.BigEndian.PutUint16(buf[off:], uint16(len(env.Error)))
	off += 2
	off += copy(buf[off:], env.Error)

	binary.BigEndian.PutUint32(buf[off:], uint32(len(env.Payload)))
	off += 4
	copy(buf[off:], env.Payload)

	return buf, nil
}

func (binaryCodec) Decode(data []byte, env *message.Envelope) error {
	off := 0

	if len(data) < off+2 {
		return errTruncated
	}
	mlen := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	if len(data) < off+mlen {
		return errTruncated
	}
	env.Method = string(data[off : off+mlen])
	off += mlen

	if len(data) < off+1 {
		return errTruncated
	}
	kind := rpcerr.Kind(data[off])
	if !kind.Valid() {
		return errors.New("codec: unknown error kind byte")
	}
	env.ErrKind = kind
	off++

	if len(data) < off+2 {
		return errTruncated
	}
	elen := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	if len(data) < off+elen {
		return errTruncated
	}
	env.Error = string(data[off : off+elen])
	off += elen

	if len(data) < off+4 {
		return errTruncated
	}
	plen := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if len(data) < off+plen {
		return errTruncated
	}
	env.Payload = make([]byte, plen)
	copy(env.Payload, data[off:off+plen])

	return nil
}

func (binaryCodec) Type() Type { return TypeBinary }
