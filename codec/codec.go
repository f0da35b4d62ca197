// Package codec serializes envelopes for the frame body, selected per
// connection by the header's codec byte.
package codec

import "rocket-rpc/message"

type Type byte

const (
	TypeJSON   Type = 0
	TypeBinary Type = 1
)

type Codec interface {
	Encode(env *message.Envelope) ([]byte, error)
	Decode(data []byte, env *message.Envelope) error
	Type() Type
}

func Get(t Type) Codec {
	if t == TypeJSON {
		return jsonCodec{}
	}
	return binaryCodec{}
}

// Valid reports whether t names a known codec. Checked at frame decode so a
// junk codec byte fails the frame, not the process.
func Valid(t Type) bool {
	return t == TypeJSON || t == TypeBinary
}
