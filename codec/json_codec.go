package codec

import (
	"encoding/json"

	"rocket-rpc/message"
)

// jsonCodec is the debugging-friendly envelope encoding. Payload bytes are
// base64'd by encoding/json, so it costs more than the binary codec.
type jsonCodec struct{}

func (jsonCodec) Encode(env *message.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (jsonCodec) Decode(data []byte, env *message.Envelope) error {
	return json.Unmarshal(data, env)
}

func (jsonCodec) Type() Type { return TypeJSON }
