// Package message defines the call envelope carried inside every frame body.
//
// Envelope is the unit the codec layer serializes and the frame layer wraps
// for transmission. The application payload inside it is opaque bytes: the
// channel never inspects it, it only compresses, checksums, and routes it.
package message

import "rocket-rpc/rpcerr"

// Envelope carries one request or response.
//
//   - Request/oneway: Method is set, Payload holds the serialized args,
//     ErrKind is KindNone and Error empty.
//   - Response: Payload holds the serialized reply. A failed call carries the
//     failure kind in ErrKind and its text in Error, so the client can tell a
//     declared application exception from an unexpected handler fault or a
//     server-detected transport problem.
type Envelope struct {
	Method  string      // "Service.Method", e.g. "Greeter.Hello"
	ErrKind rpcerr.Kind // failure kind, KindNone on success and on requests
	Error   string      // failure text, empty iff ErrKind is KindNone
	Payload []byte      // opaque serialized args (request) or reply (response)
}

// Failed reports whether the envelope carries a failure.
func (e *Envelope) Failed() bool { return e.ErrKind != rpcerr.KindNone }

// Err converts a failed envelope into its typed error, or nil.
func (e *Envelope) Err() error {
	if !e.Failed() {
		return nil
	}
	return rpcerr.New(e.ErrKind, e.Error)
}
