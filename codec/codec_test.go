package codec

import (
	"bytes"
	"testing"

	"rocket-rpc/message"
	"rocket-rpc/rpcerr"
)

func TestRoundTripBothCodecs(t *testing.T) {
	cases := []message.Envelope{
		{Method: "Greeter.Hello", Payload: []byte(`{"Name":"snoopy"}`)},
		{Method: "Greeter.Hello", ErrKind: rpcerr.AppExpected, Error: "declared failure"},
		{Method: "Q.Z", ErrKind: rpcerr.Timeout, Error: "queue timeout before dispatch"},
		{Method: "", Payload: nil},
	}
	for _, typ := range []Type{TypeJSON, TypeBinary} {
		c := Get(typ)
		if c.Type() != typ {
			t.Fatalf("codec reports wrong type: %v", c.Type())
		}
		for _, want := range cases {
			data, err := c.Encode(&want)
			if err != nil {
				t.Fatal(err)
			}
			var got message.Envelope
			if err := c.Decode(data, &got); err != nil {
				t.Fatal(err)
			}
			if got.Method != want.Method || got.ErrKind != want.ErrKind || got.Error != want.Error {
				t.Fatalf("mismatch: got %+v want %+v", got, want)
			}
			if !bytes.Equal(got.Payload, want.Payload) && len(want.Payload) > 0 {
				t.Fatalf("payload mismatch: %q vs %q", got.Payload, want.Payload)
			}
		}
	}
}

func TestBinaryRejectsTruncated(t *testing.T) {
	c := Get(TypeBinary)
	data, err := c.Encode(&message.Envelope{Method: "A.B", Payload: []byte("0123456789")})
	if err != nil {
		t.Fatal(err)
	}
	for _, cut := range []int{1, 3, len(data) / 2, len(data) - 1} {
		var got message.Envelope
		if err := c.Decode(data[:cut], &got); err == nil {
			t.Fatalf("truncation at %d not detected", cut)
		}
	}
}

func TestBinaryRejectsJunkErrKind(t *testing.T) {
	c := Get(TypeBinary)
	data, err := c.Encode(&message.Envelope{Method: "A.B"})
	if err != nil {
		t.Fatal(err)
	}
	// The kind byte sits right after the method field.
	data[2+len("A.B")] = 0xee
	var got message.Envelope
	if err := c.Decode(data, &got); err == nil {
		t.Fatal("junk error-kind byte not detected")
	}
}

func TestFailedAndErr(t *testing.T) {
	ok := message.Envelope{Method: "A.B", Payload: []byte("x")}
	if ok.Failed() || ok.Err() != nil {
		t.Fatal("success envelope must not report failure")
	}
	bad := message.Envelope{ErrKind: rpcerr.IntegrityFailure, Error: "checksum mismatch"}
	if !bad.Failed() {
		t.Fatal("failure envelope must report failure")
	}
	if rpcerr.KindOf(bad.Err()) != rpcerr.IntegrityFailure {
		t.Fatalf("kind lost: %v", rpcerr.KindOf(bad.Err()))
	}
}

func TestValid(t *testing.T) {
	if !Valid(TypeJSON) || !Valid(TypeBinary) {
		t.Fatal("known codecs must validate")
	}
	if Valid(Type(9)) {
		t.Fatal("unknown codec byte must not validate")
	}
}
