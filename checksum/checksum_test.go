package checksum

import "testing"

func TestSumIsStable(t *testing.T) {
	a := Sum([]byte("snoopy"))
	b := Sum([]byte("snoopy"))
	if len(a) != Size {
		t.Fatalf("sum is %d bytes, want %d", len(a), Size)
	}
	if string(a) != string(b) {
		t.Fatal("same input produced different sums")
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	body := []byte("payload bytes")
	sum := Sum(body)
	if !Verify(body, sum) {
		t.Fatal("valid sum rejected")
	}

	corrupted := append([]byte(nil), body...)
	corrupted[0] ^= 0x01
	if Verify(corrupted, sum) {
		t.Fatal("single-bit corruption passed verification")
	}
}

func TestVerifyRejectsWrongLength(t *testing.T) {
	if Verify([]byte("x"), []byte{1, 2, 3}) {
		t.Fatal("short trailer must never verify")
	}
	if Verify([]byte("x"), nil) {
		t.Fatal("missing trailer must never verify")
	}
}
