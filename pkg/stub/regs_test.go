package stub

import (
	"bytes"
	"testing"
)

func TestRegsEncodeLittleEndian(t *testing.T) {
	var r Regs
	r[RegEAX] = 0x11223344
	enc := r.encode(nil)
	if len(enc) != numRegBytes*2 {
		t.Fatalf("encoded length = %d, want %d", len(enc), numRegBytes*2)
	}
	if got := string(enc[:8]); got != "44332211" {
		t.Errorf("eax encodes as %q, want %q", got, "44332211")
	}
	if !bytes.Equal(enc[8:], bytes.Repeat([]byte{'0'}, 120)) {
		t.Errorf("zero registers encode as %q", enc[8:])
	}
}

func TestRegsRoundTrip(t *testing.T) {
	var r Regs
	for i := range r {
		r[i] = uint32(0xdeadbe00 + i)
	}
	r[RegEFL] = 0x10302

	var got Regs
	got.decode(r.encode(nil))
	if got != r {
		t.Errorf("round trip mismatch:\n got %s\nwant %s", got.String(), r.String())
	}
}

func TestRegsDecodeOne(t *testing.T) {
	var r Regs
	r.decodeOne(RegEAX, []byte("efbeadde"))
	if r[RegEAX] != 0xdeadbeef {
		t.Errorf("eax = %#x, want 0xdeadbeef", r[RegEAX])
	}

	// malformed input leaves the register alone
	r.decodeOne(RegEAX, []byte("zzzz"))
	if r[RegEAX] != 0xdeadbeef {
		t.Errorf("eax = %#x after bad decode, want 0xdeadbeef", r[RegEAX])
	}
}
