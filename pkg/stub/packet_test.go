package stub

import (
	"fmt"
	"strings"
	"testing"

	"github.com/retrodbg/gdbstub/pkg/logflags"
	"github.com/retrodbg/gdbstub/pkg/transport"
)

func newTestConn(t *testing.T) (*conn, *transport.PipeEnd) {
	t.Helper()
	stubEnd, hostEnd := transport.Pipe()
	t.Cleanup(func() { hostEnd.Close() })
	return &conn{tr: stubEnd, wire: logflags.RSPWireLogger()}, hostEnd
}

func hostSendRaw(t *testing.T, host *transport.PipeEnd, raw string) {
	t.Helper()
	for i := 0; i < len(raw); i++ {
		if err := host.PutByte(raw[i]); err != nil {
			t.Fatalf("host send: %v", err)
		}
	}
}

func framePacket(payload string) string {
	var sum byte
	for i := 0; i < len(payload); i++ {
		sum += payload[i]
	}
	return fmt.Sprintf("$%s#%02x", payload, sum)
}

func hostRecvRaw(t *testing.T, host *transport.PipeEnd, n int) string {
	t.Helper()
	buf := make([]byte, n)
	for i := range buf {
		b, err := host.GetByte()
		if err != nil {
			t.Fatalf("host recv: %v", err)
		}
		buf[i] = b
	}
	return string(buf)
}

func TestReadPacket(t *testing.T) {
	c, host := newTestConn(t)
	hostSendRaw(t, host, framePacket("m1000,3"))

	pkt, err := c.readPacket()
	if err != nil {
		t.Fatalf("readPacket: %v", err)
	}
	if string(pkt) != "m1000,3" {
		t.Errorf("payload = %q, want %q", pkt, "m1000,3")
	}
	if ack := hostRecvRaw(t, host, 1); ack != "+" {
		t.Errorf("ack = %q, want +", ack)
	}
}

func TestReadPacketBadChecksum(t *testing.T) {
	c, host := newTestConn(t)
	hostSendRaw(t, host, "$m1000,1#00")
	hostSendRaw(t, host, framePacket("m1000,1"))

	pkt, err := c.readPacket()
	if err != nil {
		t.Fatalf("readPacket: %v", err)
	}
	if string(pkt) != "m1000,1" {
		t.Errorf("payload = %q, want %q", pkt, "m1000,1")
	}
	if acks := hostRecvRaw(t, host, 2); acks != "-+" {
		t.Errorf("acks = %q, want -+", acks)
	}
}

func TestReadPacketRestartOnDollar(t *testing.T) {
	c, host := newTestConn(t)
	// a $ mid-packet restarts the frame
	hostSendRaw(t, host, "$garbage"+framePacket("g"))

	pkt, err := c.readPacket()
	if err != nil {
		t.Fatalf("readPacket: %v", err)
	}
	if string(pkt) != "g" {
		t.Errorf("payload = %q, want %q", pkt, "g")
	}
}

func TestReadPacketSequencePrefix(t *testing.T) {
	c, host := newTestConn(t)
	hostSendRaw(t, host, framePacket("AB:g"))

	pkt, err := c.readPacket()
	if err != nil {
		t.Fatalf("readPacket: %v", err)
	}
	if string(pkt) != "g" {
		t.Errorf("payload = %q, want %q", pkt, "g")
	}
	// ack then the echoed sequence ID
	if got := hostRecvRaw(t, host, 3); got != "+AB" {
		t.Errorf("echo = %q, want +AB", got)
	}
}

func TestReadPacketMaxPayload(t *testing.T) {
	c, host := newTestConn(t)
	payload := strings.Repeat("a", bufMax-2)
	hostSendRaw(t, host, framePacket(payload))

	pkt, err := c.readPacket()
	if err != nil {
		t.Fatalf("readPacket: %v", err)
	}
	if string(pkt) != payload {
		t.Errorf("payload length = %d, want %d", len(pkt), len(payload))
	}
}

func TestWritePacket(t *testing.T) {
	c, host := newTestConn(t)
	if err := host.PutByte('+'); err != nil {
		t.Fatal(err)
	}
	if err := c.writePacket([]byte("OK")); err != nil {
		t.Fatalf("writePacket: %v", err)
	}
	if got := hostRecvRaw(t, host, 6); got != "$OK#9a" {
		t.Errorf("wire = %q, want $OK#9a", got)
	}
}

func TestWritePacketEmpty(t *testing.T) {
	c, host := newTestConn(t)
	host.PutByte('+')
	if err := c.writePacket(nil); err != nil {
		t.Fatalf("writePacket: %v", err)
	}
	if got := hostRecvRaw(t, host, 4); got != "$#00" {
		t.Errorf("wire = %q, want $#00", got)
	}
}

func TestWritePacketRetransmit(t *testing.T) {
	c, host := newTestConn(t)
	host.PutByte('-')
	host.PutByte('+')
	if err := c.writePacket([]byte("S05")); err != nil {
		t.Fatalf("writePacket: %v", err)
	}
	want := framePacket("S05")
	if got := hostRecvRaw(t, host, 2*len(want)); got != want+want {
		t.Errorf("wire = %q, want two copies of %q", got, want)
	}
}

func TestWritePacketChecksumProperty(t *testing.T) {
	for _, payload := range []string{"", "OK", "E03", "S05", "deadbeef00112233"} {
		c, host := newTestConn(t)
		host.PutByte('+')
		if err := c.writePacket([]byte(payload)); err != nil {
			t.Fatalf("writePacket(%q): %v", payload, err)
		}
		got := hostRecvRaw(t, host, len(payload)+4)
		var sum byte
		for i := 0; i < len(payload); i++ {
			sum += payload[i]
		}
		if want := fmt.Sprintf("$%s#%02x", payload, sum); got != want {
			t.Errorf("wire = %q, want %q", got, want)
		}
	}
}
