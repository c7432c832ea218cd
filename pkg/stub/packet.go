package stub

import (
	"github.com/sirupsen/logrus"

	"github.com/retrodbg/gdbstub/pkg/logflags"
	"github.com/retrodbg/gdbstub/pkg/transport"
)

// bufMax is the size of the fixed packet buffers. Register packets
// need numRegBytes*2 characters plus framing; 400 leaves comfortable
// headroom.
const bufMax = 400

// conn frames RSP packets ($<payload>#<checksum>) over the byte
// transport and drives the ack/nak handshake.
type conn struct {
	tr transport.Transport

	in  [bufMax]byte
	out [bufMax]byte

	wire *logrus.Entry
}

// readPacket scans the line for the next well-formed packet,
// acknowledging with '+' or '-' as it goes. The returned slice aliases
// the inbound buffer and is valid until the next call. A two-character
// sequence prefix is echoed right after the ack and stripped from the
// returned payload.
func (c *conn) readPacket() ([]byte, error) {
	for {
		// wait for the start character, ignore everything else
		ch, err := c.tr.GetByte()
		if err != nil {
			return nil, err
		}
		if ch != '$' {
			continue
		}

	retry:
		var sum byte
		count := 0
		for count < bufMax {
			ch, err = c.tr.GetByte()
			if err != nil {
				return nil, err
			}
			if ch == '$' {
				goto retry
			}
			if ch == '#' {
				break
			}
			sum += ch
			c.in[count] = ch
			count++
		}
		if ch != '#' {
			continue
		}

		hi, err := c.tr.GetByte()
		if err != nil {
			return nil, err
		}
		lo, err := c.tr.GetByte()
		if err != nil {
			return nil, err
		}
		xmit := byte(fromHex(hi)<<4) + byte(fromHex(lo))

		if sum != xmit {
			c.wire.Debugf("bad checksum: computed %#02x, sent %#02x, buf=%q", sum, xmit, c.in[:count])
			if err := c.tr.PutByte('-'); err != nil {
				return nil, err
			}
			continue
		}
		if err := c.tr.PutByte('+'); err != nil {
			return nil, err
		}
		if logflags.RSPWire() {
			c.wire.Debugf("-> $%s#%02x", c.in[:count], xmit)
		}

		// a sequence ID is echoed back and stripped
		if count > 2 && c.in[2] == ':' {
			if err := c.tr.PutByte(c.in[0]); err != nil {
				return nil, err
			}
			if err := c.tr.PutByte(c.in[1]); err != nil {
				return nil, err
			}
			return c.in[3:count], nil
		}
		return c.in[:count], nil
	}
}

// writePacket sends $<payload>#<checksum> and retransmits until the
// host acks with '+'. There is no retry cap; the line is assumed to
// converge eventually.
func (c *conn) writePacket(payload []byte) error {
	var sum byte
	for _, ch := range payload {
		sum += ch
	}

	for {
		if logflags.RSPWire() {
			c.wire.Debugf("<- $%s#%02x", payload, sum)
		}
		if err := c.tr.PutByte('$'); err != nil {
			return err
		}
		for _, ch := range payload {
			if err := c.tr.PutByte(ch); err != nil {
				return err
			}
		}
		if err := c.tr.PutByte('#'); err != nil {
			return err
		}
		if err := c.tr.PutByte(hexDigit[sum>>4]); err != nil {
			return err
		}
		if err := c.tr.PutByte(hexDigit[sum&0xf]); err != nil {
			return err
		}

		ch, err := c.tr.GetByte()
		if err != nil {
			return err
		}
		if ch == '+' {
			return nil
		}
	}
}
