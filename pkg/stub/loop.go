package stub

import (
	"bytes"

	"github.com/sirupsen/logrus"

	"github.com/retrodbg/gdbstub/pkg/machine"
)

// computeSignal translates an i386 exception vector into the Unix-like
// signal number GDB expects in stop replies.
func computeSignal(vec int) int {
	switch vec {
	case machine.VecDivide:
		return 8
	case machine.VecDebug:
		return 5
	case machine.VecBreakpoint, machine.VecSyntheticBreak:
		return 5
	case machine.VecOverflow, machine.VecBound:
		return 16
	case machine.VecInvalidOp:
		return 4
	case machine.VecNoFPU:
		return 8
	case machine.VecDoubleFault:
		return 7
	case machine.VecSegOverrun, machine.VecInvalidTSS, machine.VecSegNotPresent,
		machine.VecStack, machine.VecGP, machine.VecPage:
		return 11
	case machine.VecFPUErr:
		return 7
	default:
		return 7 // software generated
	}
}

// serve is the command loop: report the stop, then execute host
// commands against the snapshot until a continue or step releases the
// program. On return the dispatcher publishes the snapshot and the
// environment's atomic reload resumes the debuggee.
func (s *Stub) serve(vec int) {
	s.vector = vec
	sigval := computeSignal(vec)

	if s.verbose {
		s.log.Debugf("vector=%d, sr=%#x, pc=%#x", vec, s.regs[RegEFL], s.regs[RegEIP])
		s.log.Debug(s.regs.String())
	}

	out := s.conn.out[:0]
	out = appendStopReply(out, sigval)
	if err := s.conn.writePacket(out); err != nil {
		s.transportErr(err)
		return
	}

	stepping := false

	for {
		pkt, err := s.conn.readPacket()
		if err != nil {
			s.transportErr(err)
			return
		}
		out = s.conn.out[:0]
		if len(pkt) == 0 {
			if err := s.conn.writePacket(out); err != nil {
				s.transportErr(err)
				return
			}
			continue
		}

		cmd, args := pkt[0], pkt[1:]
		switch cmd {
		case '?':
			out = appendStopReply(out, sigval)

		case 'H':
			// thread selection: single-threaded, accept anything
			out = append(out, "OK"...)

		case 'q':
			out = s.query(out, args)

		case 'd':
			s.toggleVerbose()

		case 'g':
			out = s.regs.encode(out)

		case 'G':
			s.regs.decode(args)
			out = append(out, "OK"...)

		case 'P':
			out = s.setReg(out, args)

		case 'm':
			out = s.readMem(out, args)

		case 'M':
			out = s.writeMem(out, args)

		case 's':
			stepping = true
			fallthrough
		case 'c':
			if addr, _, n := parseHex(args); n > 0 {
				s.regs[RegEIP] = addr
			}
			s.regs[RegEFL] &^= machine.FlagTF
			if stepping {
				s.regs[RegEFL] |= machine.FlagTF
			}
			if s.verbose {
				s.log.Debugf("resume (%c), pc=%#x, tf=%v", cmd, s.regs[RegEIP], stepping)
			}
			return

		case 'k':
			// kill is a no-op: the host drops the line right after,
			// and the program has nowhere to be killed to

		default:
			if s.verbose {
				s.log.Debugf("unhandled packet %q", pkt)
			}
		}

		if err := s.conn.writePacket(out); err != nil {
			s.transportErr(err)
			return
		}
	}
}

func appendStopReply(out []byte, sigval int) []byte {
	return append(out, 'S', hexDigit[sigval>>4], hexDigit[sigval&0xf])
}

// query answers the small q subset a single-threaded stub needs.
func (s *Stub) query(out, args []byte) []byte {
	switch {
	case bytes.Equal(args, []byte("C")):
		out = append(out, "QC0"...)
	case bytes.Equal(args, []byte("Attached")):
		out = append(out, '1')
	case bytes.Equal(args, []byte("fThreadInfo")):
		out = append(out, "m0"...)
	case bytes.Equal(args, []byte("sThreadInfo")):
		out = append(out, 'l')
	case bytes.Equal(args, []byte("Symbol::")):
		out = append(out, "OK"...)
	default:
		if s.verbose {
			s.log.Debugf("unhandled query %q", args)
		}
	}
	return out
}

// setReg handles P n=hhhhhhhh.
func (s *Stub) setReg(out, p []byte) []byte {
	regno, p, n := parseHex(p)
	if n > 0 && len(p) > 0 && p[0] == '=' && regno < numRegs {
		s.regs.decodeOne(int(regno), p[1:])
		return append(out, "OK"...)
	}
	return append(out, "E01"...)
}

// readMem handles m addr,length.
func (s *Stub) readMem(out, p []byte) []byte {
	addr, p, n := parseHex(p)
	if n == 0 || len(p) == 0 || p[0] != ',' {
		return append(out, "E01"...)
	}
	length, _, n := parseHex(p[1:])
	if n == 0 {
		return append(out, "E01"...)
	}
	if int(length) > (bufMax-1)/2 {
		// the reply must fit the outbound buffer
		length = (bufMax - 1) / 2
	}
	s.memErr = false
	out = s.memToHex(out, addr, int(length), true)
	if s.memErr {
		if s.verbose {
			s.log.Debugf("memory fault reading %#x,%d", addr, length)
		}
		return append(out[:0], "E03"...)
	}
	return out
}

// writeMem handles M addr,length:hh...
func (s *Stub) writeMem(out, p []byte) []byte {
	addr, p, n := parseHex(p)
	if n == 0 || len(p) == 0 || p[0] != ',' {
		return append(out, "E02"...)
	}
	length, p, n := parseHex(p[1:])
	if n == 0 || len(p) == 0 || p[0] != ':' {
		return append(out, "E02"...)
	}
	s.memErr = false
	s.hexToMem(p[1:], addr, int(length), true)
	if s.memErr {
		if s.verbose {
			s.log.Debugf("memory fault writing %#x,%d", addr, length)
		}
		return append(out, "E03"...)
	}
	return append(out, "OK"...)
}

// toggleVerbose flips the stub layer's verbose command tracing at the
// host's request (the d packet). The reply is deliberately empty.
func (s *Stub) toggleVerbose() {
	s.verbose = !s.verbose
	if s.verbose {
		s.log.Logger.SetLevel(logrus.DebugLevel)
	} else {
		s.log.Logger.SetLevel(logrus.ErrorLevel)
	}
}

// transportErr ends the debug session: with the line gone there is
// nobody to serve, so the stub detaches and the program is released as
// it stands.
func (s *Stub) transportErr(err error) {
	s.log.Errorf("transport failed, detaching: %v", err)
	s.Close()
}
