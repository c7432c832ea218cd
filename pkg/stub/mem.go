package stub

// Safe access to debuggee memory. Around every stub-initiated access a
// fault routine is armed; a memory fault arriving inside the window is
// handed to it instead of the command loop, so a bad address from the
// host costs an error reply, not the debug session.

// memFault runs and disarms the armed fault routine, if any. The
// SIGSEGV entry point calls this when a fault arrives with the window
// armed; peek and poke call it directly when the environment reports
// the fault in-band.
func (s *Stub) memFault() {
	if f := s.memFaultRoutine; f != nil {
		s.memFaultRoutine = nil
		f()
	}
}

// peek reads one debuggee byte. Kept minimal: everything the fault
// path needs lives on the Stub, not in this frame.
func (s *Stub) peek(addr uint32) byte {
	b, ok := s.mem.LoadByte(addr)
	if !ok {
		s.memFault()
	}
	return b
}

// poke writes one debuggee byte.
func (s *Stub) poke(addr uint32, v byte) {
	if !s.mem.StoreByte(addr, v) {
		s.memFault()
	}
}

// memToHex appends two lowercase hex chars per byte read from addr.
// With mayFault set the window is armed; a faulting read stops the
// loop, leaving memErr set and the output truncated.
func (s *Stub) memToHex(dst []byte, addr uint32, count int, mayFault bool) []byte {
	if mayFault {
		s.memFaultRoutine = s.noteMemErr
	}
	for i := 0; i < count; i++ {
		b := s.peek(addr + uint32(i))
		if mayFault && s.memErr {
			return dst
		}
		dst = append(dst, hexDigit[b>>4], hexDigit[b&0xf])
	}
	if mayFault {
		s.memFaultRoutine = nil
	}
	return dst
}

// hexToMem decodes count bytes from hex and writes them to debuggee
// memory, the dual of memToHex.
func (s *Stub) hexToMem(hex []byte, addr uint32, count int, mayFault bool) {
	if mayFault {
		s.memFaultRoutine = s.noteMemErr
	}
	for i := 0; i < count && 2*i+1 < len(hex); i++ {
		hi := fromHex(hex[2*i])
		lo := fromHex(hex[2*i+1])
		if hi < 0 || lo < 0 {
			break
		}
		s.poke(addr+uint32(i), byte(hi<<4|lo))
		if mayFault && s.memErr {
			return
		}
	}
	if mayFault {
		s.memFaultRoutine = nil
	}
}
