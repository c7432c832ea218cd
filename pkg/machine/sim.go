package machine

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"

	"github.com/retrodbg/gdbstub/pkg/logflags"
)

// Flat protected-mode selectors, the shape a DPMI client sees.
const (
	flatCS = 0x23
	flatDS = 0x2b
)

// Page-fault error codes (user mode).
const (
	pfErrRead  = 0x4
	pfErrWrite = 0x6
	pfErrFetch = 0x14
)

const maxInstLen = 15

// Sim is a small 32-bit x86 machine. It executes the instruction
// subset the debuggee programs in this repository need, raises the
// architectural exception vectors, and delivers them to installed
// handlers the way a DOS extender delivers signals: the handler gets a
// mutable ExceptionState, and on return the whole record is reloaded
// into the CPU at once.
type Sim struct {
	Mem *SparseMem

	cpu      ExceptionState
	handlers map[Signal]Handler
	halted   bool

	log *logrus.Entry
}

// NewSim builds a machine over mem with flat segments and interrupts
// enabled.
func NewSim(mem *SparseMem) *Sim {
	s := &Sim{
		Mem:      mem,
		handlers: make(map[Signal]Handler),
		log:      logflags.MachineLogger(),
	}
	s.cpu.EFlags = 0x202
	s.cpu.CS = flatCS
	s.cpu.SS = flatDS
	s.cpu.DS = flatDS
	s.cpu.ES = flatDS
	s.cpu.FS = flatDS
	s.cpu.GS = flatDS
	return s
}

// CPU exposes the live register state, for setup and inspection while
// the machine is stopped.
func (s *Sim) CPU() *ExceptionState { return &s.cpu }

// SetPC places the next instruction to execute.
func (s *Sim) SetPC(addr uint32) { s.cpu.EIP = addr }

// SetSP places the stack pointer.
func (s *Sim) SetSP(addr uint32) { s.cpu.ESP = addr }

// Halted reports whether the machine has stopped.
func (s *Sim) Halted() bool { return s.halted }

func (s *Sim) Install(sig Signal, h Handler) {
	s.handlers[sig] = h
}

func (s *Sim) Reset(sig Signal) {
	delete(s.handlers, sig)
}

// Breakpoint delivers a synthetic breakpoint trap with the current
// machine state. The extender raises these on behalf of the program,
// so they arrive with the out-of-range vector rather than vector 3.
func (s *Sim) Breakpoint() {
	s.raise(VecSyntheticBreak, 0)
}

// LoadByte and StoreByte let the stub access debuggee memory directly.
// A false result stands in for the memory-fault exception the CPU
// would raise on a bad address.
func (s *Sim) LoadByte(addr uint32) (byte, bool)  { return s.Mem.LoadByte(addr) }
func (s *Sim) StoreByte(addr uint32, v byte) bool { return s.Mem.StoreByte(addr, v) }

// signalFor routes an exception vector to the signal class the
// extender delivers it under.
func signalFor(vec int) Signal {
	switch vec {
	case VecDivide, VecNoFPU, VecFPUErr:
		return SIGFPE
	case VecDebug, VecBreakpoint, VecSyntheticBreak:
		return SIGTRAP
	case VecInvalidOp:
		return SIGILL
	default:
		return SIGSEGV
	}
}

// raise delivers vec to the installed handler. Without a handler the
// machine halts: there is nothing to resume into.
func (s *Sim) raise(vec int, errcode uint32) {
	sig := signalFor(vec)
	h := s.handlers[sig]
	if h == nil {
		s.log.Errorf("unhandled exception: vector %d (signal %d) at %#x, halting", vec, sig, s.cpu.EIP)
		s.halted = true
		return
	}
	state := s.cpu
	state.SigMask = errcode & 0xffff
	h(vec, &state)
	// Reload the full record in one step; eip, cs and eflags change
	// together, so a trace flag written by the handler fires after
	// exactly one more instruction.
	state.SigMask = s.cpu.SigMask
	s.cpu = state
}

// Run executes until the machine halts.
func (s *Sim) Run() {
	for s.Step() {
	}
}

// Step executes one instruction and delivers any exception it raises,
// including the trace trap when TF was set at instruction start.
// Returns false once the machine halts.
func (s *Sim) Step() bool {
	if s.halted {
		return false
	}
	tf := s.cpu.EFlags&FlagTF != 0
	completed := s.exec()
	if s.halted {
		return false
	}
	if completed && tf {
		s.raise(VecDebug, 0)
	}
	return !s.halted
}

// exec runs a single instruction. It returns true when the instruction
// retired normally, false when it raised an exception instead.
func (s *Sim) exec() bool {
	eip := s.cpu.EIP

	b0, ok := s.Mem.LoadByte(eip)
	if !ok {
		s.raise(VecPage, pfErrFetch)
		return false
	}
	// int3 is matched on the raw opcode byte: the host plants 0xCC
	// over arbitrary instruction boundaries and the byte must trap no
	// matter what it overwrote.
	if b0 == 0xcc {
		s.cpu.EIP = eip + 1
		s.raise(VecBreakpoint, 0)
		return false
	}

	var buf [maxInstLen]byte
	n := 0
	for ; n < len(buf); n++ {
		b, ok := s.Mem.LoadByte(eip + uint32(n))
		if !ok {
			break
		}
		buf[n] = b
	}
	inst, err := x86asm.Decode(buf[:n], 32)
	if err != nil {
		s.raise(VecInvalidOp, 0)
		return false
	}
	if logflags.Machine() {
		s.log.Debugf("%08x  %s", eip, x86asm.GNUSyntax(inst, uint64(eip), nil))
	}

	next := eip + uint32(inst.Len)

	switch inst.Op {
	case x86asm.NOP:
		s.cpu.EIP = next

	case x86asm.HLT:
		s.log.Debugf("hlt at %#x", eip)
		s.cpu.EIP = next
		s.halted = true

	case x86asm.MOV:
		v, ok := s.argVal(inst, inst.Args[1])
		if !ok {
			return false
		}
		if !s.argSet(inst, inst.Args[0], v) {
			return false
		}
		s.cpu.EIP = next

	case x86asm.INC, x86asm.DEC:
		v, ok := s.argVal(inst, inst.Args[0])
		if !ok {
			return false
		}
		if inst.Op == x86asm.INC {
			v++
		} else {
			v--
		}
		if !s.argSet(inst, inst.Args[0], v) {
			return false
		}
		s.cpu.EIP = next

	case x86asm.DIV:
		v, ok := s.argVal(inst, inst.Args[0])
		if !ok {
			return false
		}
		if v == 0 {
			s.raise(VecDivide, 0)
			return false
		}
		n := uint64(s.cpu.EDX)<<32 | uint64(s.cpu.EAX)
		q := n / uint64(v)
		if q > 0xffffffff {
			s.raise(VecDivide, 0)
			return false
		}
		s.cpu.EAX = uint32(q)
		s.cpu.EDX = uint32(n % uint64(v))
		s.cpu.EIP = next

	case x86asm.JMP:
		rel, isRel := inst.Args[0].(x86asm.Rel)
		if !isRel {
			s.raise(VecInvalidOp, 0)
			return false
		}
		s.cpu.EIP = next + uint32(int32(rel))

	default:
		s.raise(VecInvalidOp, 0)
		return false
	}
	return true
}

func (s *Sim) regPtr(r x86asm.Reg) *uint32 {
	switch r {
	case x86asm.EAX:
		return &s.cpu.EAX
	case x86asm.ECX:
		return &s.cpu.ECX
	case x86asm.EDX:
		return &s.cpu.EDX
	case x86asm.EBX:
		return &s.cpu.EBX
	case x86asm.ESP:
		return &s.cpu.ESP
	case x86asm.EBP:
		return &s.cpu.EBP
	case x86asm.ESI:
		return &s.cpu.ESI
	case x86asm.EDI:
		return &s.cpu.EDI
	}
	return nil
}

// ea computes a flat effective address; segment bases are zero.
func (s *Sim) ea(m x86asm.Mem) uint32 {
	addr := uint32(int32(m.Disp))
	if p := s.regPtr(m.Base); p != nil {
		addr += *p
	}
	if p := s.regPtr(m.Index); p != nil {
		addr += *p * uint32(m.Scale)
	}
	return addr
}

// argVal reads a source operand. A false result means an exception was
// raised (unsupported operand or memory fault).
func (s *Sim) argVal(inst x86asm.Inst, arg x86asm.Arg) (uint32, bool) {
	switch a := arg.(type) {
	case x86asm.Reg:
		p := s.regPtr(a)
		if p == nil {
			s.raise(VecInvalidOp, 0)
			return 0, false
		}
		return *p, true
	case x86asm.Imm:
		return uint32(int32(a)), true
	case x86asm.Mem:
		v, ok := s.Mem.Load(s.ea(a), 4)
		if !ok {
			s.raise(VecPage, pfErrRead)
			return 0, false
		}
		return v, true
	}
	s.raise(VecInvalidOp, 0)
	return 0, false
}

// argSet writes a destination operand; false means an exception was
// raised.
func (s *Sim) argSet(inst x86asm.Inst, arg x86asm.Arg, v uint32) bool {
	switch a := arg.(type) {
	case x86asm.Reg:
		p := s.regPtr(a)
		if p == nil {
			s.raise(VecInvalidOp, 0)
			return false
		}
		*p = v
		return true
	case x86asm.Mem:
		if !s.Mem.Store(s.ea(a), v, 4) {
			s.raise(VecPage, pfErrWrite)
			return false
		}
		return true
	}
	s.raise(VecInvalidOp, 0)
	return false
}
