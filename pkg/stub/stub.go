// Package stub implements a target-side GDB Remote Serial Protocol
// stub for a 32-bit x86 program hosted in a DOS-extender style
// environment. When the program faults or hits a breakpoint the
// exception is delivered to the stub, which freezes the program and
// serves register, memory, step and continue commands over a serial
// byte transport until the host resumes execution.
package stub

import (
	"fmt"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/retrodbg/gdbstub/pkg/logflags"
	"github.com/retrodbg/gdbstub/pkg/machine"
	"github.com/retrodbg/gdbstub/pkg/transport"
)

// Config carries the external collaborators a Stub needs.
type Config struct {
	// Transport is the serial line to the host GDB.
	Transport transport.Transport
	// Source delivers CPU exceptions and performs the atomic resume.
	Source machine.ExceptionSource
	// Mem is the debuggee address space.
	Mem machine.Memory
	// Pinner locks stub state against paging. Optional; defaults to
	// a no-op.
	Pinner machine.Pinner
}

// Stub owns all debugging state: the register snapshot, the packet
// buffers and the fault window. It is mutated only in exception
// context, with the debuggee frozen; no locking is needed or wanted.
type Stub struct {
	conn conn
	src  machine.ExceptionSource
	mem  machine.Memory
	pin  machine.Pinner

	// regs is the authoritative CPU state between packets.
	regs Regs

	// memFaultRoutine, when non-nil, receives the next memory fault
	// in place of the command loop. noteMemErr is the routine armed
	// by the memory primitives, bound once so arming never allocates.
	memFaultRoutine func()
	noteMemErr      func()
	memErr          bool

	initialized bool
	verbose     bool

	vector  int
	errCode int

	log *logrus.Entry
}

// New builds a Stub over the given collaborators.
func New(cfg Config) *Stub {
	if cfg.Pinner == nil {
		cfg.Pinner = machine.NopPinner{}
	}
	s := &Stub{
		src:     cfg.Source,
		mem:     cfg.Mem,
		pin:     cfg.Pinner,
		vector:  -1,
		verbose: logflags.Stub(),
		log:     logflags.StubLogger(),
	}
	s.conn = conn{tr: cfg.Transport, wire: logflags.RSPWireLogger()}
	s.noteMemErr = func() { s.memErr = true }
	return s
}

// Install pins the stub state and registers the four exception entry
// points. After Install the program is debuggable; call Breakpoint to
// synchronize with the host.
func (s *Stub) Install() error {
	if err := s.pin.Pin(unsafe.Pointer(s), unsafe.Sizeof(*s)); err != nil {
		return fmt.Errorf("cannot pin stub state: %v", err)
	}
	s.src.Install(machine.SIGSEGV, s.sigsegv)
	s.src.Install(machine.SIGFPE, s.sigtrap)
	s.src.Install(machine.SIGTRAP, s.sigtrap)
	s.src.Install(machine.SIGILL, s.sigtrap)
	s.initialized = true
	return nil
}

// Close restores the default disposition of all four signals.
func (s *Stub) Close() {
	s.src.Reset(machine.SIGSEGV)
	s.src.Reset(machine.SIGTRAP)
	s.src.Reset(machine.SIGFPE)
	s.src.Reset(machine.SIGILL)
	s.initialized = false
}

// Breakpoint raises a breakpoint trap, stopping the program and
// handing control to the host. Before Install it does nothing.
func (s *Stub) Breakpoint() {
	if !s.initialized {
		return
	}
	s.src.Breakpoint()
}

// Vector returns the exception vector of the last stop, -1 before the
// first one.
func (s *Stub) Vector() int { return s.vector }

// ErrCode returns the CPU-reported error code of the last fault.
func (s *Stub) ErrCode() int { return s.errCode }

// sigsegv is the memory-fault entry point. A fault that arrives while
// the window is armed belongs to a stub-initiated access and goes to
// the armed routine instead of the command loop.
func (s *Stub) sigsegv(vec int, state *machine.ExceptionState) {
	s.saveRegs(state)
	if s.memFaultRoutine != nil {
		s.memFault()
	} else {
		s.errCode = int(state.SigMask & 0xffff)
		s.serve(vec)
	}
	s.setRegs(state)
}

// sigtrap is the entry point for SIGTRAP, SIGFPE and SIGILL.
func (s *Stub) sigtrap(vec int, state *machine.ExceptionState) {
	s.saveRegs(state)
	s.errCode = int(state.SigMask & 0xffff)
	s.serve(vec)
	s.setRegs(state)
}

// saveRegs snapshots the exception record. Selectors widen to a full
// slot; their upper halves carry no information.
func (s *Stub) saveRegs(state *machine.ExceptionState) {
	s.regs[RegEAX] = state.EAX
	s.regs[RegECX] = state.ECX
	s.regs[RegEDX] = state.EDX
	s.regs[RegEBX] = state.EBX
	s.regs[RegESP] = state.ESP
	s.regs[RegEBP] = state.EBP
	s.regs[RegESI] = state.ESI
	s.regs[RegEDI] = state.EDI
	s.regs[RegEIP] = state.EIP
	s.regs[RegEFL] = state.EFlags
	s.regs[RegCS] = uint32(state.CS)
	s.regs[RegSS] = uint32(state.SS)
	s.regs[RegDS] = uint32(state.DS)
	s.regs[RegES] = uint32(state.ES)
	s.regs[RegFS] = uint32(state.FS)
	s.regs[RegGS] = uint32(state.GS)
}

// setRegs publishes the (possibly modified) snapshot back into the
// exception record. The environment reloads the whole record when the
// handler returns, eip/cs/eflags as one unit, so a trace flag set here
// fires after exactly one debuggee instruction.
func (s *Stub) setRegs(state *machine.ExceptionState) {
	state.EAX = s.regs[RegEAX]
	state.ECX = s.regs[RegECX]
	state.EDX = s.regs[RegEDX]
	state.EBX = s.regs[RegEBX]
	state.ESP = s.regs[RegESP]
	state.EBP = s.regs[RegEBP]
	state.ESI = s.regs[RegESI]
	state.EDI = s.regs[RegEDI]
	state.EIP = s.regs[RegEIP]
	state.EFlags = s.regs[RegEFL]
	state.CS = uint16(s.regs[RegCS])
	state.SS = uint16(s.regs[RegSS])
	state.DS = uint16(s.regs[RegDS])
	state.ES = uint16(s.regs[RegES])
	state.FS = uint16(s.regs[RegFS])
	state.GS = uint16(s.regs[RegGS])
}
