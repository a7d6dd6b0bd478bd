package debugger

import (
	"github.com/sirupsen/logrus"

	. "github.com/leeminghao/zircon/debugger/common"
	"github.com/leeminghao/zircon/debugger/memory"
	"github.com/leeminghao/zircon/debugger/registers"
	"github.com/leeminghao/zircon/logflags"
	"github.com/leeminghao/zircon/procfs"
	"github.com/leeminghao/zircon/ptrace"
)

// Diagnostics logs fault context at debug level: the register file, the
// decoded faulting instruction, and the memory region the program counter
// sits in.  Failures to gather context are logged and swallowed since
// diagnostics must never affect fault servicing.
type Diagnostics struct {
	log *logrus.Entry

	pid int

	layout *registers.Layout

	disassembler *memory.Disassembler
}

func NewDiagnostics(inf *Inferior) *Diagnostics {
	return &Diagnostics{
		log:          logflags.Monitor(),
		pid:          inf.Pid,
		layout:       inf.Layout(),
		disassembler: inf.Disassembler,
	}
}

func (diagnostics *Diagnostics) ReportFault(
	tid int,
	sigInfo *ptrace.SigInfo,
	state registers.State,
) {
	if !diagnostics.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}

	diagnostics.log.Debugf(
		"thread %d fault details (signal %d code %d addr %s):",
		tid,
		sigInfo.Signo,
		sigInfo.Code,
		VirtualAddress(sigInfo.Addr))

	for _, line := range state.Dump() {
		diagnostics.log.Debug(line)
	}

	pc := VirtualAddress(state.Value(diagnostics.layout.ProgramCounter))

	instructions, err := diagnostics.disassembler.Disassemble(pc, 1)
	if err != nil {
		diagnostics.log.Debugf(
			"failed to decode instruction at %s: %s",
			pc,
			err)
	} else if len(instructions) > 0 {
		diagnostics.log.Debugf("faulting instruction: %s", instructions[0])
	}

	regions, err := procfs.GetMappedMemoryRegions(diagnostics.pid)
	if err != nil {
		diagnostics.log.Debugf("failed to read memory map: %s", err)
		return
	}

	region := procfs.RegionContaining(regions, uint64(pc))
	if region == nil {
		diagnostics.log.Debugf("program counter %s is not mapped", pc)
		return
	}

	diagnostics.log.Debugf(
		"program counter in %s (0x%x-0x%x)",
		region.Pathname,
		region.LowAddress,
		region.HighAddress)
}
