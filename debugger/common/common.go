package common

import (
	"fmt"
	"syscall"
)

var (
	ErrInvalidArgument = fmt.Errorf("invalid argument")
	ErrProcessExited   = fmt.Errorf("process exited")
	ErrNoSuchThread    = fmt.Errorf("no such thread")
)

// FaultKind names the architectural exception class behind a fault signal.
type FaultKind string

const (
	UnknownFault       = FaultKind("")
	SegmentationFault  = FaultKind("segmentation fault")
	BusFault           = FaultKind("bus error")
	IllegalInstruction = FaultKind("illegal instruction")
	ArithmeticFault    = FaultKind("arithmetic fault")
	DebugTrap          = FaultKind("debug trap")
)

// FaultSignalToKind classifies the signals the cpu raises synchronously on
// a faulting instruction.  Asynchronous process signals (including the go
// runtime's preemption signal) map to UnknownFault and are not treated as
// exceptions.
func FaultSignalToKind(signal syscall.Signal) FaultKind {
	switch signal {
	case syscall.SIGSEGV:
		return SegmentationFault
	case syscall.SIGBUS:
		return BusFault
	case syscall.SIGILL:
		return IllegalInstruction
	case syscall.SIGFPE:
		return ArithmeticFault
	case syscall.SIGTRAP:
		return DebugTrap
	default:
		return UnknownFault
	}
}

func IsFaultSignal(signal syscall.Signal) bool {
	return FaultSignalToKind(signal) != UnknownFault
}

type VirtualAddress uint64

func (addr VirtualAddress) String() string {
	return fmt.Sprintf("0x%016x", uint64(addr))
}
