package ptrace

import (
	"debug/elf"
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

type Options int

const (
	vmPageSize = 0x1000

	O_EXITKILL     = Options(unix.PTRACE_O_EXITKILL)
	O_TRACESYSGOOD = Options(unix.PTRACE_O_TRACESYSGOOD)
	O_TRACECLONE   = Options(unix.PTRACE_O_TRACECLONE)
)

// Extended ptrace stop events, reported in the upper bits of the wait
// status above the stop signal.
type Event int

const (
	EVENT_CLONE = Event(unix.PTRACE_EVENT_CLONE)
)

// This matches siginfo_t defined in <signal.h> (64bit variant).  Only the
// leading union member of the fault signal layout is broken out; hardware
// fault signals (SIGSEGV / SIGBUS / SIGILL / SIGFPE) store the faulting
// address there.
type SigInfo struct {
	Signo int32
	Errno int32
	Code  int32
	_     int32
	Addr  uint64
	_     [104]byte
}

func ptrace(request int, pid int, addr uintptr, data uintptr) error {
	_, _, err := syscall.Syscall6(
		syscall.SYS_PTRACE,
		uintptr(request),
		uintptr(pid),
		addr,
		data,
		0,
		0)
	if err == 0 {
		return nil
	}
	return err
}

func ptracePtr(request int, pid int, addr uintptr, data unsafe.Pointer) error {
	return ptrace(request, pid, addr, uintptr(data))
}

// getRegSet reads the NT_PRSTATUS register note.  The kernel shrinks the
// iovec length to the architecture's register file size.
func getRegSet(pid int, out []byte) (int, error) {
	if len(out) == 0 {
		return 0, fmt.Errorf("empty register set buffer")
	}

	iov := unix.Iovec{
		Base: &out[0],
	}
	iov.SetLen(len(out))

	err := ptracePtr(
		unix.PTRACE_GETREGSET,
		pid,
		uintptr(elf.NT_PRSTATUS),
		unsafe.Pointer(&iov))
	if err != nil {
		return 0, err
	}

	return int(iov.Len), nil
}

func setRegSet(pid int, in []byte) error {
	if len(in) == 0 {
		return fmt.Errorf("empty register set buffer")
	}

	iov := unix.Iovec{
		Base: &in[0],
	}
	iov.SetLen(len(in))

	return ptracePtr(
		unix.PTRACE_SETREGSET,
		pid,
		uintptr(elf.NT_PRSTATUS),
		unsafe.Pointer(&iov))
}

func getSigInfo(pid int, out *SigInfo) error {
	return ptracePtr(syscall.PTRACE_GETSIGINFO, pid, 0, unsafe.Pointer(out))
}

func getEventMsg(pid int) (uint64, error) {
	// Since we're issuing Syscall6 directly, we need to pass in a valid output
	// pointer.  See "C library/kernel differences" in ptrace man(2) page for
	// detail.
	msg := uint64(0)
	err := ptracePtr(syscall.PTRACE_GETEVENTMSG, pid, 0, unsafe.Pointer(&msg))
	return msg, err
}

func readVirtualMemory(pid int, addr uintptr, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	localIovs := make([]unix.Iovec, 1)
	localIovs[0].Base = &data[0]
	localIovs[0].SetLen(len(data))

	var remoteIovs []unix.RemoteIovec

	remaining := len(data)

	// NOTE: We need to ensure RemoteIovec entries are page aligned.
	if addr%vmPageSize != 0 {
		pageEndAddr := ((addr + vmPageSize - 1) / vmPageSize) * vmPageSize

		size := int(pageEndAddr - addr)
		if remaining < size {
			size = remaining
		}

		remoteIovs = append(
			remoteIovs,
			unix.RemoteIovec{
				Base: addr,
				Len:  size,
			})
		remaining -= size
		addr += uintptr(size)
	}

	for remaining > 0 {
		size := remaining
		if size > vmPageSize {
			size = vmPageSize
		}

		remoteIovs = append(
			remoteIovs,
			unix.RemoteIovec{
				Base: addr,
				Len:  size,
			})

		remaining -= size
		addr += uintptr(size)
	}

	return unix.ProcessVMReadv(pid, localIovs, remoteIovs, 0)
}
