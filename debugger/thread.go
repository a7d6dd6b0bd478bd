package debugger

import (
	"fmt"
	"os"
	"syscall"

	. "github.com/leeminghao/zircon/debugger/common"
	"github.com/leeminghao/zircon/debugger/memory"
	"github.com/leeminghao/zircon/debugger/registers"
	"github.com/leeminghao/zircon/procfs"
	"github.com/leeminghao/zircon/ptrace"
)

// Thread is a handle on one stopped inferior thread.  The handle holds the
// thread's /proc task directory open, which pins the tid's identity for
// the handle's lifetime.
type Thread struct {
	Tid int

	// Owning process.
	pid int

	tracer *ptrace.Tracer

	Registers *registers.Registers

	memory *memory.VirtualMemory

	taskDir *os.File
}

func newThread(
	pid int,
	tid int,
	tracer *ptrace.Tracer,
	layout *registers.Layout,
	mem *memory.VirtualMemory,
	taskDir *os.File,
) *Thread {
	return &Thread{
		Tid:       tid,
		pid:       pid,
		tracer:    tracer,
		Registers: registers.New(tracer, layout),
		memory:    mem,
		taskDir:   taskDir,
	}
}

func (thread *Thread) GetRegisterState() (registers.State, error) {
	return thread.Registers.GetState()
}

func (thread *Thread) SetRegisterState(state registers.State) error {
	return thread.Registers.SetState(state)
}

func (thread *Thread) ReadMemory(
	addr VirtualAddress,
	out []byte,
) (
	int,
	error,
) {
	return thread.memory.Read(addr, out)
}

func (thread *Thread) WriteMemory(
	addr VirtualAddress,
	data []byte,
) (
	int,
	error,
) {
	return thread.memory.Write(addr, data)
}

// Resume restarts the suspended thread.  Signal zero suppresses the
// signal that stopped the thread; a non-zero signal is injected on
// delivery.
func (thread *Thread) Resume(signal syscall.Signal) error {
	err := thread.tracer.Resume(int(signal))
	if err != nil {
		return fmt.Errorf("failed to resume thread %d: %w", thread.Tid, err)
	}
	return nil
}

func (thread *Thread) SingleStep() error {
	err := thread.tracer.SingleStep()
	if err != nil {
		return fmt.Errorf(
			"failed to single step thread %d: %w",
			thread.Tid,
			err)
	}
	return nil
}

func (thread *Thread) GetSigInfo() (*ptrace.SigInfo, error) {
	return thread.tracer.GetSigInfo()
}

// Status reads the thread's current scheduler state from procfs.
func (thread *Thread) Status() (procfs.ProcessStatus, error) {
	return procfs.GetTaskStatus(thread.pid, thread.Tid)
}

func (thread *Thread) Close() error {
	if thread.taskDir == nil {
		return nil
	}

	err := thread.taskDir.Close()
	thread.taskDir = nil
	return err
}
