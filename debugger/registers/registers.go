package registers

import (
	"fmt"

	. "github.com/leeminghao/zircon/debugger/common"
	"github.com/leeminghao/zircon/ptrace"
)

// Registers reads and writes a stopped thread's general purpose registers
// through its tracer.
type Registers struct {
	tracer *ptrace.Tracer

	layout *Layout
}

func New(tracer *ptrace.Tracer, layout *Layout) *Registers {
	return &Registers{
		tracer: tracer,
		layout: layout,
	}
}

func (registers *Registers) Layout() *Layout {
	return registers.layout
}

func (registers *Registers) GetState() (State, error) {
	buffer := make([]byte, registers.layout.ByteSize)

	count, err := registers.tracer.GetRegisterSet(buffer)
	if err != nil {
		return State{}, err
	}

	if count != registers.layout.ByteSize {
		// The thread's note does not match the configured layout (e.g., an
		// arm64 layout used against an x86-64 thread).
		return State{}, fmt.Errorf(
			"unexpected register note size from thread %d: got %d, want %d",
			registers.tracer.Pid,
			count,
			registers.layout.ByteSize)
	}

	return State{
		layout: registers.layout,
		data:   buffer,
	}, nil
}

func (registers *Registers) SetState(state State) error {
	if state.layout != registers.layout {
		return fmt.Errorf(
			"cannot set register state: state does not use the %s layout",
			registers.layout.Arch)
	}

	return registers.tracer.SetRegisterSet(state.data)
}

func (registers *Registers) GetProgramCounter() (State, VirtualAddress, error) {
	state, err := registers.GetState()
	if err != nil {
		return State{}, 0, fmt.Errorf("failed to read program counter: %w", err)
	}

	return state, VirtualAddress(state.Value(registers.layout.ProgramCounter)), nil
}

func (registers *Registers) SetProgramCounter(address VirtualAddress) error {
	state, err := registers.GetState()
	if err != nil {
		return fmt.Errorf("failed to read program counter: %w", err)
	}

	newState := state.WithValue(
		registers.layout.ProgramCounter,
		uint64(address))

	err = registers.SetState(newState)
	if err != nil {
		return fmt.Errorf("failed to set program counter to %s: %w", address, err)
	}

	return nil
}
