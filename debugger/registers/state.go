package registers

import (
	"encoding/binary"
	"fmt"
)

// State is an immutable snapshot of one thread's general purpose
// registers, held in the architecture's NT_PRSTATUS note format.
type State struct {
	layout *Layout

	data []byte
}

// NewState returns an all-zero register state.
func (layout *Layout) NewState() State {
	return State{
		layout: layout,
		data:   make([]byte, layout.ByteSize),
	}
}

// StateFromBytes copies a raw register note into a State.
func (layout *Layout) StateFromBytes(data []byte) (State, error) {
	if len(data) != layout.ByteSize {
		return State{}, fmt.Errorf(
			"invalid %s register note size: got %d, want %d",
			layout.Arch,
			len(data),
			layout.ByteSize)
	}

	state := layout.NewState()
	copy(state.data, data)
	return state, nil
}

func (state State) Layout() *Layout {
	return state.layout
}

// Bytes returns a copy of the raw register note.
func (state State) Bytes() []byte {
	data := make([]byte, len(state.data))
	copy(data, state.data)
	return data
}

// Value returns the register's content.  Both supported architectures run
// little endian.
func (state State) Value(reg Spec) uint64 {
	end := int(reg.ByteOffset + reg.Size)
	if reg.Size != 8 || end > len(state.data) {
		panic("invalid register: " + reg.Name)
	}

	return binary.LittleEndian.Uint64(state.data[reg.ByteOffset:end])
}

// WithValue returns a copy of the state with one register replaced.
func (state State) WithValue(reg Spec, value uint64) State {
	end := int(reg.ByteOffset + reg.Size)
	if reg.Size != 8 || end > len(state.data) {
		panic("invalid register: " + reg.Name)
	}

	modified := State{
		layout: state.layout,
		data:   make([]byte, len(state.data)),
	}
	copy(modified.data, state.data)

	binary.LittleEndian.PutUint64(modified.data[reg.ByteOffset:end], value)
	return modified
}

// Dump renders all registers in display order, one per line.
func (state State) Dump() []string {
	lines := make([]string, 0, len(state.layout.OrderedSpecs))
	for _, reg := range state.layout.OrderedSpecs {
		lines = append(
			lines,
			fmt.Sprintf("%-8s 0x%016x", reg.Name, state.Value(reg)))
	}
	return lines
}
