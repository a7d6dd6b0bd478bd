package registers

import (
	"strings"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type RegistersSuite struct{}

func TestRegisters(t *testing.T) {
	suite.RunTests(t, &RegistersSuite{})
}

func (RegistersSuite) TestAMD64LayoutTable(t *testing.T) {
	layout := AMD64()

	expect.Equal(t, "amd64", layout.Arch)
	expect.Equal(t, 216, layout.ByteSize)
	expect.Equal(t, 27, len(layout.OrderedSpecs))

	// Offsets must agree with user_regs_struct.
	for _, entry := range []struct {
		name   string
		offset uintptr
	}{
		{"r15", 0},
		{"r14", 8},
		{"rbp", 32},
		{"rbx", 40},
		{"r9", 64},
		{"r8", 72},
		{"rax", 80},
		{"rdi", 112},
		{"orig_rax", 120},
		{"rip", 128},
		{"eflags", 144},
		{"rsp", 152},
		{"fs_base", 168},
		{"gs", 208},
	} {
		reg, ok := layout.ByName(entry.name)
		expect.True(t, ok)
		expect.Equal(t, entry.name, reg.Name)
		expect.Equal(t, entry.offset, reg.ByteOffset)
		expect.Equal(t, 8, reg.Size)
	}

	expect.Equal(t, "rip", layout.ProgramCounter.Name)
	expect.Equal(t, "rsp", layout.StackPointer.Name)
	expect.Equal(t, "rbp", layout.FramePointer.Name)
	expect.Equal(t, "r8", layout.FaultPointer.Name)
	expect.Equal(t, "r9", layout.BufferAddress.Name)

	_, ok := layout.ByName("pc")
	expect.False(t, ok)
}

func (RegistersSuite) TestARM64LayoutTable(t *testing.T) {
	layout := ARM64()

	expect.Equal(t, "arm64", layout.Arch)
	expect.Equal(t, 272, layout.ByteSize)
	expect.Equal(t, 34, len(layout.OrderedSpecs))

	// Offsets must agree with user_pt_regs.
	for _, entry := range []struct {
		name   string
		offset uintptr
	}{
		{"x0", 0},
		{"x8", 64},
		{"x9", 72},
		{"x29", 232},
		{"x30", 240},
		{"sp", 248},
		{"pc", 256},
		{"pstate", 264},
	} {
		reg, ok := layout.ByName(entry.name)
		expect.True(t, ok)
		expect.Equal(t, entry.name, reg.Name)
		expect.Equal(t, entry.offset, reg.ByteOffset)
		expect.Equal(t, 8, reg.Size)
	}

	expect.Equal(t, "pc", layout.ProgramCounter.Name)
	expect.Equal(t, "sp", layout.StackPointer.Name)
	expect.Equal(t, "x29", layout.FramePointer.Name)
	expect.Equal(t, "x8", layout.FaultPointer.Name)
	expect.Equal(t, "x9", layout.BufferAddress.Name)

	_, ok := layout.ByName("rip")
	expect.False(t, ok)
}

func (RegistersSuite) TestByArch(t *testing.T) {
	layout, err := ByArch("amd64")
	expect.Nil(t, err)
	expect.Equal(t, AMD64(), layout)

	layout, err = ByArch("arm64")
	expect.Nil(t, err)
	expect.Equal(t, ARM64(), layout)

	_, err = ByArch("riscv64")
	expect.Error(t, err, "unsupported register layout")
}

func (RegistersSuite) TestStateValues(t *testing.T) {
	layout := AMD64()
	rax, ok := layout.ByName("rax")
	expect.True(t, ok)

	state := layout.NewState()
	expect.Equal(t, 0, state.Value(rax))

	modified := state.WithValue(rax, 0x0102030405060708)
	expect.Equal(t, 0x0102030405060708, modified.Value(rax))

	// The original state is unmodified.
	expect.Equal(t, 0, state.Value(rax))

	// Neighboring registers are unmodified.
	rcx, ok := layout.ByName("rcx")
	expect.True(t, ok)
	expect.Equal(t, 0, modified.Value(rcx))

	// The note stores values little endian.
	raw := modified.Bytes()
	expect.Equal(t, 0x08, raw[rax.ByteOffset])
	expect.Equal(t, 0x01, raw[rax.ByteOffset+7])
}

func (RegistersSuite) TestStateFromBytes(t *testing.T) {
	layout := ARM64()

	_, err := layout.StateFromBytes(make([]byte, 216))
	expect.Error(t, err, "invalid arm64 register note size")

	raw := make([]byte, layout.ByteSize)
	raw[layout.StackPointer.ByteOffset] = 0xef

	state, err := layout.StateFromBytes(raw)
	expect.Nil(t, err)
	expect.Equal(t, 0xef, state.Value(layout.StackPointer))

	// The state holds its own copy.
	raw[layout.StackPointer.ByteOffset] = 0
	expect.Equal(t, 0xef, state.Value(layout.StackPointer))
}

func (RegistersSuite) TestBytesIsACopy(t *testing.T) {
	layout := AMD64()

	state := layout.NewState().WithValue(layout.ProgramCounter, 0x1234)

	raw := state.Bytes()
	raw[layout.ProgramCounter.ByteOffset] = 0xff

	expect.Equal(t, 0x1234, state.Value(layout.ProgramCounter))
}

func (RegistersSuite) TestFixFault(t *testing.T) {
	for _, layout := range []*Layout{AMD64(), ARM64()} {
		state := layout.NewState().
			WithValue(layout.StackPointer, 0x7ffc_0000_1000).
			WithValue(layout.BufferAddress, 0x7ffc_0000_2000)
		expect.Equal(t, 0, state.Value(layout.FaultPointer))

		fixed, err := layout.FixFault(state)
		expect.Nil(t, err)
		expect.Equal(t, 0x7ffc_0000_1000, fixed.Value(layout.FaultPointer))

		// Everything else is untouched.
		expect.Equal(t, 0x7ffc_0000_1000, fixed.Value(layout.StackPointer))
		expect.Equal(t, 0x7ffc_0000_2000, fixed.Value(layout.BufferAddress))
		expect.Equal(t, 0, fixed.Value(layout.ProgramCounter))
	}
}

func (RegistersSuite) TestFixFaultLayoutMismatch(t *testing.T) {
	state := AMD64().NewState()

	_, err := ARM64().FixFault(state)
	expect.Error(t, err, "does not use the arm64 layout")
}

func (RegistersSuite) TestDump(t *testing.T) {
	layout := AMD64()

	state := layout.NewState().WithValue(layout.ProgramCounter, 0xdeadbeef)

	lines := state.Dump()
	expect.Equal(t, len(layout.OrderedSpecs), len(lines))
	expect.True(t, strings.HasPrefix(lines[0], "rax"))

	found := false
	for _, line := range lines {
		if strings.HasPrefix(line, "rip") {
			found = true
			expect.True(t, strings.HasSuffix(line, "0x00000000deadbeef"))
		}
	}
	expect.True(t, found)
}
