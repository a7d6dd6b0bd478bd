package memory

import (
	"strings"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type DisassemblerSuite struct{}

func TestDisassembler(t *testing.T) {
	suite.RunTests(t, &DisassemblerSuite{})
}

func (DisassemblerSuite) TestUnsupportedArch(t *testing.T) {
	_, err := NewDisassembler(nil, "riscv64")
	expect.Error(t, err, "unsupported disassembler architecture")
}

func (DisassemblerSuite) TestDecodeAMD64(t *testing.T) {
	disassembler, err := NewDisassembler(nil, "amd64")
	expect.Nil(t, err)

	// mov (%r8), %rax
	inst, err := disassembler.decode([]byte{0x49, 0x8b, 0x00}, 0x1000)
	expect.Nil(t, err)
	expect.Equal(t, 0x1000, uint64(inst.Address))
	expect.Equal(t, 3, inst.Length)
	expect.True(t, strings.Contains(inst.Text, "mov"))
	expect.True(t, strings.Contains(inst.Text, "r8"))

	// ret
	inst, err = disassembler.decode([]byte{0xc3}, 0x2000)
	expect.Nil(t, err)
	expect.Equal(t, 1, inst.Length)
	expect.True(t, strings.Contains(inst.Text, "ret"))

	expect.True(
		t,
		strings.HasPrefix(inst.String(), "0x0000000000002000: "))
}

func (DisassemblerSuite) TestDecodeARM64(t *testing.T) {
	disassembler, err := NewDisassembler(nil, "arm64")
	expect.Nil(t, err)

	// ldr x0, [x8]
	inst, err := disassembler.decode([]byte{0x00, 0x01, 0x40, 0xf9}, 0x1000)
	expect.Nil(t, err)
	expect.Equal(t, 4, inst.Length)
	expect.True(t, strings.Contains(inst.Text, "ldr"))
	expect.True(t, strings.Contains(inst.Text, "x8"))

	// ret
	inst, err = disassembler.decode([]byte{0xc0, 0x03, 0x5f, 0xd6}, 0x1004)
	expect.Nil(t, err)
	expect.Equal(t, 4, inst.Length)
	expect.True(t, strings.Contains(inst.Text, "ret"))

	_, err = disassembler.decode([]byte{0x00, 0x01, 0x40}, 0x1008)
	expect.Error(t, err, "truncated instruction")
}

func (DisassemblerSuite) TestDisassembleArgChecks(t *testing.T) {
	disassembler, err := NewDisassembler(nil, "amd64")
	expect.Nil(t, err)

	_, err = disassembler.Disassemble(0x1000, -1)
	expect.Error(t, err, "invalid number of instructions")

	result, err := disassembler.Disassemble(0x1000, 0)
	expect.Nil(t, err)
	expect.Nil(t, result)
}
