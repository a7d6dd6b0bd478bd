package memory

import (
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	. "github.com/leeminghao/zircon/debugger/common"
)

const (
	maxAMD64InstructionLength = 15
	arm64InstructionLength    = 4
)

type DisassembledInstruction struct {
	Address VirtualAddress

	// Encoded instruction size in bytes.
	Length int

	// GNU syntax rendering of the instruction.
	Text string
}

func (inst DisassembledInstruction) String() string {
	return fmt.Sprintf("0x%016x: %s", uint64(inst.Address), inst.Text)
}

type Disassembler struct {
	memory *VirtualMemory

	arch string
}

func NewDisassembler(
	memory *VirtualMemory,
	arch string,
) (
	*Disassembler,
	error,
) {
	switch arch {
	case "amd64", "arm64":
	default:
		return nil, fmt.Errorf("unsupported disassembler architecture: %q", arch)
	}

	return &Disassembler{
		memory: memory,
		arch:   arch,
	}, nil
}

func (disassembler *Disassembler) maxInstructionLength() int {
	if disassembler.arch == "arm64" {
		return arm64InstructionLength
	}
	return maxAMD64InstructionLength
}

func (disassembler *Disassembler) decode(
	data []byte,
	address VirtualAddress,
) (
	DisassembledInstruction,
	error,
) {
	if disassembler.arch == "arm64" {
		if len(data) < arm64InstructionLength {
			return DisassembledInstruction{}, fmt.Errorf(
				"truncated instruction at %s",
				address)
		}

		inst, err := arm64asm.Decode(data)
		if err != nil {
			return DisassembledInstruction{}, err
		}

		return DisassembledInstruction{
			Address: address,
			Length:  arm64InstructionLength,
			Text:    arm64asm.GNUSyntax(inst),
		}, nil
	}

	inst, err := x86asm.Decode(data, 64)
	if err != nil {
		return DisassembledInstruction{}, err
	}

	return DisassembledInstruction{
		Address: address,
		Length:  inst.Len,
		Text:    x86asm.GNUSyntax(inst, uint64(address), nil),
	}, nil
}

func (disassembler *Disassembler) Disassemble(
	startAddress VirtualAddress,
	numInstructions int,
) (
	[]DisassembledInstruction,
	error,
) {
	if numInstructions < 0 {
		return nil, fmt.Errorf(
			"invalid number of instructions to disassemble: %d",
			numInstructions)
	} else if numInstructions == 0 {
		return nil, nil
	}

	data := make([]byte, numInstructions*disassembler.maxInstructionLength())
	count, err := disassembler.memory.Read(startAddress, data)
	if err != nil {
		return nil, err
	}
	data = data[:count]

	address := startAddress
	result := make([]DisassembledInstruction, 0, numInstructions)
	for len(data) > 0 && len(result) < numInstructions {
		inst, err := disassembler.decode(data, address)
		if err != nil {
			break
		}

		result = append(result, inst)

		data = data[inst.Length:]
		address += VirtualAddress(inst.Length)
	}

	return result, nil
}
