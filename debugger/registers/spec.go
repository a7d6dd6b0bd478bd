package registers

import (
	"fmt"
	"reflect"
	"strings"
)

// This matches user_regs_struct (x86-64 variant) defined in <sys/user.h>,
// which doubles as the kernel's NT_PRSTATUS note layout on that
// architecture.
type amd64UserRegs struct {
	R15     uint64
	R14     uint64
	R13     uint64
	R12     uint64
	Rbp     uint64
	Rbx     uint64
	R11     uint64
	R10     uint64
	R9      uint64
	R8      uint64
	Rax     uint64
	Rcx     uint64
	Rdx     uint64
	Rsi     uint64
	Rdi     uint64
	OrigRax uint64
	Rip     uint64
	Cs      uint64
	Eflags  uint64
	Rsp     uint64
	Ss      uint64
	FsBase  uint64
	GsBase  uint64
	Ds      uint64
	Es      uint64
	Fs      uint64
	Gs      uint64
}

// This matches user_pt_regs defined in <asm/ptrace.h> (the aarch64
// NT_PRSTATUS note layout).
type arm64UserRegs struct {
	Regs   [31]uint64
	Sp     uint64
	Pc     uint64
	Pstate uint64
}

// Spec locates one register inside the architecture's register file note.
// All registers in the note are 8 bytes wide on both supported
// architectures.
type Spec struct {
	SortId int

	Name string

	ByteOffset uintptr

	Size uintptr // register size in bytes
}

// Layout describes one architecture's register file: the note size, the
// full register table, and the registers with designated roles.
//
// Layouts are constructible on any build platform so that either table can
// be unit tested everywhere; only live thread access is tied to the build
// architecture.
type Layout struct {
	Arch string

	// Size of the NT_PRSTATUS note in bytes.
	ByteSize int

	OrderedSpecs []Spec
	nameSpecs    map[string]Spec

	ProgramCounter Spec
	StackPointer   Spec
	FramePointer   Spec

	// The fault trigger stashes its buffer address in BufferAddress, zeroes
	// FaultPointer, then loads through FaultPointer.
	FaultPointer  Spec
	BufferAddress Spec
}

func (layout *Layout) ByName(name string) (Spec, bool) {
	reg, ok := layout.nameSpecs[name]
	return reg, ok
}

// FixFault rewrites the fault register with the stack pointer so that the
// faulted load re-executes against mapped memory.
func (layout *Layout) FixFault(state State) (State, error) {
	if state.layout != layout {
		return State{}, fmt.Errorf(
			"cannot fix fault: state does not use the %s layout",
			layout.Arch)
	}

	return state.WithValue(
		layout.FaultPointer,
		state.Value(layout.StackPointer)), nil
}

func (layout *Layout) addRegister(name string, offset uintptr) {
	entry := Spec{
		SortId:     len(layout.OrderedSpecs),
		Name:       name,
		ByteOffset: offset,
		Size:       8,
	}

	if int(offset)+8 > layout.ByteSize {
		panic("register exceeds note size: " + name)
	}

	layout.OrderedSpecs = append(layout.OrderedSpecs, entry)

	_, ok := layout.nameSpecs[name]
	if ok {
		panic("duplicate register info: " + name)
	}
	layout.nameSpecs[name] = entry
}

func (layout *Layout) mustByName(name string) Spec {
	reg, ok := layout.ByName(name)
	if !ok {
		panic("should never happen: no register " + name)
	}
	return reg
}

var (
	amd64Layout *Layout
	arm64Layout *Layout
)

// AMD64 returns the x86-64 register layout.
func AMD64() *Layout {
	return amd64Layout
}

// ARM64 returns the aarch64 register layout.
func ARM64() *Layout {
	return arm64Layout
}

// ByArch returns the layout for a goarch-style architecture name.
func ByArch(arch string) (*Layout, error) {
	switch arch {
	case "amd64":
		return AMD64(), nil
	case "arm64":
		return ARM64(), nil
	default:
		return nil, fmt.Errorf("unsupported register layout: %q", arch)
	}
}

func newAMD64Layout() *Layout {
	structType := reflect.TypeOf(amd64UserRegs{})

	layout := &Layout{
		Arch:      "amd64",
		ByteSize:  int(structType.Size()),
		nameSpecs: map[string]Spec{},
	}

	offsetOf := func(fieldName string) uintptr {
		field, ok := structType.FieldByName(fieldName)
		if !ok {
			panic("should never happen: no struct field " + fieldName)
		}
		return field.Offset
	}

	// Registers are listed in the conventional display order rather than
	// the note's storage order.
	for _, fieldName := range []string{
		"Rax", "Rdx", "Rcx", "Rbx", "Rsi", "Rdi", "Rbp", "Rsp",
		"R8", "R9", "R10", "R11", "R12", "R13", "R14", "R15",
		"Rip", "Eflags", "Cs", "Fs", "Gs", "Ss", "Ds", "Es",
	} {
		layout.addRegister(
			strings.ToLower(fieldName),
			offsetOf(fieldName))
	}

	layout.addRegister("orig_rax", offsetOf("OrigRax"))
	layout.addRegister("fs_base", offsetOf("FsBase"))
	layout.addRegister("gs_base", offsetOf("GsBase"))

	layout.ProgramCounter = layout.mustByName("rip")
	layout.StackPointer = layout.mustByName("rsp")
	layout.FramePointer = layout.mustByName("rbp")
	layout.FaultPointer = layout.mustByName("r8")
	layout.BufferAddress = layout.mustByName("r9")

	return layout
}

func newARM64Layout() *Layout {
	structType := reflect.TypeOf(arm64UserRegs{})

	layout := &Layout{
		Arch:      "arm64",
		ByteSize:  int(structType.Size()),
		nameSpecs: map[string]Spec{},
	}

	regsField, ok := structType.FieldByName("Regs")
	if !ok {
		panic("should never happen: no struct field Regs")
	}

	for i := 0; i < 31; i++ {
		layout.addRegister(
			fmt.Sprintf("x%d", i),
			regsField.Offset+uintptr(i*8))
	}

	for _, fieldName := range []string{"Sp", "Pc", "Pstate"} {
		field, ok := structType.FieldByName(fieldName)
		if !ok {
			panic("should never happen: no struct field " + fieldName)
		}
		layout.addRegister(strings.ToLower(fieldName), field.Offset)
	}

	layout.ProgramCounter = layout.mustByName("pc")
	layout.StackPointer = layout.mustByName("sp")
	layout.FramePointer = layout.mustByName("x29")
	layout.FaultPointer = layout.mustByName("x8")
	layout.BufferAddress = layout.mustByName("x9")

	return layout
}

func init() {
	amd64Layout = newAMD64Layout()
	arm64Layout = newARM64Layout()
}
