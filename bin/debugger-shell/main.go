// Interactive shell over the harness' inferior control primitives.  Used
// for manual triage: poking at a stopped process' registers and memory,
// stepping it, and inspecting the crash state left behind by the segfault
// role.  No automated test depends on this binary.
package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/pflag"

	"github.com/leeminghao/zircon/config"
	"github.com/leeminghao/zircon/debugger"
	. "github.com/leeminghao/zircon/debugger/common"
	"github.com/leeminghao/zircon/debugger/memory"
	"github.com/leeminghao/zircon/debugger/registers"
	"github.com/leeminghao/zircon/logflags"
	"github.com/leeminghao/zircon/procfs"
	"github.com/leeminghao/zircon/ptrace"
)

type shell struct {
	pid int

	// True when the shell launched the process itself (and hence should
	// take it down on exit).
	spawned bool

	// False once the process is gone.
	alive bool

	tracer    *ptrace.Tracer
	registers *registers.Registers
	memory    *memory.VirtualMemory

	disassembler *memory.Disassembler

	layout *registers.Layout

	signaler *debugger.Signaler
}

type command struct {
	name string
	help string
	run  func(*shell, []string) error
}

var commands []command

func init() {
	commands = []command{
		{"regs", "dump all registers", (*shell).cmdRegs},
		{"reg", "reg <name> [value] - read or write one register", (*shell).cmdReg},
		{"mem", "mem read <addr> <len> | mem write <addr> <byte...>", (*shell).cmdMem},
		{"dis", "dis [count] - disassemble at the program counter", (*shell).cmdDis},
		{"threads", "list the process' threads", (*shell).cmdThreads},
		{"siginfo", "show the signal that stopped the process", (*shell).cmdSigInfo},
		{"step", "execute one instruction", (*shell).cmdStep},
		{"cont", "cont [signal] - resume, optionally injecting a signal", (*shell).cmdCont},
		{"help", "show this message", (*shell).cmdHelp},
	}
}

// wait blocks until the process stops again or exits, and reports which.
func (sh *shell) wait() error {
	var status syscall.WaitStatus
	for {
		_, err := syscall.Wait4(sh.pid, &status, syscall.WALL, nil)
		if err == syscall.EINTR {
			continue
		} else if err != nil {
			return fmt.Errorf("failed to wait for process %d: %w", sh.pid, err)
		}
		break
	}

	switch {
	case status.Exited():
		sh.alive = false
		fmt.Printf("process %d exited with status %d\n", sh.pid, status.ExitStatus())
	case status.Signaled():
		sh.alive = false
		fmt.Printf("process %d terminated by %s\n", sh.pid, status.Signal())
	case status.Stopped():
		fmt.Printf("process %d stopped by %s\n", sh.pid, status.StopSignal())
	}

	return nil
}

func (sh *shell) requireAlive() error {
	if !sh.alive {
		return ErrProcessExited
	}
	return nil
}

func (sh *shell) cmdRegs(args []string) error {
	err := sh.requireAlive()
	if err != nil {
		return err
	}

	state, err := sh.registers.GetState()
	if err != nil {
		return err
	}

	for _, line := range state.Dump() {
		fmt.Println(line)
	}
	return nil
}

func (sh *shell) cmdReg(args []string) error {
	err := sh.requireAlive()
	if err != nil {
		return err
	}

	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("%w: reg <name> [value]", ErrInvalidArgument)
	}

	spec, ok := sh.layout.ByName(args[0])
	if !ok {
		return fmt.Errorf("%w: unknown register %q", ErrInvalidArgument, args[0])
	}

	state, err := sh.registers.GetState()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		fmt.Printf("%-8s 0x%016x\n", spec.Name, state.Value(spec))
		return nil
	}

	value, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		return fmt.Errorf("%w: bad value %q", ErrInvalidArgument, args[1])
	}

	return sh.registers.SetState(state.WithValue(spec, value))
}

func (sh *shell) cmdMem(args []string) error {
	err := sh.requireAlive()
	if err != nil {
		return err
	}

	if len(args) < 1 {
		return fmt.Errorf("%w: mem read|write ...", ErrInvalidArgument)
	}

	switch args[0] {
	case "read":
		if len(args) != 3 {
			return fmt.Errorf("%w: mem read <addr> <len>", ErrInvalidArgument)
		}

		addr, err := strconv.ParseUint(args[1], 0, 64)
		if err != nil {
			return fmt.Errorf("%w: bad address %q", ErrInvalidArgument, args[1])
		}

		length, err := strconv.Atoi(args[2])
		if err != nil || length < 1 {
			return fmt.Errorf("%w: bad length %q", ErrInvalidArgument, args[2])
		}

		data := make([]byte, length)
		count, err := sh.memory.Read(VirtualAddress(addr), data)
		if err != nil {
			return err
		}
		if count < length {
			fmt.Printf("short read: %d of %d bytes\n", count, length)
		}

		for offset := 0; offset < count; offset += 16 {
			end := offset + 16
			if end > count {
				end = count
			}
			fmt.Printf(
				"%s % x\n",
				VirtualAddress(addr+uint64(offset)),
				data[offset:end])
		}
		return nil
	case "write":
		if len(args) < 3 {
			return fmt.Errorf(
				"%w: mem write <addr> <byte...>",
				ErrInvalidArgument)
		}

		addr, err := strconv.ParseUint(args[1], 0, 64)
		if err != nil {
			return fmt.Errorf("%w: bad address %q", ErrInvalidArgument, args[1])
		}

		data := make([]byte, 0, len(args)-2)
		for _, arg := range args[2:] {
			value, err := strconv.ParseUint(arg, 0, 8)
			if err != nil {
				return fmt.Errorf("%w: bad byte %q", ErrInvalidArgument, arg)
			}
			data = append(data, byte(value))
		}

		count, err := sh.memory.Write(VirtualAddress(addr), data)
		if err != nil {
			return err
		}
		if count < len(data) {
			fmt.Printf("short write: %d of %d bytes\n", count, len(data))
		}
		return nil
	default:
		return fmt.Errorf("%w: mem read|write ...", ErrInvalidArgument)
	}
}

func (sh *shell) cmdDis(args []string) error {
	err := sh.requireAlive()
	if err != nil {
		return err
	}

	count := 5
	if len(args) == 1 {
		count, err = strconv.Atoi(args[0])
		if err != nil || count < 1 {
			return fmt.Errorf("%w: bad count %q", ErrInvalidArgument, args[0])
		}
	} else if len(args) > 1 {
		return fmt.Errorf("%w: dis [count]", ErrInvalidArgument)
	}

	_, pc, err := sh.registers.GetProgramCounter()
	if err != nil {
		return err
	}

	instructions, err := sh.disassembler.Disassemble(pc, count)
	if err != nil {
		return err
	}

	for _, instruction := range instructions {
		fmt.Println(instruction)
	}
	return nil
}

func (sh *shell) cmdThreads(args []string) error {
	err := sh.requireAlive()
	if err != nil {
		return err
	}

	tids, err := procfs.ListTasks(sh.pid)
	if err != nil {
		return err
	}

	for _, tid := range tids {
		status, err := procfs.GetTaskStatus(sh.pid, tid)
		if err != nil {
			fmt.Printf("%8d (gone: %s)\n", tid, err)
			continue
		}
		fmt.Printf("%8d %-16s %s\n", tid, status.Comm, status.State)
	}
	return nil
}

func (sh *shell) cmdSigInfo(args []string) error {
	err := sh.requireAlive()
	if err != nil {
		return err
	}

	sigInfo, err := sh.tracer.GetSigInfo()
	if err != nil {
		return err
	}

	signal := syscall.Signal(sigInfo.Signo)
	fmt.Printf(
		"signal %d (%s) code %d addr %s\n",
		sigInfo.Signo,
		FaultSignalToKind(signal),
		sigInfo.Code,
		VirtualAddress(sigInfo.Addr))
	return nil
}

func (sh *shell) cmdStep(args []string) error {
	err := sh.requireAlive()
	if err != nil {
		return err
	}

	err = sh.tracer.SingleStep()
	if err != nil {
		return err
	}

	return sh.wait()
}

func (sh *shell) cmdCont(args []string) error {
	err := sh.requireAlive()
	if err != nil {
		return err
	}

	signal := 0
	if len(args) == 1 {
		signal, err = strconv.Atoi(args[0])
		if err != nil || signal < 0 {
			return fmt.Errorf("%w: bad signal %q", ErrInvalidArgument, args[0])
		}
	} else if len(args) > 1 {
		return fmt.Errorf("%w: cont [signal]", ErrInvalidArgument)
	}

	err = sh.tracer.Resume(signal)
	if err != nil {
		return err
	}

	return sh.wait()
}

func (sh *shell) cmdHelp(args []string) error {
	for _, cmd := range commands {
		fmt.Printf("  %-8s %s\n", cmd.name, cmd.help)
	}
	fmt.Println("  quit     detach (or kill a spawned process) and exit")
	return nil
}

func attach(pid int) (*shell, error) {
	tracer, err := ptrace.AttachToProcess(pid)
	if err != nil {
		return nil, err
	}

	return newShell(tracer, false)
}

func spawn(args []string) (*shell, error) {
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	tracer, err := ptrace.StartAndAttachToProcess(cmd)
	if err != nil {
		return nil, err
	}

	return newShell(tracer, true)
}

func newShell(tracer *ptrace.Tracer, spawned bool) (*shell, error) {
	layout, err := registers.ByArch(layoutName)
	if err != nil {
		return nil, err
	}

	mem := memory.New(tracer)

	disassembler, err := memory.NewDisassembler(mem, layout.Arch)
	if err != nil {
		return nil, err
	}

	sh := &shell{
		pid:          tracer.Pid,
		spawned:      spawned,
		alive:        true,
		tracer:       tracer,
		registers:    registers.New(tracer, layout),
		memory:       mem,
		disassembler: disassembler,
		layout:       layout,
		signaler:     debugger.NewSignaler(tracer.Pid),
	}

	// Both attach and traceme+exec leave the process in a signal stop.
	err = sh.wait()
	if err != nil {
		_ = sh.close()
		return nil, err
	}

	sh.signaler.ForwardInterruptToProcess()
	return sh, nil
}

func (sh *shell) close() error {
	_ = sh.signaler.Close()

	if sh.spawned && sh.alive {
		_ = sh.signaler.KillProcess()
		_ = sh.wait()
	}

	return sh.tracer.Close()
}

func (sh *shell) repl() error {
	rl, err := readline.New(fmt.Sprintf("debugger %d > ", sh.pid))
	if err != nil {
		return err
	}
	defer rl.Close()

	lastLine := ""
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			line = lastLine
		}
		lastLine = line

		if line == "" {
			continue
		}

		args := strings.Split(line, " ")
		if args[0] == "quit" || args[0] == "q" {
			return nil
		}

		found := false
		for _, cmd := range commands {
			if strings.HasPrefix(cmd.name, args[0]) {
				found = true
				err = cmd.run(sh, args[1:])
				if err != nil {
					fmt.Println("error:", err)
				}
				break
			}
		}

		if !found {
			fmt.Println("invalid command:", args[0])
		}
	}
}

var layoutName string

func main() {
	pid := 0
	verbosity := 0
	pflag.IntVarP(&pid, "pid", "p", 0, "attach to an existing process")
	pflag.StringVar(
		&layoutName,
		"layout",
		runtime.GOARCH,
		"register set layout (amd64 or arm64)")
	pflag.CountVarP(&verbosity, "verbose", "v", "increase log verbosity")
	pflag.Parse()

	logflags.SetVerbosity(verbosity)

	args := pflag.Args()

	var sh *shell
	var err error
	if pid != 0 {
		if len(args) != 0 {
			fmt.Fprintln(os.Stderr, "cannot both attach and spawn")
			os.Exit(config.ExitTestFailure)
		}
		sh, err = attach(pid)
	} else if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: debugger-shell [-p pid | cmd args...]")
		os.Exit(config.ExitTestFailure)
	} else {
		sh, err = spawn(args)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(config.ExitTestFailure)
	}

	fmt.Println("attached to process", sh.pid)

	err = sh.repl()

	closeErr := sh.close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(config.ExitTestFailure)
	}
}
