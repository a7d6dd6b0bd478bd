package debugger

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/leeminghao/zircon/config"
	. "github.com/leeminghao/zircon/debugger/common"
	"github.com/leeminghao/zircon/debugger/memory"
	"github.com/leeminghao/zircon/debugger/registers"
	"github.com/leeminghao/zircon/logflags"
	"github.com/leeminghao/zircon/msgpipe"
	"github.com/leeminghao/zircon/procfs"
	"github.com/leeminghao/zircon/ptrace"
)

// Inferior is a child process under ptrace supervision, spawned from the
// current binary, with a control channel for scripted conversations.
type Inferior struct {
	Pid int

	cfg config.Config

	log *logrus.Entry

	tracer *ptrace.Tracer

	// Local end of the child's control channel.
	Control *msgpipe.Channel

	layout *registers.Layout

	VirtualMemory *memory.VirtualMemory
	Disassembler  *memory.Disassembler

	pump *exceptionPump
}

// Spawn re-executes the current binary in the inferior role, attaches to
// it, and resumes it into its message loop.
func Spawn(cfg config.Config) (*Inferior, error) {
	layout, err := registers.ByArch(cfg.RegisterLayout)
	if err != nil {
		return nil, err
	}

	exePath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate own executable: %w", err)
	}

	local, remote, err := msgpipe.Pair()
	if err != nil {
		return nil, err
	}

	remoteFile := remote.DetachFile()

	cmd := exec.Command(exePath, config.InferiorRoleName, cfg.VerbosityArg())
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// The first extra file lands on fd 3 in the child.
	cmd.ExtraFiles = []*os.File{remoteFile}

	tracer, err := ptrace.StartAndAttachToProcess(cmd)
	if err != nil {
		_ = remoteFile.Close()
		_ = local.Close()
		return nil, err
	}

	// The child holds its own copy now.  Ours must go, otherwise the
	// child would never observe end of file on the channel.
	_ = remoteFile.Close()

	abort := func() {
		_ = syscall.Kill(tracer.Pid, syscall.SIGKILL)
		var status syscall.WaitStatus
		_, _ = syscall.Wait4(tracer.Pid, &status, syscall.WALL, nil)
		_ = tracer.Close()
		_ = local.Close()
	}

	mem := memory.New(tracer)

	disassembler, err := memory.NewDisassembler(mem, layout.Arch)
	if err != nil {
		abort()
		return nil, err
	}

	inf := &Inferior{
		Pid:           tracer.Pid,
		cfg:           cfg,
		log:           logflags.Driver(),
		tracer:        tracer,
		Control:       local,
		layout:        layout,
		VirtualMemory: mem,
		Disassembler:  disassembler,
	}

	// The child stops with sig trap once it has exec'ed under traceme.
	var status syscall.WaitStatus
	for {
		_, err = syscall.Wait4(tracer.Pid, &status, syscall.WALL, nil)
		if err != syscall.EINTR {
			break
		}
	}
	if err != nil {
		abort()
		return nil, fmt.Errorf(
			"failed to wait for process %d to exec: %w",
			tracer.Pid,
			err)
	}
	if !status.Stopped() {
		abort()
		return nil, fmt.Errorf(
			"process %d did not stop after exec (status %#x)",
			tracer.Pid,
			int(status))
	}

	// Exit kill takes the inferior down with the harness.  Trace clone
	// keeps new threads visible to the exception pump.
	err = tracer.SetOptions(ptrace.O_EXITKILL | ptrace.O_TRACECLONE)
	if err != nil {
		abort()
		return nil, err
	}

	inf.pump = newExceptionPump(tracer)
	inf.pump.start()

	err = tracer.Resume(0)
	if err != nil {
		_ = syscall.Kill(tracer.Pid, syscall.SIGKILL)
		inf.pump.wait()
		_ = tracer.Close()
		_ = local.Close()
		return nil, err
	}

	inf.log.Infof("spawned inferior %d", inf.Pid)
	return inf, nil
}

// Notifications delivers fault and termination events.  The channel
// closes once the inferior is gone.
func (inf *Inferior) Notifications() <-chan Notification {
	return inf.pump.notifications
}

func (inf *Inferior) Layout() *registers.Layout {
	return inf.layout
}

// Thread returns a handle on one of the inferior's threads.  The tid must
// currently belong to the inferior.
func (inf *Inferior) Thread(tid int) (*Thread, error) {
	_, err := procfs.GetTaskStatus(inf.Pid, tid)
	if err != nil {
		return nil, fmt.Errorf(
			"%w: %d of process %d",
			ErrNoSuchThread,
			tid,
			inf.Pid)
	}

	// Holding the task directory open pins the tid's identity.
	taskDir, err := os.Open(procfs.TaskDirPath(inf.Pid, tid))
	if err != nil {
		return nil, fmt.Errorf(
			"%w: %d of process %d",
			ErrNoSuchThread,
			tid,
			inf.Pid)
	}

	return newThread(
		inf.Pid,
		tid,
		inf.tracer.TraceThread(tid),
		inf.layout,
		inf.VirtualMemory,
		taskDir), nil
}

func (inf *Inferior) MainThread() (*Thread, error) {
	return inf.Thread(inf.Pid)
}

// ResolveThread adapts Thread lookup for the fault monitor.
func (inf *Inferior) ResolveThread(tid int) (MonitoredThread, error) {
	thread, err := inf.Thread(tid)
	if err != nil {
		return nil, err
	}
	return thread, nil
}

// ListThreads returns the tids of all live inferior threads in ascending
// order.
func (inf *Inferior) ListThreads() ([]int, error) {
	tids, err := procfs.ListTasks(inf.Pid)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to list threads of process %d: %w",
			inf.Pid,
			err)
	}
	return tids, nil
}

// Shutdown asks the inferior to finish, waits for it to exit, and tears
// down tracing.  Returns the inferior's final wait status.
func (inf *Inferior) Shutdown() (syscall.WaitStatus, error) {
	err := inf.Control.Send(msgpipe.Done)
	if err != nil {
		return 0, fmt.Errorf(
			"failed to send done to process %d: %w",
			inf.Pid,
			err)
	}

	err = inf.Control.Close()
	if err != nil {
		inf.log.Warnf("failed to close control channel: %s", err)
	}

	status := inf.pump.wait()
	_ = inf.tracer.Close()

	inf.log.Infof("inferior %d shut down", inf.Pid)
	return status, nil
}

// Close force kills the inferior.  Meant for abnormal teardown, including
// after a failed Shutdown.  Safe to call more than once.
func (inf *Inferior) Close() error {
	_ = inf.Control.Close()

	// Exit kill is already set, but don't rely on process exit order.
	_ = syscall.Kill(inf.Pid, syscall.SIGKILL)

	inf.pump.wait()
	_ = inf.tracer.Close()
	return nil
}
