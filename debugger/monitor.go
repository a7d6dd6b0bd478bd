package debugger

import (
	"fmt"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/leeminghao/zircon/config"
	. "github.com/leeminghao/zircon/debugger/common"
	"github.com/leeminghao/zircon/debugger/registers"
	"github.com/leeminghao/zircon/logflags"
	"github.com/leeminghao/zircon/ptrace"
)

// MonitoredThread is the view of a suspended thread that the fault
// monitor operates on.
type MonitoredThread interface {
	GetRegisterState() (registers.State, error)
	SetRegisterState(state registers.State) error

	ReadMemory(addr VirtualAddress, out []byte) (int, error)
	WriteMemory(addr VirtualAddress, data []byte) (int, error)

	Resume(signal syscall.Signal) error

	Close() error
}

// ThreadResolver materializes thread handles for tids reported by fault
// notifications.
type ThreadResolver interface {
	ResolveThread(tid int) (MonitoredThread, error)
}

// FaultDiagnostics reports context about a fault being serviced.  Purely
// informational.
type FaultDiagnostics interface {
	ReportFault(tid int, sigInfo *ptrace.SigInfo, state registers.State)
}

// Monitor services fault notifications.  For each fault it validates the
// stop, inspects and adjusts the scratch buffer advertised through the
// thread's registers, repairs the fault register, and resumes the thread
// with the fault signal suppressed.
type Monitor struct {
	log *logrus.Entry

	cfg config.Config

	layout *registers.Layout

	resolver ThreadResolver

	// Optional.
	diagnostics FaultDiagnostics

	// Program counter of the first serviced fault.  The trigger is a
	// fixed instruction, so every later fault must stop at the same
	// address.
	faultPC VirtualAddress

	// Data integrity findings recorded while servicing faults.  These
	// fail the run without stopping the service loop; the faulted thread
	// is still repaired and resumed so the inferior stays conversational.
	failures []error
}

func NewMonitor(
	cfg config.Config,
	layout *registers.Layout,
	resolver ThreadResolver,
	diagnostics FaultDiagnostics,
) *Monitor {
	return &Monitor{
		log:         logflags.Monitor(),
		cfg:         cfg,
		layout:      layout,
		resolver:    resolver,
		diagnostics: diagnostics,
	}
}

// Failures returns the data integrity failures recorded while serving.
// Only meaningful once Serve has returned.
func (monitor *Monitor) Failures() []error {
	return monitor.failures
}

// Serve consumes notifications until the inferior is gone, servicing each
// fault along the way.  Returns the number of faults serviced.
func (monitor *Monitor) Serve(
	notifications <-chan Notification,
) (
	int,
	error,
) {
	serviced := 0
	for notification := range notifications {
		switch event := notification.(type) {
		case FaultNotification:
			err := monitor.serviceFault(event)
			if err != nil {
				return serviced, err
			}

			serviced++
		case GoneNotification:
			monitor.log.Debugf(
				"inferior gone after %d serviced fault(s)",
				serviced)
		default:
			panic("should never happen")
		}
	}

	return serviced, nil
}

func (monitor *Monitor) serviceFault(fault FaultNotification) error {
	monitor.log.Infof("servicing fault on thread %d", fault.Tid)

	if fault.Signal != syscall.SIGSEGV {
		return fmt.Errorf(
			"unexpected fault signal on thread %d: got %s (%s), want %s",
			fault.Tid,
			fault.Signal,
			FaultSignalToKind(fault.Signal),
			SegmentationFault)
	}

	if fault.SigInfo == nil {
		return fmt.Errorf(
			"fault on thread %d carries no signal info",
			fault.Tid)
	}

	if fault.SigInfo.Addr != 0 {
		return fmt.Errorf(
			"fault on thread %d dereferenced %s, want 0x0",
			fault.Tid,
			VirtualAddress(fault.SigInfo.Addr))
	}

	thread, err := monitor.resolver.ResolveThread(fault.Tid)
	if err != nil {
		return fmt.Errorf(
			"failed to resolve faulted thread %d: %w",
			fault.Tid,
			err)
	}
	defer func() {
		closeErr := thread.Close()
		if closeErr != nil {
			monitor.log.Warnf(
				"failed to close thread %d: %s",
				fault.Tid,
				closeErr)
		}
	}()

	state, err := thread.GetRegisterState()
	if err != nil {
		return fmt.Errorf(
			"failed to read registers of thread %d: %w",
			fault.Tid,
			err)
	}

	if monitor.diagnostics != nil {
		monitor.diagnostics.ReportFault(fault.Tid, fault.SigInfo, state)
	}

	pc := VirtualAddress(state.Value(monitor.layout.ProgramCounter))
	if monitor.faultPC == 0 {
		monitor.faultPC = pc
		monitor.log.Debugf("fault trigger located at %s", pc)
	} else if pc != monitor.faultPC {
		return fmt.Errorf(
			"thread %d faulted at %s, want %s",
			fault.Tid,
			pc,
			monitor.faultPC)
	}

	faultRegister := state.Value(monitor.layout.FaultPointer)
	if faultRegister != 0 {
		return fmt.Errorf(
			"fault register %s of thread %d holds %s, want 0x0",
			monitor.layout.FaultPointer.Name,
			fault.Tid,
			VirtualAddress(faultRegister))
	}

	// A bad scratch buffer is recorded, not fatal: skipping the fixup and
	// resume would strand the suspended thread and turn a failed check
	// into a watchdog kill of the whole run.
	err = monitor.adjustScratchBuffer(
		thread,
		VirtualAddress(state.Value(monitor.layout.BufferAddress)))
	if err != nil {
		monitor.log.Errorf(
			"data integrity failure on thread %d: %s",
			fault.Tid,
			err)
		monitor.failures = append(
			monitor.failures,
			fmt.Errorf("thread %d: %w", fault.Tid, err))
	}

	fixed, err := monitor.layout.FixFault(state)
	if err != nil {
		return err
	}

	err = thread.SetRegisterState(fixed)
	if err != nil {
		return fmt.Errorf(
			"failed to repair registers of thread %d: %w",
			fault.Tid,
			err)
	}

	// Suppress the segmentation fault so the repaired load re-executes
	// instead of killing the process.
	err = thread.Resume(0)
	if err != nil {
		return err
	}

	monitor.log.Infof("thread %d repaired and resumed", fault.Tid)
	return nil
}

// adjustScratchBuffer verifies the seeded buffer contents, then adds the
// configured adjustment to every byte for the inferior to check after it
// resumes.
func (monitor *Monitor) adjustScratchBuffer(
	thread MonitoredThread,
	addr VirtualAddress,
) error {
	if addr == 0 {
		return fmt.Errorf(
			"scratch buffer register %s is zero",
			monitor.layout.BufferAddress.Name)
	}

	buffer := make([]byte, monitor.cfg.MemorySize)

	count, err := thread.ReadMemory(addr, buffer)
	if err != nil {
		return err
	} else if count != len(buffer) {
		return fmt.Errorf(
			"short read from scratch buffer at %s: got %d of %d bytes",
			addr,
			count,
			len(buffer))
	}

	for idx, value := range buffer {
		if value != byte(idx) {
			return fmt.Errorf(
				"scratch buffer at %s not seeded: byte %d is 0x%02x, want 0x%02x",
				addr,
				idx,
				value,
				byte(idx))
		}
	}

	for idx := range buffer {
		buffer[idx] += monitor.cfg.DataAdjust
	}

	count, err = thread.WriteMemory(addr, buffer)
	if err != nil {
		return err
	} else if count != len(buffer) {
		return fmt.Errorf(
			"short write to scratch buffer at %s: wrote %d of %d bytes",
			addr,
			count,
			len(buffer))
	}

	monitor.log.Debugf(
		"adjusted %d scratch byte(s) at %s by 0x%02x",
		len(buffer),
		addr,
		monitor.cfg.DataAdjust)
	return nil
}
