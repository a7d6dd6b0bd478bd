package debugger

import (
	"syscall"

	"github.com/sirupsen/logrus"

	. "github.com/leeminghao/zircon/debugger/common"
	"github.com/leeminghao/zircon/logflags"
	"github.com/leeminghao/zircon/ptrace"
)

// Notification is an event delivered by the exception pump.  Only fault
// stops and process termination reach the consumer; thread bookkeeping
// stops are handled inside the pump.
type Notification interface {
	notification()
}

// FaultNotification reports a thread suspended by an architectural fault.
// The thread stays suspended until the consumer resumes it.
type FaultNotification struct {
	Tid int

	Signal syscall.Signal

	// Signal details captured at the stop.  Nil if the pump failed to
	// fetch them.
	SigInfo *ptrace.SigInfo
}

func (FaultNotification) notification() {}

// GoneNotification reports that the inferior process no longer exists.
// It is the last notification delivered.
type GoneNotification struct {
	WaitStatus syscall.WaitStatus
}

func (GoneNotification) notification() {}

// exceptionPump collects wait events for the whole inferior thread group
// and converts them into notifications.
//
// The pump transparently handles thread lifecycle events: clone stops are
// acknowledged, initial stops of new threads are absorbed, and unrelated
// signals (e.g. the go runtime's preemption signal) are forwarded back to
// the stopped thread.
type exceptionPump struct {
	log *logrus.Entry

	pid    int
	tracer *ptrace.Tracer

	notifications chan Notification

	// Populated before finished is closed.
	finalStatus syscall.WaitStatus

	finished chan struct{}
}

func newExceptionPump(tracer *ptrace.Tracer) *exceptionPump {
	return &exceptionPump{
		log:           logflags.Pump(),
		pid:           tracer.Pid,
		tracer:        tracer,
		notifications: make(chan Notification, 16),
		finished:      make(chan struct{}),
	}
}

func (pump *exceptionPump) start() {
	go pump.run()
}

// wait blocks until the inferior is gone, then returns its final wait
// status.
func (pump *exceptionPump) wait() syscall.WaitStatus {
	<-pump.finished
	return pump.finalStatus
}

func (pump *exceptionPump) run() {
	defer close(pump.finished)
	defer close(pump.notifications)

	for {
		var status syscall.WaitStatus

		// The inferior leads its own process group and cloned threads
		// inherit it, so waiting on the group covers every thread.
		// NOTE: wait4 works from any goroutine; only ptrace requests are
		// bound to the attaching thread.
		tid, err := syscall.Wait4(-pump.pid, &status, syscall.WALL, nil)
		if err == syscall.EINTR {
			continue
		} else if err != nil {
			pump.log.Errorf("failed to wait for process %d: %s", pump.pid, err)
			return
		}

		if status.Exited() || status.Signaled() {
			if tid != pump.pid {
				pump.log.Debugf("thread %d exited", tid)
				continue
			}

			if status.Exited() {
				pump.log.Infof(
					"process %d exited with status %d",
					tid,
					status.ExitStatus())
			} else {
				pump.log.Infof(
					"process %d terminated by %s",
					tid,
					status.Signal())
			}

			pump.finalStatus = status
			pump.notifications <- GoneNotification{WaitStatus: status}
			return
		}

		if !status.Stopped() {
			panic("should never happen")
		}

		pump.handleStop(tid, status)
	}
}

func (pump *exceptionPump) handleStop(tid int, status syscall.WaitStatus) {
	signal := status.StopSignal()

	if signal == syscall.SIGTRAP &&
		status.TrapCause() == int(ptrace.EVENT_CLONE) {

		newTid, err := pump.tracer.TraceThread(tid).GetEventMessage()
		if err != nil {
			pump.log.Warnf(
				"failed to read clone event for thread %d: %s",
				tid,
				err)
		} else {
			pump.log.Debugf("thread %d cloned thread %d", tid, newTid)
		}

		pump.resume(tid, 0)
		return
	}

	if IsFaultSignal(signal) {
		sigInfo, err := pump.tracer.TraceThread(tid).GetSigInfo()
		if err != nil {
			pump.log.Errorf(
				"failed to read signal info for thread %d: %s",
				tid,
				err)
			sigInfo = nil
		}

		pump.log.Debugf("thread %d stopped by %s", tid, signal)
		pump.notifications <- FaultNotification{
			Tid:     tid,
			Signal:  signal,
			SigInfo: sigInfo,
		}

		// The thread stays suspended.  The notification consumer decides
		// when and how to resume it.
		return
	}

	if signal == syscall.SIGSTOP && tid != pump.pid {
		// A freshly cloned thread reports in with sig stop before running
		// any user code.
		pump.log.Debugf("absorbing initial stop for thread %d", tid)
		pump.resume(tid, 0)
		return
	}

	pump.log.Debugf("forwarding %s to thread %d", signal, tid)
	pump.resume(tid, int(signal))
}

func (pump *exceptionPump) resume(tid int, signal int) {
	err := pump.tracer.TraceThread(tid).Resume(signal)
	if err != nil {
		// The thread may have died between the stop and the resume.
		pump.log.Warnf("failed to resume thread %d: %s", tid, err)
	}
}
