package harness

import (
	"github.com/leeminghao/zircon/config"
	"github.com/leeminghao/zircon/debugger"
	"github.com/leeminghao/zircon/msgpipe"
)

type monitorOutcome struct {
	serviced int
	failures []error
	err      error
}

// startMonitor services the inferior's notifications on a separate
// goroutine.  The returned channel yields the outcome once the inferior
// is gone.
func startMonitor(
	cfg config.Config,
	inf *debugger.Inferior,
) chan monitorOutcome {
	monitor := debugger.NewMonitor(
		cfg,
		inf.Layout(),
		inf,
		debugger.NewDiagnostics(inf))

	outcomeChan := make(chan monitorOutcome, 1)
	go func() {
		serviced, err := monitor.Serve(inf.Notifications())
		if err != nil {
			// A fatal monitor error leaves a thread suspended, so the
			// inferior can never reply to the driver's pending control
			// call.  Tear the inferior down to unblock the driver; the
			// case then fails instead of hanging until the watchdog
			// kills the whole run.
			_ = inf.Close()
		}

		outcomeChan <- monitorOutcome{
			serviced: serviced,
			failures: monitor.Failures(),
			err:      err,
		}
	}()

	return outcomeChan
}

// expectMonitorOutcome records every monitor-side failure on the case and
// checks the serviced fault count.
func expectMonitorOutcome(t *T, outcome monitorOutcome, wantServiced int) {
	if outcome.err != nil {
		t.Errorf("monitor failed: %s", outcome.err)
	}

	for _, failure := range outcome.failures {
		t.Errorf("data integrity failure: %s", failure)
	}

	if outcome.serviced != wantServiced {
		t.Errorf(
			"serviced %d fault(s), want %d",
			outcome.serviced,
			wantServiced)
	}
}

// expectCleanExit checks the outcome of Shutdown against the orderly
// inferior exit code.
func expectCleanExit(t *T, inf *debugger.Inferior) {
	status, err := inf.Shutdown()
	if err != nil {
		t.Errorf("failed to shut down inferior: %s", err)
		return
	}

	if !status.Exited() {
		t.Errorf("inferior did not exit normally (status %#x)", int(status))
	} else if status.ExitStatus() != config.ExitInferiorDone {
		t.Errorf(
			"inferior exit status: got %d, want %d",
			status.ExitStatus(),
			config.ExitInferiorDone)
	}
}

// CrashRecoveryCase stresses supervised fault recovery: the inferior
// faults repeatedly on request and the monitor patches it back to health
// each time.
type CrashRecoveryCase struct {
	cfg config.Config
}

func NewCrashRecoveryCase(cfg config.Config) *CrashRecoveryCase {
	return &CrashRecoveryCase{
		cfg: cfg,
	}
}

func (testCase *CrashRecoveryCase) Name() string {
	return "debugger"
}

func (testCase *CrashRecoveryCase) Run(t *T) {
	inf, err := debugger.Spawn(testCase.cfg)
	if err != nil {
		t.Fatalf("failed to spawn inferior: %s", err)
	}
	defer inf.Close()

	outcomeChan := startMonitor(testCase.cfg, inf)

	err = inf.Control.Call(msgpipe.Ping, msgpipe.Pong)
	if err != nil {
		t.Fatalf("failed to ping inferior: %s", err)
	}

	// The reply only arrives after every fault has been recovered from.
	err = inf.Control.Call(msgpipe.Crash, msgpipe.RecoveredFromCrash)
	if err != nil {
		t.Fatalf("inferior did not recover from crashes: %s", err)
	}

	expectCleanExit(t, inf)

	expectMonitorOutcome(t, <-outcomeChan, testCase.cfg.StressRuns)
}

// ThreadListCase checks that threads started by the inferior are all
// visible and resolvable while the inferior keeps running.
type ThreadListCase struct {
	cfg config.Config
}

func NewThreadListCase(cfg config.Config) *ThreadListCase {
	return &ThreadListCase{
		cfg: cfg,
	}
}

func (testCase *ThreadListCase) Name() string {
	return "debugger thread list"
}

func (testCase *ThreadListCase) Run(t *T) {
	inf, err := debugger.Spawn(testCase.cfg)
	if err != nil {
		t.Fatalf("failed to spawn inferior: %s", err)
	}
	defer inf.Close()

	outcomeChan := startMonitor(testCase.cfg, inf)

	err = inf.Control.Call(
		msgpipe.StartExtraThreads,
		msgpipe.ExtraThreadsStarted)
	if err != nil {
		t.Fatalf("inferior did not start extra threads: %s", err)
	}

	tids, err := inf.ListThreads()
	if err != nil {
		t.Fatalf("failed to list threads: %s", err)
	}

	// Main thread plus at least the requested sleepers.  The go runtime
	// may add threads of its own.
	want := 1 + testCase.cfg.ExtraThreads
	if len(tids) < want {
		t.Errorf("found %d thread(s), want at least %d", len(tids), want)
	}

	foundMain := false
	for _, tid := range tids {
		if tid == inf.Pid {
			foundMain = true
		}

		thread, err := inf.Thread(tid)
		if err != nil {
			t.Errorf("failed to resolve thread %d: %s", tid, err)
			continue
		}

		status, err := thread.Status()
		if err != nil {
			t.Errorf("failed to read status of thread %d: %s", tid, err)
		} else if status.Pid != tid {
			t.Errorf("thread %d reports tid %d", tid, status.Pid)
		}

		err = thread.Close()
		if err != nil {
			t.Errorf("failed to close thread %d: %s", tid, err)
		}
	}

	if !foundMain {
		t.Errorf("main thread %d not listed", inf.Pid)
	}

	expectCleanExit(t, inf)

	expectMonitorOutcome(t, <-outcomeChan, 0)
}

// PingCase checks basic control channel round trips, including that
// unknown messages are ignored without killing the conversation.
type PingCase struct {
	cfg config.Config
}

func NewPingCase(cfg config.Config) *PingCase {
	return &PingCase{
		cfg: cfg,
	}
}

func (testCase *PingCase) Name() string {
	return "debugger ping"
}

func (testCase *PingCase) Run(t *T) {
	inf, err := debugger.Spawn(testCase.cfg)
	if err != nil {
		t.Fatalf("failed to spawn inferior: %s", err)
	}
	defer inf.Close()

	outcomeChan := startMonitor(testCase.cfg, inf)

	err = inf.Control.Call(msgpipe.Ping, msgpipe.Pong)
	if err != nil {
		t.Fatalf("failed to ping inferior: %s", err)
	}

	// Unknown messages must be ignored.
	err = inf.Control.Send(msgpipe.Message(0xbad))
	if err != nil {
		t.Fatalf("failed to send unknown message: %s", err)
	}

	err = inf.Control.Call(msgpipe.Ping, msgpipe.Pong)
	if err != nil {
		t.Fatalf("failed to ping after unknown message: %s", err)
	}

	expectCleanExit(t, inf)

	expectMonitorOutcome(t, <-outcomeChan, 0)
}

// DefaultCases returns the standard driver suite.
func DefaultCases(cfg config.Config) []Case {
	return []Case{
		NewCrashRecoveryCase(cfg),
		NewThreadListCase(cfg),
		NewPingCase(cfg),
	}
}
