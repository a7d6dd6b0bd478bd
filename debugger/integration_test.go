package debugger

import (
	"os"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	"github.com/leeminghao/zircon/config"
	. "github.com/leeminghao/zircon/debugger/common"
	"github.com/leeminghao/zircon/inferior"
	"github.com/leeminghao/zircon/logflags"
	"github.com/leeminghao/zircon/msgpipe"
)

// The test binary doubles as the inferior executable: Spawn re-invokes
// os.Executable() with the role as the first argument, which lands here
// before the testing framework parses any flags.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == config.InferiorRoleName {
		logflags.SetVerbosity(config.ParseVerbosity(os.Args[2:]))
		os.Exit(inferior.Run(config.Default()))
	}

	os.Exit(m.Run())
}

type monitorOutcome struct {
	serviced int
	failures []error
	err      error
}

func serveMonitor(cfg config.Config, inf *Inferior) chan monitorOutcome {
	monitor := NewMonitor(cfg, inf.Layout(), inf, NewDiagnostics(inf))

	outcomeChan := make(chan monitorOutcome, 1)
	go func() {
		serviced, err := monitor.Serve(inf.Notifications())
		outcomeChan <- monitorOutcome{
			serviced: serviced,
			failures: monitor.Failures(),
			err:      err,
		}
	}()

	return outcomeChan
}

func expectCleanOutcome(t *testing.T, outcome monitorOutcome, serviced int) {
	expect.Nil(t, outcome.err)
	expect.Equal(t, 0, len(outcome.failures))
	expect.Equal(t, serviced, outcome.serviced)
}

func expectDoneExit(t *testing.T, inf *Inferior) {
	status, err := inf.Shutdown()
	expect.Nil(t, err)
	expect.True(t, status.Exited())
	expect.Equal(t, config.ExitInferiorDone, status.ExitStatus())
}

type IntegrationSuite struct{}

func TestIntegration(t *testing.T) {
	suite.RunTests(t, &IntegrationSuite{})
}

func (IntegrationSuite) TestPingAndShutdown(t *testing.T) {
	cfg := config.Default()

	inf, err := Spawn(cfg)
	expect.Nil(t, err)
	defer inf.Close()

	outcomeChan := serveMonitor(cfg, inf)

	expect.Nil(t, inf.Control.Call(msgpipe.Ping, msgpipe.Pong))

	expectDoneExit(t, inf)

	expectCleanOutcome(t, <-outcomeChan, 0)
}

func (IntegrationSuite) TestCrashRecovery(t *testing.T) {
	cfg := config.Default()

	inf, err := Spawn(cfg)
	expect.Nil(t, err)
	defer inf.Close()

	outcomeChan := serveMonitor(cfg, inf)

	// The reply only arrives after the inferior has survived every fault
	// and verified the supervisor's buffer adjustments.
	expect.Nil(t, inf.Control.Call(msgpipe.Crash, msgpipe.RecoveredFromCrash))

	expectDoneExit(t, inf)

	expectCleanOutcome(t, <-outcomeChan, cfg.StressRuns)
}

func (IntegrationSuite) TestRepeatedCrashRequests(t *testing.T) {
	cfg := config.Default()

	inf, err := Spawn(cfg)
	expect.Nil(t, err)
	defer inf.Close()

	outcomeChan := serveMonitor(cfg, inf)

	rounds := 2
	for round := 0; round < rounds; round++ {
		expect.Nil(
			t,
			inf.Control.Call(msgpipe.Crash, msgpipe.RecoveredFromCrash))
	}

	expectDoneExit(t, inf)

	expectCleanOutcome(t, <-outcomeChan, rounds*cfg.StressRuns)
}

func (IntegrationSuite) TestExtraThreadsVisible(t *testing.T) {
	cfg := config.Default()

	inf, err := Spawn(cfg)
	expect.Nil(t, err)
	defer inf.Close()

	outcomeChan := serveMonitor(cfg, inf)

	expect.Nil(
		t,
		inf.Control.Call(msgpipe.StartExtraThreads, msgpipe.ExtraThreadsStarted))

	tids, err := inf.ListThreads()
	expect.Nil(t, err)

	// Main thread plus at least the requested sleepers.  The go runtime
	// may add threads of its own.
	expect.True(t, len(tids) >= 1+cfg.ExtraThreads)

	foundMain := false
	for _, tid := range tids {
		if tid == inf.Pid {
			foundMain = true
		}

		thread, err := inf.Thread(tid)
		expect.Nil(t, err)

		status, err := thread.Status()
		expect.Nil(t, err)
		expect.Equal(t, tid, status.Pid)

		expect.Nil(t, thread.Close())
	}
	expect.True(t, foundMain)

	expectDoneExit(t, inf)

	expectCleanOutcome(t, <-outcomeChan, 0)
}

func (IntegrationSuite) TestControlChannelCloseIsTermination(t *testing.T) {
	cfg := config.Default()

	inf, err := Spawn(cfg)
	expect.Nil(t, err)
	defer inf.Close()

	expect.Nil(t, inf.Control.Call(msgpipe.Ping, msgpipe.Pong))

	// Hanging up without a done message is normal termination, not a
	// protocol violation.
	expect.Nil(t, inf.Control.Close())

	var gone *GoneNotification
	for notification := range inf.Notifications() {
		event, ok := notification.(GoneNotification)
		if ok {
			gone = &event
		}
	}

	expect.NotNil(t, gone)
	expect.True(t, gone.WaitStatus.Exited())
	expect.Equal(t, config.ExitSuccess, gone.WaitStatus.ExitStatus())
}

func (IntegrationSuite) TestResolveUnknownThread(t *testing.T) {
	cfg := config.Default()

	inf, err := Spawn(cfg)
	expect.Nil(t, err)
	defer inf.Close()

	// Pid 1 is init, never a thread of the inferior.
	_, err = inf.Thread(1)
	expect.Error(t, err, ErrNoSuchThread.Error())

	expectDoneExit(t, inf)
}
