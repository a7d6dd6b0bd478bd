// Package harness runs driver test cases against live inferior processes
// and reports an aggregate exit code.  It exists because the driver is a
// standalone binary, not a go test.
package harness

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/leeminghao/zircon/config"
	"github.com/leeminghao/zircon/logflags"
)

// Case is a single driver scenario.
type Case interface {
	Name() string
	Run(t *T)
}

// T records the failures of one case.  The API mirrors testing.T closely
// enough to keep checks readable.  Safe for concurrent use.
type T struct {
	log *logrus.Entry

	mutex    sync.Mutex
	failures []string
}

func newT(name string) *T {
	return &T{
		log: logflags.Driver().WithField("case", name),
	}
}

// Errorf records a failure and keeps the case running.
func (t *T) Errorf(format string, args ...interface{}) {
	failure := fmt.Sprintf(format, args...)

	t.mutex.Lock()
	t.failures = append(t.failures, failure)
	t.mutex.Unlock()

	t.log.Error(failure)
}

// Fatalf records a failure and aborts the case.  Must be called from the
// goroutine running the case.
func (t *T) Fatalf(format string, args ...interface{}) {
	failure := fmt.Sprintf(format, args...)

	t.mutex.Lock()
	t.failures = append(t.failures, failure)
	t.mutex.Unlock()

	t.log.Error(failure)
	panic(abortCase{})
}

func (t *T) Logf(format string, args ...interface{}) {
	t.log.Infof(format, args...)
}

func (t *T) Failed() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return len(t.failures) > 0
}

type abortCase struct{}

// Runner executes cases in order.  A failed case never stops the suite.
type Runner struct {
	log *logrus.Entry

	cases []Case
}

func NewRunner(cases ...Case) *Runner {
	return &Runner{
		log:   logflags.Driver(),
		cases: cases,
	}
}

// NOTE: the named return keeps t available to callers when Run aborts via
// panic.
func (runner *Runner) runCase(testCase Case) (t *T) {
	t = newT(testCase.Name())

	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}

		_, aborted := recovered.(abortCase)
		if !aborted {
			t.Errorf("panic: %v\n%s", recovered, debug.Stack())
		}
	}()

	testCase.Run(t)
	return t
}

// Run executes all cases and returns the driver exit code.
func (runner *Runner) Run() int {
	failed := 0
	for _, testCase := range runner.cases {
		runner.log.Infof("running case: %s", testCase.Name())

		t := runner.runCase(testCase)
		if t.Failed() {
			failed++
			runner.log.Errorf("case failed: %s", testCase.Name())
		} else {
			runner.log.Infof("case passed: %s", testCase.Name())
		}
	}

	if failed > 0 {
		runner.log.Errorf(
			"%d of %d case(s) failed",
			failed,
			len(runner.cases))
		return config.ExitTestFailure
	}

	runner.log.Infof("all %d case(s) passed", len(runner.cases))
	return config.ExitSuccess
}
