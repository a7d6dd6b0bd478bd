package watchdog

import (
	"sync"
	"testing"
	"time"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	"github.com/leeminghao/zircon/config"
)

type exitRecorder struct {
	mutex sync.Mutex

	codes []int
}

func (recorder *exitRecorder) exit(code int) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()

	recorder.codes = append(recorder.codes, code)
}

func (recorder *exitRecorder) recorded() []int {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()

	return append([]int{}, recorder.codes...)
}

func newTestWatchdog(
	tick time.Duration,
	budget int,
) (
	*Watchdog,
	*exitRecorder,
) {
	recorder := &exitRecorder{}

	watchdog := New(tick, budget)
	watchdog.exit = recorder.exit

	return watchdog, recorder
}

type WatchdogSuite struct{}

func TestWatchdog(t *testing.T) {
	suite.RunTests(t, &WatchdogSuite{})
}

func (WatchdogSuite) TestFiresAfterBudget(t *testing.T) {
	watchdog, recorder := newTestWatchdog(time.Millisecond, 3)

	watchdog.Start()
	watchdog.Join()

	expect.Equal(t, []int{config.ExitWatchdogFired}, recorder.recorded())
}

func (WatchdogSuite) TestCompleteStandsDown(t *testing.T) {
	watchdog, recorder := newTestWatchdog(time.Millisecond, 3)

	watchdog.Complete()
	watchdog.Start()
	watchdog.Join()

	expect.Equal(t, 0, len(recorder.recorded()))
}

func (WatchdogSuite) TestCompleteDuringTicks(t *testing.T) {
	watchdog, recorder := newTestWatchdog(5*time.Millisecond, 1000)

	watchdog.Start()

	time.Sleep(12 * time.Millisecond)
	watchdog.Complete()
	watchdog.Join()

	expect.Equal(t, 0, len(recorder.recorded()))
}

func (WatchdogSuite) TestCompleteIsIdempotent(t *testing.T) {
	watchdog, recorder := newTestWatchdog(time.Millisecond, 2)

	watchdog.Complete()
	watchdog.Complete()

	watchdog.Start()
	watchdog.Join()
	watchdog.Complete()

	expect.Equal(t, 0, len(recorder.recorded()))
}
