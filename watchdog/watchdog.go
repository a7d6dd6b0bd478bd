package watchdog

import (
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/leeminghao/zircon/config"
	"github.com/leeminghao/zircon/logflags"
)

// Watchdog terminates the whole process if it is not told to stand down
// within its time budget.  It backstops test runs that deadlock waiting on
// an inferior that will never respond.
type Watchdog struct {
	log *logrus.Entry

	tick   time.Duration
	budget int

	exit func(int)

	completeOnce sync.Once
	completed    chan struct{}

	finished chan struct{}
}

func New(tick time.Duration, budget int) *Watchdog {
	return &Watchdog{
		log:       logflags.Watchdog(),
		tick:      tick,
		budget:    budget,
		exit:      os.Exit,
		completed: make(chan struct{}),
		finished:  make(chan struct{}),
	}
}

func (watchdog *Watchdog) Start() {
	go watchdog.run()
}

func (watchdog *Watchdog) run() {
	defer close(watchdog.finished)

	ticker := time.NewTicker(watchdog.tick)
	defer ticker.Stop()

	for count := 1; count <= watchdog.budget; count++ {
		select {
		case <-watchdog.completed:
			watchdog.log.Debug("watchdog stood down")
			return
		case <-ticker.C:
			watchdog.log.Debugf("watchdog tick %d/%d", count, watchdog.budget)
		}
	}

	watchdog.log.Errorf(
		"watchdog fired after %s. terminating",
		time.Duration(watchdog.budget)*watchdog.tick)
	watchdog.exit(config.ExitWatchdogFired)
}

// Complete tells the watchdog to stand down.  Safe to call multiple times.
func (watchdog *Watchdog) Complete() {
	watchdog.completeOnce.Do(
		func() {
			close(watchdog.completed)
		})
}

// Join blocks until the watchdog goroutine has exited.
func (watchdog *Watchdog) Join() {
	<-watchdog.finished
}
