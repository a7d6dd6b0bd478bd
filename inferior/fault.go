package inferior

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/leeminghao/zircon/config"
)

// triggerFault publishes the scratch buffer's address in the buffer
// address register, zeroes the fault register, then loads through the
// fault register.  The load faults until a debugger rewrites the fault
// register to point at mapped memory, at which point the instruction
// re-executes cleanly and the function returns.
//
// Implemented in assembly.
//
//go:noescape
func triggerFault(buf *byte)

func seedScratch(buffer []byte) {
	for idx := range buffer {
		buffer[idx] = byte(idx)
	}
}

func verifyScratch(buffer []byte, adjust byte) error {
	for idx, value := range buffer {
		want := byte(idx) + adjust
		if value != want {
			return fmt.Errorf(
				"scratch byte %d: got 0x%02x, want 0x%02x",
				idx,
				value,
				want)
		}
	}

	return nil
}

// provokeFault seeds a scratch buffer, faults once, then checks that the
// attached debugger adjusted every buffer byte while this thread was
// stopped.
func provokeFault(cfg config.Config, log *logrus.Entry) error {
	// Non-constant size keeps the buffer on the heap, where its address
	// stays valid for the debugger even if this goroutine's stack moves.
	buffer := make([]byte, cfg.MemorySize)
	seedScratch(buffer)

	log.Debugf("triggering fault with scratch buffer at %p", &buffer[0])
	triggerFault(&buffer[0])
	log.Debug("recovered from fault")

	return verifyScratch(buffer, cfg.DataAdjust)
}

func crashAndRecover(cfg config.Config, log *logrus.Entry) error {
	for run := 0; run < cfg.StressRuns; run++ {
		log.Infof("crash run %d/%d", run+1, cfg.StressRuns)

		err := provokeFault(cfg, log)
		if err != nil {
			return fmt.Errorf("crash run %d: %w", run+1, err)
		}
	}

	return nil
}

// startExtraThreads parks count goroutines, each pinned to its own OS
// thread so that they stay visible in /proc/<pid>/task.  Returns once all
// threads exist.
func startExtraThreads(count int, log *logrus.Entry) {
	started := sync.WaitGroup{}
	started.Add(count)

	for idx := 0; idx < count; idx++ {
		go func(idx int) {
			runtime.LockOSThread()
			started.Done()

			log.Debugf("extra thread %d parked", idx)
			select {}
		}(idx)
	}

	started.Wait()
}
