package debugger

import (
	"context"
	"fmt"
	"os"
	osSignal "os/signal"
	"syscall"
)

// Signaler delivers asynchronous signals to a supervised process.  It is
// the out-of-band companion to the control channel: the channel carries
// scripted requests, the signaler carries interrupts and kills.
type Signaler struct {
	pid int

	ctx    context.Context
	cancel func()
}

func NewSignaler(pid int) *Signaler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Signaler{
		pid:    pid,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Close stops all signal forwarding started on this signaler.
func (signaler *Signaler) Close() error {
	signaler.cancel()
	return nil
}

// ForwardInterruptToProcess relays the supervisor's SIGINT to the
// supervised process.  The inferior runs in its own process group, so a
// terminal interrupt only reaches it through this relay.
func (signaler *Signaler) ForwardInterruptToProcess() {
	signalChan := make(chan os.Signal, 1)
	osSignal.Notify(signalChan, syscall.SIGINT)

	go func() {
		defer osSignal.Stop(signalChan)

		for {
			select {
			case <-signaler.ctx.Done():
				return
			case <-signalChan:
				err := signaler.ToProcess(syscall.SIGINT)
				if err != nil {
					return
				}
			}
		}
	}()
}

func (signaler *Signaler) ToProcess(signal syscall.Signal) error {
	err := syscall.Kill(signaler.pid, signal)
	if err != nil {
		return fmt.Errorf(
			"failed to signal process %d (%v): %w",
			signaler.pid,
			signal,
			err)
	}

	return nil
}

func (signaler *Signaler) KillProcess() error {
	return signaler.ToProcess(syscall.SIGKILL)
}
