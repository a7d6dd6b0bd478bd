// Package inferior implements the child side of the debugger stress
// tests: a process that serves control messages over an inherited channel
// and deliberately faults on request, expecting its tracer to patch it
// back to health.
package inferior

import (
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/leeminghao/zircon/config"
	"github.com/leeminghao/zircon/logflags"
	"github.com/leeminghao/zircon/msgpipe"
)

// Run executes the inferior role and returns the process exit code.
func Run(cfg config.Config) int {
	log := logflags.Inferior()

	channel, err := msgpipe.FromFd(config.ControlChannelFd)
	if err != nil {
		log.Errorf("failed to open control channel: %s", err)
		return config.ExitMessageLoopFailure
	}
	defer channel.Close()

	log.Info("serving control messages")
	return serve(cfg, channel, log)
}

func serve(
	cfg config.Config,
	channel *msgpipe.Channel,
	log *logrus.Entry,
) int {
	for {
		msg, err := channel.Recv()
		if errors.Is(err, io.EOF) {
			// The debugger hung up.  This is the normal way out.
			log.Info("control channel closed. exiting")
			return config.ExitSuccess
		} else if err != nil {
			log.Errorf("failed to receive control message: %s", err)
			return config.ExitMessageLoopFailure
		}

		switch msg {
		case msgpipe.Ping:
			err = channel.Send(msgpipe.Pong)
		case msgpipe.Crash:
			crashErr := crashAndRecover(cfg, log)
			if crashErr != nil {
				log.Errorf("crash recovery corrupted data: %s", crashErr)
				return config.ExitDataCorruption
			}

			err = channel.Send(msgpipe.RecoveredFromCrash)
		case msgpipe.StartExtraThreads:
			startExtraThreads(cfg.ExtraThreads, log)
			err = channel.Send(msgpipe.ExtraThreadsStarted)
		case msgpipe.Done:
			log.Info("received done. exiting")
			return config.ExitInferiorDone
		default:
			log.Warnf("ignoring unknown control message: %s", msg)
			continue
		}

		if err != nil {
			log.Errorf("failed to send control reply: %s", err)
			return config.ExitMessageLoopFailure
		}
	}
}
