// Control channel between the test driver and the inferior process.
//
// The channel is a connected pair of seqpacket sockets, so each message
// is delivered as a whole datagram, in order, at most once.  One endpoint
// is inherited by the inferior at a well known descriptor slot.
package msgpipe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/leeminghao/zircon/logflags"
)

// Message is a control channel message kind.  Kinds are encoded as 4-byte
// little endian values on the wire.  Unrecognized kinds are delivered to
// the caller so that receivers can log and ignore them.
type Message uint32

const (
	Done Message = iota
	Ping
	Pong
	Crash
	RecoveredFromCrash
	StartExtraThreads
	ExtraThreadsStarted
)

const messageSize = 4

func (msg Message) String() string {
	switch msg {
	case Done:
		return "done"
	case Ping:
		return "ping"
	case Pong:
		return "pong"
	case Crash:
		return "crash"
	case RecoveredFromCrash:
		return "recovered-from-crash"
	case StartExtraThreads:
		return "start-extra-threads"
	case ExtraThreadsStarted:
		return "extra-threads-started"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(msg))
	}
}

type Channel struct {
	log *logrus.Entry

	mutex sync.Mutex

	// The descriptor is owned by an os.File so that the runtime poller's
	// reference counting covers it.  Descriptor numbers are reused by the
	// process; closing a raw fd out from under a blocked read could hand
	// the read an unrelated descriptor.  File.Close instead unblocks
	// pending operations with os.ErrClosed and defers the actual close
	// until the last operation drains.
	file     *os.File
	closed   bool
	closeErr error
}

func newChannel(fd int) *Channel {
	// Nonblocking so the runtime poller services the descriptor; blocked
	// reads then park in the poller and wake on Close.
	_ = syscall.SetNonblock(fd, true)

	return &Channel{
		log:  logflags.Protocol(),
		file: os.NewFile(uintptr(fd), "control-channel"),
	}
}

// Pair returns two connected channel endpoints.
func Pair() (*Channel, *Channel, error) {
	fds, err := syscall.Socketpair(
		syscall.AF_UNIX,
		syscall.SOCK_SEQPACKET|syscall.SOCK_CLOEXEC,
		0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create channel pair: %w", err)
	}

	return newChannel(fds[0]), newChannel(fds[1]), nil
}

// FromFd wraps an inherited descriptor.  Used by child roles to pick up
// their endpoint at the well known slot.  Fails if the descriptor is not
// the seqpacket socket the parent was supposed to pass down.
func FromFd(fd int) (*Channel, error) {
	socketType, err := syscall.GetsockoptInt(
		fd,
		syscall.SOL_SOCKET,
		syscall.SO_TYPE)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to inspect inherited channel fd %d: %w",
			fd,
			err)
	}

	if socketType != syscall.SOCK_SEQPACKET {
		return nil, fmt.Errorf(
			"inherited channel fd %d is not a seqpacket socket (type %d)",
			fd,
			socketType)
	}

	return newChannel(fd), nil
}

// DetachFile transfers ownership of the descriptor to an os.File suitable
// for exec.Cmd.ExtraFiles.  The channel is unusable afterwards.
func (ch *Channel) DetachFile() *os.File {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	if ch.closed {
		panic("should never happen: detaching a closed channel")
	}

	file := ch.file
	ch.file = nil
	ch.closed = true

	return file
}

func (ch *Channel) Send(msg Message) error {
	ch.mutex.Lock()
	file := ch.file
	closed := ch.closed
	ch.mutex.Unlock()

	if closed {
		return fmt.Errorf("invalid operation. sending to a closed channel.")
	}

	buffer := make([]byte, messageSize)
	binary.LittleEndian.PutUint32(buffer, uint32(msg))

	n, err := file.Write(buffer)
	if errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("invalid operation. sending to a closed channel.")
	}
	if err != nil {
		return fmt.Errorf("failed to send %s message: %w", msg, err)
	}
	if n != messageSize {
		return fmt.Errorf("failed to send %s message: short write (%d)", msg, n)
	}

	ch.log.Debugf("sent message: %s", msg)
	return nil
}

// Recv blocks until the peer sends a message or closes its endpoint.
// Endpoint closure is reported as io.EOF; receivers treat it the same way
// as an explicit done message.
func (ch *Channel) Recv() (Message, error) {
	ch.mutex.Lock()
	file := ch.file
	closed := ch.closed
	ch.mutex.Unlock()

	if closed {
		return 0, fmt.Errorf("invalid operation. receiving from a closed channel.")
	}

	buffer := make([]byte, messageSize)
	n, err := file.Read(buffer)
	if err == io.EOF {
		return 0, io.EOF
	}
	if errors.Is(err, os.ErrClosed) {
		return 0, fmt.Errorf("invalid operation. receiving from a closed channel.")
	}
	if err != nil {
		return 0, fmt.Errorf("failed to receive message: %w", err)
	}
	if n != messageSize {
		return 0, fmt.Errorf("failed to receive message: short datagram (%d)", n)
	}

	msg := Message(binary.LittleEndian.Uint32(buffer))
	ch.log.Debugf("received message: %s", msg)
	return msg, nil
}

// Call sends a request and blocks for the peer's reply.  The control
// protocol is strictly alternating, so the next received message is the
// reply.
func (ch *Channel) Call(request Message, reply Message) error {
	err := ch.Send(request)
	if err != nil {
		return err
	}

	msg, err := ch.Recv()
	if err != nil {
		return fmt.Errorf("no reply to %s message: %w", request, err)
	}

	if msg != reply {
		return fmt.Errorf(
			"unexpected reply to %s message: got %s, want %s",
			request,
			msg,
			reply)
	}

	return nil
}

func (ch *Channel) Close() error {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	if ch.closed {
		return ch.closeErr
	}

	err := ch.file.Close()
	if err != nil {
		err = fmt.Errorf("failed to close channel: %w", err)
	}

	ch.closed = true
	ch.closeErr = err

	return err
}
