package msgpipe

import (
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type ChannelSuite struct{}

func TestChannel(t *testing.T) {
	suite.RunTests(t, &ChannelSuite{})
}

func (ChannelSuite) TestRoundTrip(t *testing.T) {
	local, peer, err := Pair()
	expect.Nil(t, err)
	defer local.Close()
	defer peer.Close()

	err = local.Send(Ping)
	expect.Nil(t, err)

	msg, err := peer.Recv()
	expect.Nil(t, err)
	expect.Equal(t, Ping, msg)

	err = peer.Send(Pong)
	expect.Nil(t, err)

	msg, err = local.Recv()
	expect.Nil(t, err)
	expect.Equal(t, Pong, msg)
}

func (ChannelSuite) TestMessageBoundariesAndOrder(t *testing.T) {
	local, peer, err := Pair()
	expect.Nil(t, err)
	defer local.Close()
	defer peer.Close()

	sent := []Message{Crash, StartExtraThreads, Done}
	for _, msg := range sent {
		err = local.Send(msg)
		expect.Nil(t, err)
	}

	// Each send is delivered as a separate datagram, in order.
	for _, want := range sent {
		msg, err := peer.Recv()
		expect.Nil(t, err)
		expect.Equal(t, want, msg)
	}
}

func (ChannelSuite) TestPeerCloseReportsEOF(t *testing.T) {
	local, peer, err := Pair()
	expect.Nil(t, err)
	defer peer.Close()

	err = local.Close()
	expect.Nil(t, err)

	_, err = peer.Recv()
	expect.True(t, errors.Is(err, io.EOF))
}

func (ChannelSuite) TestCall(t *testing.T) {
	local, peer, err := Pair()
	expect.Nil(t, err)
	defer local.Close()
	defer peer.Close()

	go func() {
		msg, err := peer.Recv()
		if err != nil || msg != Ping {
			return
		}
		_ = peer.Send(Pong)
	}()

	err = local.Call(Ping, Pong)
	expect.Nil(t, err)
}

func (ChannelSuite) TestCallUnexpectedReply(t *testing.T) {
	local, peer, err := Pair()
	expect.Nil(t, err)
	defer local.Close()
	defer peer.Close()

	go func() {
		_, _ = peer.Recv()
		_ = peer.Send(ExtraThreadsStarted)
	}()

	err = local.Call(Crash, RecoveredFromCrash)
	expect.Error(t, err, "unexpected reply to crash message")
}

func (ChannelSuite) TestOperationsAfterClose(t *testing.T) {
	local, peer, err := Pair()
	expect.Nil(t, err)
	defer peer.Close()

	err = local.Close()
	expect.Nil(t, err)

	err = local.Send(Ping)
	expect.Error(t, err, "closed channel")

	_, err = local.Recv()
	expect.Error(t, err, "closed channel")

	// Close is idempotent.
	err = local.Close()
	expect.Nil(t, err)
}

func (ChannelSuite) TestCloseUnblocksPendingRecv(t *testing.T) {
	local, peer, err := Pair()
	expect.Nil(t, err)
	defer peer.Close()

	recvErr := make(chan error, 1)
	go func() {
		_, err := local.Recv()
		recvErr <- err
	}()

	// Give the receiver time to park in Recv.  Closing the same endpoint
	// must then fail the pending receive instead of leaving it blocked on
	// a descriptor number the process may have reused.
	time.Sleep(10 * time.Millisecond)

	err = local.Close()
	expect.Nil(t, err)

	select {
	case err = <-recvErr:
		expect.Error(t, err, "closed")
	case <-time.After(5 * time.Second):
		t.Fatal("pending receive not unblocked by close")
	}
}

func (ChannelSuite) TestDetachFile(t *testing.T) {
	local, peer, err := Pair()
	expect.Nil(t, err)
	defer local.Close()

	file := peer.DetachFile()
	defer file.Close()

	// The detached endpoint is still connected.
	err = local.Send(Ping)
	expect.Nil(t, err)

	buffer := make([]byte, 16)
	n, err := file.Read(buffer)
	expect.Nil(t, err)
	expect.Equal(t, 4, n)

	// The channel wrapper no longer owns the descriptor.
	err = peer.Send(Pong)
	expect.Error(t, err, "closed channel")
}

func (ChannelSuite) TestFromFd(t *testing.T) {
	local, peer, err := Pair()
	expect.Nil(t, err)
	defer local.Close()

	file := peer.DetachFile()
	defer file.Close()

	// Simulates the child role adopting its inherited endpoint.
	adopted, err := FromFd(int(file.Fd()))
	expect.Nil(t, err)

	err = local.Send(Crash)
	expect.Nil(t, err)

	msg, err := adopted.Recv()
	expect.Nil(t, err)
	expect.Equal(t, Crash, msg)
}

func (ChannelSuite) TestFromFdRejectsNonSocket(t *testing.T) {
	file, err := os.Open("/dev/null")
	expect.Nil(t, err)
	defer file.Close()

	_, err = FromFd(int(file.Fd()))
	expect.Error(t, err, "failed to inspect inherited channel fd")
}

func (ChannelSuite) TestMessageString(t *testing.T) {
	expect.Equal(t, "ping", Ping.String())
	expect.Equal(t, "recovered-from-crash", RecoveredFromCrash.String())
	expect.Equal(t, "unknown(1234)", Message(1234).String())
}
