package ptrace

import (
	"context"
	"fmt"
	"runtime"
	"syscall"
)

type traceServer struct {
	cancel func()
	ctx    context.Context

	// Reminder: requestChan is blocking. responseChan(s) are non-blocking.
	requestChan chan request
}

func newTraceServer() *traceServer {
	ctx, cancel := context.WithCancel(context.Background())

	server := &traceServer{
		cancel:      cancel,
		ctx:         ctx,
		requestChan: make(chan request),
	}

	go server.processRequests()
	return server
}

func (server *traceServer) processRequests() {
	runtime.LockOSThread()
	defer func() {
		server.cancel()
		runtime.UnlockOSThread()
	}()

	for req := range server.requestChan {
		switch req.opType {
		case startOp:
			req.responseChan <- server.start(req)
		case attachOp:
			req.responseChan <- server.attach(req)
		case detachOp:
			req.responseChan <- server.detach(req)
			return
		case resumeOp:
			req.responseChan <- server.resume(req)
		case singleStepOp:
			req.responseChan <- server.singleStep(req)
		case setOptionsOp:
			req.responseChan <- server.setOptions(req)
		case getRegSetOp:
			req.responseChan <- server.getRegSet(req)
		case setRegSetOp:
			req.responseChan <- server.setRegSet(req)
		case peekDataOp:
			req.responseChan <- server.peekData(req)
		case pokeDataOp:
			req.responseChan <- server.pokeData(req)
		case readMemoryOp:
			req.responseChan <- server.readMemory(req)
		case getSigInfoOp:
			req.responseChan <- server.getSigInfo(req)
		case getEventMsgOp:
			req.responseChan <- server.getEventMsg(req)
		}
	}
}

func (server *traceServer) start(req request) response {
	err := req.cmd.Start()
	if err != nil {
		err = fmt.Errorf("failed to start process: %w", err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) attach(req request) response {
	err := syscall.PtraceAttach(req.pid)
	if err != nil {
		err = fmt.Errorf("failed to attach to process %d: %w", req.pid, err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) detach(req request) response {
	err := syscall.PtraceDetach(req.pid)
	if err != nil {
		err = fmt.Errorf("failed to detach from process %d: %w", req.pid, err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) resume(req request) response {
	err := syscall.PtraceCont(req.pid, req.signal)
	if err != nil {
		err = fmt.Errorf("failed to resume thread %d: %w", req.pid, err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) singleStep(req request) response {
	err := syscall.PtraceSingleStep(req.pid)
	if err != nil {
		err = fmt.Errorf("failed to single step thread %d: %w", req.pid, err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) setOptions(req request) response {
	err := syscall.PtraceSetOptions(req.pid, int(req.options))
	if err != nil {
		err = fmt.Errorf("failed to set options for thread %d: %w", req.pid, err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) getRegSet(req request) response {
	count, err := getRegSet(req.pid, req.regSet)
	if err != nil {
		err = fmt.Errorf(
			"failed to get register set from thread %d: %w",
			req.pid,
			err)
	}

	return response{
		count: count,
		err:   err,
	}
}

func (server *traceServer) setRegSet(req request) response {
	err := setRegSet(req.pid, req.regSet)
	if err != nil {
		err = fmt.Errorf(
			"failed to set register set for thread %d: %w",
			req.pid,
			err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) peekData(req request) response {
	count, err := syscall.PtracePeekData(req.pid, req.addr, req.data)
	if err != nil {
		err = fmt.Errorf(
			"failed to peek data (%d ; %d) for process %d: %w",
			req.addr,
			len(req.data),
			req.pid,
			err)
	}

	return response{
		count: count,
		err:   err,
	}
}

func (server *traceServer) readMemory(req request) response {
	count, err := readVirtualMemory(req.pid, req.addr, req.data)
	if err != nil {
		err = fmt.Errorf(
			"failed to process_vm_readv at %d (%d) from process %d: %w",
			req.addr,
			len(req.data),
			req.pid,
			err)
	}

	return response{
		count: count,
		err:   err,
	}
}

func (server *traceServer) pokeData(req request) response {
	count, err := syscall.PtracePokeData(req.pid, req.addr, req.data)
	if err != nil {
		err = fmt.Errorf(
			"failed to poke data (%d ; %d) for process %d: %w",
			req.addr,
			len(req.data),
			req.pid,
			err)
	}

	return response{
		count: count,
		err:   err,
	}
}

func (server *traceServer) getSigInfo(req request) response {
	out := &SigInfo{}
	err := getSigInfo(req.pid, out)
	if err != nil {
		out = nil
		err = fmt.Errorf(
			"failed to get signal information from thread %d: %w",
			req.pid,
			err)
	}

	return response{
		sigInfo: out,
		err:     err,
	}
}

func (server *traceServer) getEventMsg(req request) response {
	msg, err := getEventMsg(req.pid)
	if err != nil {
		err = fmt.Errorf(
			"failed to get event message from thread %d: %w",
			req.pid,
			err)
	}

	return response{
		eventMsg: msg,
		err:      err,
	}
}
