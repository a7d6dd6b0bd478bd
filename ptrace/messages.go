package ptrace

import (
	"os/exec"
)

type opType string

const (
	startOp       = opType("start")
	attachOp      = opType("attach")
	detachOp      = opType("detach")
	resumeOp      = opType("resume")
	singleStepOp  = opType("singleStep")
	setOptionsOp  = opType("setOptions")
	getRegSetOp   = opType("getRegSet")
	setRegSetOp   = opType("setRegSet")
	peekDataOp    = opType("peekData")
	pokeDataOp    = opType("pokeData")
	readMemoryOp  = opType("readMemory")
	getSigInfoOp  = opType("getSigInfo")
	getEventMsgOp = opType("getEventMsg")
)

type request struct {
	opType

	cmd *exec.Cmd // only used by start

	pid int // used by all except start

	signal int // resume

	options Options // set options

	regSet []byte // get/set register set

	addr uintptr // peek/poke data
	data []byte  // peek/poke data

	responseChan chan response
}

type response struct {
	count int // peek/poke data, get register set

	sigInfo *SigInfo // get sig info

	eventMsg uint64 // get event msg

	err error
}
