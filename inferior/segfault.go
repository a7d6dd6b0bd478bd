package inferior

import (
	"unsafe"

	"github.com/leeminghao/zircon/logflags"
)

const leafPadWords = 10

// Mapped nowhere.  Dereferencing it takes the process down for real.
var crashingPtr = (*int32)(unsafe.Pointer(uintptr(42)))

//go:noinline
func descend1(depth int) int32 {
	var pad [leafPadWords]int32
	if depth > 0 {
		pad[0] = descend2(depth - 1)
	} else {
		pad[0] = *crashingPtr
	}
	return pad[0]
}

//go:noinline
func descend2(depth int) int32 {
	var pad [leafPadWords]int32
	if depth > 0 {
		pad[0] = descend1(depth - 1)
	} else {
		pad[0] = *crashingPtr
	}
	return pad[0]
}

// DeepFault dereferences an unmapped address at the bottom of a call
// chain, producing an unhandled segmentation fault with a recognizable
// stack.  It never returns.
func DeepFault(depth int) {
	log := logflags.Inferior()
	log.Infof("faulting for real at call depth %d", depth)

	descend1(depth)

	panic("should never happen: survived an unhandled fault")
}
