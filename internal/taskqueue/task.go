package taskqueue

import (
	"errors"
	"fmt"
)

var (
	ErrMisalignedTask        = errors.New("misaligned scanner task")
	ErrNullTask              = errors.New("null scanner task")
	ErrQueueSetUninitialized = errors.New("task queue set not initialized")
	ErrInvalidCapacity       = errors.New("task queue capacity must be a power of two and >= 2")
)

const partialArrayStateBit = 1

// ScannerTask is one queue word: either an object address (low bit clear) or
// a partial-array state handle (low bit set). Object addresses are word
// aligned so the tag bit is otherwise always zero.
type ScannerTask uint64

// ObjectTask wraps an object address. A null or misaligned address is a
// programming error.
func ObjectTask(addr uint64) ScannerTask {
	if addr == 0 {
		panic(ErrNullTask)
	}
	if addr&partialArrayStateBit != 0 {
		panic(fmt.Errorf("%w: object %#x", ErrMisalignedTask, addr))
	}
	return ScannerTask(addr)
}

// PartialArrayTask wraps a partial-array state handle.
func PartialArrayTask(handle uint32) ScannerTask {
	return ScannerTask(uint64(handle)<<1 | partialArrayStateBit)
}

func (t ScannerTask) IsObject() bool {
	return t&partialArrayStateBit == 0
}

func (t ScannerTask) IsPartialArrayState() bool {
	return t&partialArrayStateBit != 0
}

func (t ScannerTask) Object() uint64 {
	if !t.IsObject() {
		panic(fmt.Errorf("%w: reading partial array state %#x as object", ErrMisalignedTask, uint64(t)))
	}
	return uint64(t)
}

func (t ScannerTask) PartialArrayState() uint32 {
	if !t.IsPartialArrayState() {
		panic(fmt.Errorf("%w: reading object %#x as partial array state", ErrMisalignedTask, uint64(t)))
	}
	return uint32(uint64(t) >> 1)
}
