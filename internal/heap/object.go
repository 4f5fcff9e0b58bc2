package heap

import "sync/atomic"

// Ref is a byte address in the managed heap. Objects are word aligned, so the
// low three bits of a valid Ref are always zero.
type Ref uint64

const Nil Ref = 0

const headerWords = 1

func (r Ref) IsNil() bool {
	return r == Nil
}

// Object is a heap object with reference fields only. Arrays are objects whose
// fields are their elements.
type Object struct {
	ref    Ref
	array  bool
	fields []atomic.Uint64
}

func (o *Object) Ref() Ref {
	return o.ref
}

func (o *Object) IsArray() bool {
	return o.array
}

// Len returns the number of reference slots.
func (o *Object) Len() int {
	return len(o.fields)
}

// SizeWords is the object's footprint including its header word.
func (o *Object) SizeWords() uint64 {
	return sizeWords(len(o.fields))
}

func (o *Object) Field(i int) Ref {
	return Ref(o.fields[i].Load())
}

// store writes a field without any barrier. Mutators go through Mutator.Store.
func (o *Object) store(i int, v Ref) Ref {
	return Ref(o.fields[i].Swap(uint64(v)))
}

func sizeWords(fields int) uint64 {
	return headerWords + uint64(fields)
}
