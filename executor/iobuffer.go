package executor

import (
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/iostage/devices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Buffer is a reusable staging region of host or accelerator memory used to
// materialize otherwise-fragmented or misplaced tensor data.
//
// It supports append-style allocation within a reservation: Reserve grows the
// backing memory, Allocate claims consecutive chunks of it, and Clear cancels
// all claims without deallocating, so the same backing memory serves every
// invocation of a stable tensor name.
//
// Allocate beyond the reservation, or Reserve while allocations are live, are
// contract violations and panic.
type Buffer interface {
	// Allocate claims size bytes at the current fill offset and returns a
	// pointer to the beginning of the chunk.
	Allocate(size int) unsafe.Pointer

	// Clear cancels all allocations. No memory is deallocated.
	Clear()

	// Reserve grows the backing memory to at least size bytes. It is a no-op
	// if the capacity is already greater or equal. Growing may relocate the
	// backing memory, so it panics if there are live allocations.
	Reserve(size int) error

	// Capacity returns the size of the backing memory in bytes.
	Capacity() int

	// Filled returns the number of bytes claimed since the last Clear.
	Filled() int

	// Kind returns the kind of memory backing the buffer.
	Kind() devices.Kind

	// Descriptor returns a descriptor of the allocated region: its size is the
	// filled length, not the capacity.
	Descriptor() devices.Memory

	// Finalize releases the backing memory. The buffer is invalid afterwards.
	Finalize()
}

// NewBuffer returns a staging Buffer of the given kind. Accelerator buffers
// allocate through rt on the given device; host buffers ignore rt and ordinal.
func NewBuffer(kind devices.Kind, rt devices.Runtime, ordinal devices.Ordinal) Buffer {
	if kind == devices.Host {
		return &hostBuffer{}
	}
	return &deviceBuffer{rt: rt, ordinal: ordinal}
}

func panicOverAllocation(capacity, filled, size int) {
	exceptions.Panicf("executor.Buffer: not enough memory reserved (%d bytes, %d filled) to allocate a chunk of %d bytes",
		capacity, filled, size)
}

func panicLiveReserve(filled int) {
	exceptions.Panicf("executor.Buffer: cannot grow a buffer with %d bytes of live allocations, Clear it first", filled)
}

// hostBuffer is the Host variant of Buffer, backed by a byte slice.
type hostBuffer struct {
	data   []byte
	filled int
}

func (b *hostBuffer) Allocate(size int) unsafe.Pointer {
	if size < 0 || b.filled+size > len(b.data) {
		panicOverAllocation(len(b.data), b.filled, size)
	}
	origin := unsafe.Add(unsafe.Pointer(unsafe.SliceData(b.data)), b.filled)
	b.filled += size
	return origin
}

func (b *hostBuffer) Clear() {
	b.filled = 0
}

func (b *hostBuffer) Reserve(size int) error {
	if size <= len(b.data) {
		return nil
	}
	if b.filled > 0 {
		panicLiveReserve(b.filled)
	}
	b.data = make([]byte, size)
	return nil
}

func (b *hostBuffer) Capacity() int { return len(b.data) }
func (b *hostBuffer) Filled() int { return b.filled }
func (b *hostBuffer) Kind() devices.Kind { return devices.Host }

func (b *hostBuffer) Descriptor() devices.Memory {
	return devices.Memory{
		Data:    unsafe.Pointer(unsafe.SliceData(b.data)),
		Size:    b.filled,
		Kind:    devices.Host,
		Ordinal: devices.HostOrdinal,
	}
}

func (b *hostBuffer) Finalize() {
	b.data = nil
	b.filled = 0
}

// deviceBuffer is the Accelerator variant of Buffer, backed by runtime-managed
// device memory on a fixed device.
type deviceBuffer struct {
	rt       devices.Runtime
	ordinal  devices.Ordinal
	ptr      unsafe.Pointer
	capacity int
	filled   int
}

func (b *deviceBuffer) Allocate(size int) unsafe.Pointer {
	if size < 0 || b.filled+size > b.capacity {
		panicOverAllocation(b.capacity, b.filled, size)
	}
	origin := unsafe.Add(b.ptr, b.filled)
	b.filled += size
	return origin
}

func (b *deviceBuffer) Clear() {
	b.filled = 0
}

func (b *deviceBuffer) Reserve(size int) error {
	if size <= b.capacity {
		return nil
	}
	if b.filled > 0 {
		panicLiveReserve(b.filled)
	}
	newPtr, err := b.rt.Malloc(b.ordinal, size)
	if err != nil {
		return errors.WithMessagef(err, "reserving %d bytes of staging memory on device #%d", size, b.ordinal)
	}
	b.free()
	b.ptr = newPtr
	b.capacity = size
	return nil
}

func (b *deviceBuffer) Capacity() int { return b.capacity }
func (b *deviceBuffer) Filled() int { return b.filled }
func (b *deviceBuffer) Kind() devices.Kind { return devices.Accelerator }

func (b *deviceBuffer) Descriptor() devices.Memory {
	return devices.Memory{
		Data:    b.ptr,
		Size:    b.filled,
		Kind:    devices.Accelerator,
		Ordinal: b.ordinal,
	}
}

func (b *deviceBuffer) Finalize() {
	b.free()
	b.capacity = 0
	b.filled = 0
}

func (b *deviceBuffer) free() {
	if b.ptr == nil {
		return
	}
	if err := b.rt.Free(b.ptr); err != nil {
		klog.Warningf("executor: failed to free staging memory on device #%d: %v", b.ordinal, err)
	}
	b.ptr = nil
}
