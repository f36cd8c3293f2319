// Package devices defines the memory and copy-engine abstraction used to move
// tensor data between the host and accelerator devices.
//
// The central types are Memory, a non-owning descriptor of a contiguous region
// of host or device memory, and Runtime, the interface an accelerator runtime
// (CUDA, ROCm, or the built-in pure-Go emulation) implements to allocate device
// memory and execute copies. Copies involving an accelerator are ordered on a
// Stream; copies enqueued on an explicit stream are asynchronous and the
// caller must Sync before relying on the result.
//
// To simplify error handling, functions panic (throw) with a stack trace on
// contract violations -- see package github.com/gomlx/exceptions. Runtime
// failures (allocation, copy engine errors) are returned as errors.
package devices

import (
	"strings"
	"unsafe"

	"github.com/gomlx/exceptions"
)

// Kind enumerates the kinds of memory a buffer can live in.
type Kind int

const (
	// Host memory, addressable by the CPU.
	Host Kind = iota

	// Accelerator memory, resident on a device and addressable only through
	// the Runtime that allocated it.
	Accelerator
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Host:
		return "host"
	case Accelerator:
		return "accelerator"
	}
	return "invalid"
}

// Ordinal is the index of an accelerator device within a Runtime.
// It should be between 0 and Runtime.NumDevices()-1 for accelerator memory.
type Ordinal int

// HostOrdinal is the ordinal used for host-only placements, where no
// accelerator device is involved.
const HostOrdinal Ordinal = -1

// Memory describes a contiguous region of host or accelerator memory.
// It carries no ownership: whoever created the underlying allocation keeps it
// alive for as long as the Memory is in use.
type Memory struct {
	// Data points to the first byte of the region. For Accelerator memory the
	// pointer is only meaningful to the owning Runtime.
	Data unsafe.Pointer

	// Size of the region in bytes.
	Size int

	// Kind of memory the region lives in.
	Kind Kind

	// Ordinal of the device owning the region. HostOrdinal for Host memory.
	Ordinal Ordinal
}

// FromBytes returns a Memory descriptor for a host byte slice.
// The caller must keep data alive while the descriptor is in use.
func FromBytes(data []byte) Memory {
	m := Memory{Size: len(data), Kind: Host, Ordinal: HostOrdinal}
	if len(data) > 0 {
		m.Data = unsafe.Pointer(&data[0])
	}
	return m
}

// Bytes returns the region as a byte slice.
// It panics if the memory is not host-addressable.
func (m Memory) Bytes() []byte {
	if m.Kind != Host {
		exceptions.Panicf("devices.Memory.Bytes: memory is on %s (device #%d), not host-addressable", m.Kind, m.Ordinal)
	}
	if m.Size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(m.Data), m.Size)
}

// Slice returns a descriptor for the sub-region [offset, offset+size).
// Offsets beyond the region are a contract violation.
func (m Memory) Slice(offset, size int) Memory {
	if offset < 0 || size < 0 || offset+size > m.Size {
		exceptions.Panicf("devices.Memory.Slice: range [%d, %d) out of bounds of region with %d bytes",
			offset, offset+size, m.Size)
	}
	return Memory{
		Data:    unsafe.Add(m.Data, offset),
		Size:    size,
		Kind:    m.Kind,
		Ordinal: m.Ordinal,
	}
}

// Stream is an ordered queue of asynchronous copy operations on one device.
// Operations enqueued on the same stream execute in order; Sync blocks until
// everything enqueued so far has completed.
type Stream interface {
	Sync() error
}

// Runtime is the API an accelerator runtime implements: device memory
// management and the copy engine.
//
// The built-in "emu" runtime (see NewEmulated) backs device memory with host
// allocations and is the default, so everything runs without real hardware.
type Runtime interface {
	// Name returns the short name of the runtime, e.g. "emu".
	Name() string

	// NumDevices returns the number of accelerator devices available.
	NumDevices() int

	// Malloc allocates size bytes on the given device.
	Malloc(ordinal Ordinal, size int) (unsafe.Pointer, error)

	// Free releases memory previously returned by Malloc.
	Free(ptr unsafe.Pointer) error

	// Copy copies n bytes from src to dst, selecting the correct variant for
	// the (dst.Kind, src.Kind) combination. Host→Host is a plain memory copy.
	// Combinations involving Accelerator are ordered on a stream: with a nil
	// stream the copy is issued on the device's default stream and Copy blocks
	// until it completes; with a non-nil stream the copy is only enqueued and
	// the caller must Sync the stream before relying on the result.
	Copy(dst, src Memory, n int, stream Stream) error

	// NewStream creates a new stream on the given device.
	NewStream(ordinal Ordinal) (Stream, error)

	// CurrentDevice returns the runtime's current device.
	CurrentDevice() Ordinal

	// SetDevice makes ordinal the runtime's current device.
	SetDevice(ordinal Ordinal) error

	// Finalize releases all resources held by the runtime, including any
	// memory still allocated, and makes the runtime invalid.
	Finalize()
}

// ScopedDevice sets the runtime's current device and returns a function that
// restores the previous one. Meant to be used as:
//
//	defer devices.ScopedDevice(rt, ordinal)()
func ScopedDevice(rt Runtime, ordinal Ordinal) func() {
	prev := rt.CurrentDevice()
	if err := rt.SetDevice(ordinal); err != nil {
		exceptions.Panicf("devices.ScopedDevice: cannot set device #%d on runtime %q: %v", ordinal, rt.Name(), err)
	}
	return func() {
		if err := rt.SetDevice(prev); err != nil {
			exceptions.Panicf("devices.ScopedDevice: cannot restore device #%d on runtime %q: %v", prev, rt.Name(), err)
		}
	}
}

// Constructor takes a config string (optionally empty) and returns a Runtime.
type Constructor func(config string) (Runtime, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a runtime with the given name and constructor.
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// New returns a Runtime built from a configuration string formatted as
// "<runtime_name>:<runtime_configuration>", where "<runtime_configuration>" is
// runtime specific. An empty name selects the first registered runtime.
func New(config string) (Runtime, error) {
	name := firstRegistered
	runtimeConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		name = config[:idx]
		runtimeConfig = config[idx+1:]
	} else if config != "" {
		name = config
		runtimeConfig = ""
	}
	constructor, found := registeredConstructors[name]
	if !found {
		exceptions.Panicf("devices.New: no runtime %q registered for configuration %q", name, config)
	}
	return constructor(runtimeConfig)
}
