package devices

import (
	"strconv"
	"sync"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/iostage/internal/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EmulatedRuntimeName to be used in a configuration string to select the
// built-in emulated runtime, e.g. devices.New("emu:2").
const EmulatedRuntimeName = "emu"

// Registers NewEmulated as the default runtime constructor.
func init() {
	Register(EmulatedRuntimeName, NewEmulated)
}

// NewEmulated returns a pure-Go emulated accelerator runtime.
//
// Device memory is backed by pinned host allocations and streams are ordered
// queues served by one goroutine each, so accelerator-involving copies
// genuinely complete asynchronously: a missing Sync is an observable bug, the
// same as with a real device.
//
// The config string is the number of emulated devices (default 1).
func NewEmulated(config string) (Runtime, error) {
	numDevices := 1
	if config != "" {
		var err error
		numDevices, err = strconv.Atoi(config)
		if err != nil || numDevices < 1 {
			return nil, errors.Errorf("runtime %q: invalid configuration %q, want a positive number of devices", EmulatedRuntimeName, config)
		}
	}
	rt := &emuRuntime{
		numDevices: numDevices,
		allocs:     make(map[uintptr][]byte),
	}
	rt.defaultStreams = make([]*emuStream, numDevices)
	for i := range rt.defaultStreams {
		rt.defaultStreams[i] = newEmuStream()
	}
	klog.V(1).Infof("devices: created runtime %q with %d emulated device(s)", EmulatedRuntimeName, numDevices)
	return rt, nil
}

// emuRuntime implements Runtime with host-backed device memory.
type emuRuntime struct {
	numDevices int

	mu             sync.Mutex
	current        Ordinal
	allocs         map[uintptr][]byte // Pins "device" allocations for the GC.
	defaultStreams []*emuStream
	extraStreams   []*emuStream
	finalized      bool
}

// Compile-time check:
var _ Runtime = (*emuRuntime)(nil)

// Name returns the short name of the runtime.
func (rt *emuRuntime) Name() string { return EmulatedRuntimeName }

// NumDevices returns the number of emulated devices.
func (rt *emuRuntime) NumDevices() int { return rt.numDevices }

func (rt *emuRuntime) checkOrdinal(ordinal Ordinal) error {
	if ordinal < 0 || int(ordinal) >= rt.numDevices {
		return errors.Errorf("runtime %q: invalid device #%d, have %d device(s)", EmulatedRuntimeName, ordinal, rt.numDevices)
	}
	return nil
}

// Malloc allocates size bytes on the given device.
func (rt *emuRuntime) Malloc(ordinal Ordinal, size int) (unsafe.Pointer, error) {
	if err := rt.checkOrdinal(ordinal); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, errors.Errorf("runtime %q: cannot allocate %d bytes", EmulatedRuntimeName, size)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.finalized {
		return nil, errors.Errorf("runtime %q has been finalized", EmulatedRuntimeName)
	}
	// Allocate at least one byte so there is an address to key the block by.
	block := make([]byte, max(size, 1))
	ptr := unsafe.Pointer(&block[0])
	rt.allocs[uintptr(ptr)] = block
	return ptr, nil
}

// Free releases memory previously returned by Malloc.
func (rt *emuRuntime) Free(ptr unsafe.Pointer) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, found := rt.allocs[uintptr(ptr)]; !found {
		return errors.Errorf("runtime %q: Free of unknown pointer %p", EmulatedRuntimeName, ptr)
	}
	delete(rt.allocs, uintptr(ptr))
	return nil
}

// Copy copies n bytes from src to dst.
//
// Host→Host is a plain memory copy. Combinations involving Accelerator are
// ordered on a stream: with a nil stream the copy is issued on the default
// stream of the device involved and Copy blocks until it completes; with an
// explicit stream the copy is only enqueued and completes after the stream is
// synchronized.
func (rt *emuRuntime) Copy(dst, src Memory, n int, stream Stream) error {
	checkCopyBounds(dst, src, n)
	if n == 0 {
		return nil
	}
	if dst.Kind == Host && src.Kind == Host {
		copy(unsafe.Slice((*byte)(dst.Data), n), unsafe.Slice((*byte)(src.Data), n))
		return nil
	}

	blocking := stream == nil
	rt.mu.Lock()
	if rt.finalized {
		rt.mu.Unlock()
		return errors.Errorf("runtime %q has been finalized", EmulatedRuntimeName)
	}
	if blocking {
		ordinal := dst.Ordinal
		if dst.Kind != Accelerator {
			ordinal = src.Ordinal
		}
		if err := rt.checkOrdinal(ordinal); err != nil {
			rt.mu.Unlock()
			return err
		}
		stream = rt.defaultStreams[ordinal]
	}
	rt.mu.Unlock()
	emu, ok := stream.(*emuStream)
	if !ok {
		return errors.Errorf("runtime %q: stream %T was not created by this runtime", EmulatedRuntimeName, stream)
	}
	// Device memory is host-backed in the emulation, so the asynchronous part
	// is only the ordering: the bytes move when the stream gets to the op.
	dstData, srcData := dst.Data, src.Data
	emu.enqueue(func() {
		copy(unsafe.Slice((*byte)(dstData), n), unsafe.Slice((*byte)(srcData), n))
	})
	if blocking {
		return emu.Sync()
	}
	return nil
}

// NewStream creates a new stream on the given device.
func (rt *emuRuntime) NewStream(ordinal Ordinal) (Stream, error) {
	if err := rt.checkOrdinal(ordinal); err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.finalized {
		return nil, errors.Errorf("runtime %q has been finalized", EmulatedRuntimeName)
	}
	s := newEmuStream()
	rt.extraStreams = append(rt.extraStreams, s)
	return s, nil
}

// CurrentDevice returns the runtime's current device.
func (rt *emuRuntime) CurrentDevice() Ordinal {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.current
}

// SetDevice makes ordinal the runtime's current device.
// HostOrdinal is accepted and means no accelerator device is current.
func (rt *emuRuntime) SetDevice(ordinal Ordinal) error {
	if ordinal != HostOrdinal {
		if err := rt.checkOrdinal(ordinal); err != nil {
			return err
		}
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.current = ordinal
	return nil
}

// Finalize synchronizes and stops all streams and releases all allocations.
// The runtime is invalid afterwards.
func (rt *emuRuntime) Finalize() {
	rt.mu.Lock()
	if rt.finalized {
		rt.mu.Unlock()
		return
	}
	rt.finalized = true
	streams := append(rt.defaultStreams, rt.extraStreams...)
	rt.defaultStreams = nil
	rt.extraStreams = nil
	rt.allocs = make(map[uintptr][]byte)
	rt.mu.Unlock()

	for _, s := range streams {
		s.stop()
	}
}

// checkCopyBounds panics on out-of-bounds copies: these are caller bugs, not
// device failures.
func checkCopyBounds(dst, src Memory, n int) {
	if n < 0 || n > dst.Size || n > src.Size {
		panicCopyBounds(dst, src, n)
	}
	if n > 0 && (dst.Data == nil || src.Data == nil) {
		panicCopyBounds(dst, src, n)
	}
}

func panicCopyBounds(dst, src Memory, n int) {
	exceptions.Panicf("devices.Copy: invalid copy of %d bytes from %s region of %d bytes (%p) to %s region of %d bytes (%p)",
		n, src.Kind, src.Size, src.Data, dst.Kind, dst.Size, dst.Data)
}

// emuStream is an ordered queue of operations served by one goroutine.
type emuStream struct {
	ops chan func()
}

func newEmuStream() *emuStream {
	s := &emuStream{ops: make(chan func(), 64)}
	go s.loop()
	return s
}

func (s *emuStream) loop() {
	for op := range s.ops {
		op()
	}
}

func (s *emuStream) enqueue(op func()) {
	s.ops <- op
}

// Sync blocks until every operation enqueued so far has completed.
func (s *emuStream) Sync() error {
	done := xsync.NewLatch()
	s.ops <- done.Trigger
	done.Wait()
	return nil
}

// stop drains the stream and stops its goroutine. Must be called only once.
func (s *emuStream) stop() {
	_ = s.Sync()
	close(s.ops)
}
