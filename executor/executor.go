// Package executor feeds externally supplied input tensors into a
// data-processing pipeline and marshals the pipeline's outputs back into
// externally supplied destination buffers.
//
// The pipeline itself is an external collaborator (see package pipeline); the
// work here is the buffer orchestration: deciding per tensor whether a
// zero-copy handoff is legal, materializing contiguous staging buffers when it
// is not, scheduling the copy work across a worker pool and synchronizing host
// threads, device streams and the pipeline's own execution stream.
//
// An Executor supports one invocation at a time: the staging buffers it owns
// are mutated without locking. Run and PutOutputs of the same invocation must
// be called sequentially; concurrent invocations need separate Executors.
package executor

import (
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/iostage/devices"
	"github.com/gomlx/iostage/pipeline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Suffixes distinguishing the input and output staging buffer of a tensor name.
const (
	inputSuffix  = "_inp"
	outputSuffix = "_out"
)

// Executor drives one pipeline: it stages inputs, runs the pipeline and
// materializes outputs into caller memory. See the package documentation for
// the concurrency contract.
type Executor struct {
	rt   devices.Runtime
	pipe pipeline.Pipeline
	pool *copyPool

	copyWorkers int

	// Staging buffers keyed by tensor name + direction suffix. Entries live
	// for the Executor's entire lifetime so stable tensor names reuse their
	// backing memory across invocations.
	hostStaging   map[string]Buffer
	deviceStaging map[string]Buffer
}

// Option configures an Executor. See WithCopyWorkers.
type Option func(*Executor)

// WithCopyWorkers sets the number of workers executing copy tasks.
// The default is runtime.NumCPU().
func WithCopyWorkers(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.copyWorkers = n
		}
	}
}

// New returns an Executor feeding the given pipeline, with device memory and
// copies going through rt.
func New(rt devices.Runtime, pipe pipeline.Pipeline, options ...Option) *Executor {
	e := &Executor{
		rt:            rt,
		pipe:          pipe,
		copyWorkers:   runtime.NumCPU(),
		hostStaging:   make(map[string]Buffer),
		deviceStaging: make(map[string]Buffer),
	}
	for _, option := range options {
		option(e)
	}
	e.pool = newCopyPool(e.copyWorkers)
	klog.V(1).Infof("executor: created with %d copy worker(s), pipeline on device #%d", e.copyWorkers, pipe.DeviceOrdinal())
	return e
}

// Run executes the pipeline on the given batch of inputs and returns the
// metadata of the produced outputs, for the caller to size destination
// buffers before calling PutOutputs.
//
// Inputs sharing one invocation must have equal batch sizes, and every input's
// fragments must cover its tensor; violations panic. Copy and pipeline
// execution failures are returned as errors, after the pipeline state has been
// reset so the Executor remains usable for the next invocation.
func (e *Executor) Run(inputs []pipeline.InputDescriptor) ([]pipeline.OutputInfo, error) {
	if err := e.setupInputs(inputs); err != nil {
		return nil, err
	}
	if err := e.pipe.Run(); err != nil {
		e.resetPipeline()
		return nil, errors.WithMessage(err, "executor: pipeline execution failed")
	}
	if err := e.pipe.Output(); err != nil {
		e.resetPipeline()
		return nil, errors.WithMessage(err, "executor: retrieving pipeline outputs failed")
	}
	infos := make([]pipeline.OutputInfo, e.pipe.NumOutputs())
	for i := range infos {
		infos[i] = pipeline.OutputInfo{
			Shape:  e.pipe.OutputShape(i),
			DType:  e.pipe.OutputDType(i),
			Device: e.pipe.OutputDevice(i),
		}
	}
	return infos, nil
}

// setupInputs validates the batch, stages fragmented or misplaced inputs into
// contiguous buffers, waits for all input copies and registers every input
// with the pipeline.
func (e *Executor) setupInputs(inputs []pipeline.InputDescriptor) error {
	if len(inputs) == 0 {
		exceptions.Panicf("executor: Run called with no inputs")
	}
	batchSize := inputs[0].Meta.BatchSize()
	for i := 1; i < len(inputs); i++ {
		if inputs[i].Meta.BatchSize() != batchSize {
			exceptions.Panicf("executor: all inputs must have equal batch size: input %q has %d samples, input %q has %d",
				inputs[0].Meta.Name, batchSize, inputs[i].Meta.Name, inputs[i].Meta.BatchSize())
		}
	}

	staged := make([]pipeline.InputDescriptor, 0, len(inputs))
	for _, input := range inputs {
		if len(input.Buffers) == 0 {
			exceptions.Panicf("executor: input %q has no buffers", input.Meta.Name)
		}
		if e.isDirect(input) {
			if n := input.Meta.NumBytes(); n > input.Buffers[0].Size {
				exceptions.Panicf("executor: input %q needs %d bytes, its fragment has only %d",
					input.Meta.Name, n, input.Buffers[0].Size)
			}
			klog.V(2).Infof("executor: input %q handed over zero-copy", input.Meta.Name)
			staged = append(staged, input)
			continue
		}
		contiguous, err := e.scheduleInputCopy(input)
		if err != nil {
			e.pool.Cancel()
			return err
		}
		staged = append(staged, contiguous)
	}
	// All input copies must complete before the pipeline reads them.
	if err := e.pool.RunAll(); err != nil {
		return errors.WithMessage(err, "executor: input copy failed")
	}
	for _, input := range staged {
		if err := e.pipe.SetInput(input); err != nil {
			return errors.WithMessagef(err, "executor: setting input %q", input.Meta.Name)
		}
	}
	return nil
}

// isDirect reports whether the input can be handed to the pipeline without
// staging: a single fragment that is either on the host (the pipeline's input
// ingestion accepts host data for any placement) or already on the pipeline's
// device.
func (e *Executor) isDirect(input pipeline.InputDescriptor) bool {
	return len(input.Buffers) == 1 &&
		(input.Buffers[0].Kind == devices.Host || input.Buffers[0].Ordinal == e.pipe.DeviceOrdinal())
}

// scheduleInputCopy queues one immediate copy task per fragment, gathering the
// input into a staging buffer of the fragments' memory kind, and returns the
// single-fragment descriptor to hand to the pipeline in its place.
func (e *Executor) scheduleInputCopy(input pipeline.InputDescriptor) (pipeline.InputDescriptor, error) {
	kind := input.Buffers[0].Kind
	ordinal := e.pipe.DeviceOrdinal()
	if kind == devices.Accelerator && ordinal == devices.HostOrdinal {
		ordinal = input.Buffers[0].Ordinal
	}
	buf := e.staging(kind, ordinal, input.Meta.Name+inputSuffix)

	total := 0
	for _, frag := range input.Buffers {
		total += frag.Size
	}
	if n := input.Meta.NumBytes(); n > total {
		exceptions.Panicf("executor: input %q needs %d bytes, its %d fragment(s) total only %d",
			input.Meta.Name, n, len(input.Buffers), total)
	}
	buf.Clear()
	if err := buf.Reserve(total); err != nil {
		return pipeline.InputDescriptor{}, errors.WithMessagef(err, "executor: staging input %q", input.Meta.Name)
	}
	template := buf.Descriptor()
	for _, frag := range input.Buffers {
		src := frag
		dst := devices.Memory{
			Data:    buf.Allocate(src.Size),
			Size:    src.Size,
			Kind:    template.Kind,
			Ordinal: template.Ordinal,
		}
		e.pool.AddWork(func(int) error {
			return e.rt.Copy(dst, src, src.Size, nil)
		}, int64(src.Size), true)
	}
	klog.V(1).Infof("executor: staging input %q: %d fragment(s), %s of %s memory",
		input.Meta.Name, len(input.Buffers), humanize.IBytes(uint64(total)), kind)
	return pipeline.InputDescriptor{Meta: input.Meta, Buffers: []devices.Memory{buf.Descriptor()}}, nil
}

// PutOutputs materializes the pipeline outputs into the caller-supplied
// destinations, one descriptor per output slot, in output order. It blocks
// until all copies, direct and staged, are complete.
func (e *Executor) PutOutputs(outputs []pipeline.OutputDescriptor) error {
	if len(outputs) > e.pipe.NumOutputs() {
		exceptions.Panicf("executor: got %d output descriptors, pipeline has %d outputs",
			len(outputs), e.pipe.NumOutputs())
	}
	for i, output := range outputs {
		if len(output.Buffers) == 0 {
			exceptions.Panicf("executor: output %q has no buffers", output.Meta.Name)
		}
		if len(output.Buffers) == 1 {
			// Zero-copy out: the pipeline writes straight into caller memory.
			if err := e.pipe.PutOutput(output.Buffers[0], i); err != nil {
				e.pool.Cancel()
				return errors.WithMessagef(err, "executor: writing output %q", output.Meta.Name)
			}
			continue
		}
		if err := e.scheduleOutputCopy(output, i); err != nil {
			e.pool.Cancel()
			return err
		}
	}
	// One sync point for all staged outputs: the deferred copy-out tasks may
	// only read the staging buffers once the pipeline's writes are visible.
	if err := e.pipe.SyncOutputStream(); err != nil {
		e.pool.Cancel()
		return errors.WithMessage(err, "executor: synchronizing pipeline output stream")
	}
	if err := e.pool.RunAll(); err != nil {
		return errors.WithMessage(err, "executor: output copy failed")
	}
	return nil
}

// scheduleOutputCopy routes output idx through a staging buffer: the pipeline
// writes into it and one deferred copy task per destination fragment scatters
// it out. The tasks run only after PutOutputs synchronized the pipeline's
// output stream.
func (e *Executor) scheduleOutputCopy(output pipeline.OutputDescriptor, idx int) error {
	total := 0
	for _, frag := range output.Buffers {
		total += frag.Size
	}
	kind := e.pipe.OutputDevice(idx)
	buf := e.staging(kind, e.pipe.DeviceOrdinal(), output.Meta.Name+outputSuffix)
	buf.Clear()
	if err := buf.Reserve(total); err != nil {
		return errors.WithMessagef(err, "executor: staging output %q", output.Meta.Name)
	}
	buf.Allocate(total)
	staging := buf.Descriptor()
	if err := e.pipe.PutOutput(staging, idx); err != nil {
		return errors.WithMessagef(err, "executor: writing output %q to staging", output.Meta.Name)
	}
	offset := 0
	for _, frag := range output.Buffers {
		dst := frag
		src := staging.Slice(offset, frag.Size)
		offset += frag.Size
		e.pool.AddWork(func(int) error {
			return e.rt.Copy(dst, src, dst.Size, nil)
		}, int64(dst.Size), false) // Deferred until the output stream sync.
	}
	klog.V(1).Infof("executor: staging output %q: %s of %s memory scattered to %d fragment(s)",
		output.Meta.Name, humanize.IBytes(uint64(total)), kind, len(output.Buffers))
	return nil
}

// staging returns the pooled staging buffer for the given key, creating it on
// first use. Buffers are never destroyed before the Executor is finalized.
func (e *Executor) staging(kind devices.Kind, ordinal devices.Ordinal, key string) Buffer {
	pool := e.hostStaging
	if kind == devices.Accelerator {
		pool = e.deviceStaging
	}
	buf, found := pool[key]
	if !found {
		buf = NewBuffer(kind, e.rt, ordinal)
		pool[key] = buf
	}
	return buf
}

// resetPipeline recovers the pipeline after a failed run so the next
// invocation starts from a clean state.
func (e *Executor) resetPipeline() {
	if err := e.pipe.Reset(); err != nil {
		klog.Warningf("executor: failed to reset pipeline after execution failure: %v", err)
	}
}

// CopyStats are cumulative counters of the copy work the Executor scheduled.
// Zero-copy handoffs do not show up here.
type CopyStats struct {
	// Tasks is the number of copy tasks queued so far.
	Tasks int64
	// Bytes is the total byte size of those tasks.
	Bytes int64
}

// Stats returns cumulative copy-scheduling counters.
func (e *Executor) Stats() CopyStats {
	return CopyStats{
		Tasks: e.pool.tasksScheduled.Load(),
		Bytes: e.pool.bytesScheduled.Load(),
	}
}

// Finalize stops the copy workers and releases all staging buffers.
// The Executor is invalid afterwards. It does not finalize the pipeline or the
// runtime, which the Executor does not own.
func (e *Executor) Finalize() {
	if e.pool != nil {
		e.pool.Cancel()
		e.pool.Close()
	}
	for _, buf := range e.hostStaging {
		buf.Finalize()
	}
	for _, buf := range e.deviceStaging {
		buf.Finalize()
	}
	e.hostStaging = nil
	e.deviceStaging = nil
}
