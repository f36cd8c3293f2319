// Package pipeline defines the interface a data-processing pipeline needs to
// implement to be fed by the executor, plus the data model describing the
// tensors moving in and out of it.
//
// A pipeline accepts named input tensors, executes a computation graph and
// produces named outputs; how the graph is defined or loaded is out of scope
// here. The executor (package executor) only relies on the operations below to
// hand over input memory, trigger execution and retrieve outputs.
//
// A logical tensor handed to the executor may be split into multiple memory
// fragments (e.g. one buffer per device of a data-parallel caller); pipelines
// always receive it as a single contiguous region.
package pipeline

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/iostage/devices"
)

// ListShape is the shape of a batched tensor: one dimensions slice per sample.
// Samples may have different dimensions, but all share the same rank.
type ListShape struct {
	Samples [][]int64
}

// MakeListShape returns a ListShape with the given per-sample dimensions.
// It panics if samples disagree on rank or any dimension is negative.
func MakeListShape(samples ...[]int64) ListShape {
	s := ListShape{Samples: samples}
	for i, dims := range samples {
		if i > 0 && len(dims) != len(samples[0]) {
			exceptions.Panicf("pipeline.MakeListShape: sample %d has rank %d, sample 0 has rank %d",
				i, len(dims), len(samples[0]))
		}
		for _, dim := range dims {
			if dim < 0 {
				exceptions.Panicf("pipeline.MakeListShape: sample %d has negative dimension in %v", i, dims)
			}
		}
	}
	return s
}

// UniformListShape returns a ListShape with numSamples samples, all with the
// same dimensions.
func UniformListShape(numSamples int, dims ...int64) ListShape {
	if numSamples < 0 {
		exceptions.Panicf("pipeline.UniformListShape: invalid number of samples %d", numSamples)
	}
	samples := make([][]int64, numSamples)
	for i := range samples {
		samples[i] = dims
	}
	return MakeListShape(samples...)
}

// NumSamples returns the number of samples (the batch size).
func (s ListShape) NumSamples() int { return len(s.Samples) }

// NumElements returns the total number of elements across all samples.
func (s ListShape) NumElements() int64 {
	var total int64
	for _, dims := range s.Samples {
		size := int64(1)
		for _, dim := range dims {
			size *= dim
		}
		total += size
	}
	return total
}

// SampleDims returns the dimensions of sample i.
func (s ListShape) SampleDims(i int) []int64 { return s.Samples[i] }

// String implements fmt.Stringer.
func (s ListShape) String() string {
	parts := make([]string, len(s.Samples))
	for i, dims := range s.Samples {
		parts[i] = fmt.Sprint(dims)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Meta describes one logical tensor: its name (unique per call within a
// direction), batched shape and element type.
type Meta struct {
	Name  string
	Shape ListShape
	DType dtypes.DType
}

// BatchSize returns the number of samples in the tensor.
func (m Meta) BatchSize() int { return m.Shape.NumSamples() }

// NumBytes returns the total byte size of the tensor's data.
func (m Meta) NumBytes() int {
	return int(m.Shape.NumElements()) * int(m.DType.Size())
}

// InputDescriptor describes one input tensor: its metadata and the memory
// fragments holding its data, in logical order. A single-fragment input on the
// right device can be handed to the pipeline without copies.
type InputDescriptor struct {
	Meta    Meta
	Buffers []devices.Memory
}

// OutputDescriptor describes the caller-supplied destination for one output
// tensor: the memory fragments to fill, in logical order.
type OutputDescriptor struct {
	Meta    Meta
	Buffers []devices.Memory
}

// OutputInfo is the metadata of one pipeline output after a run, used by the
// serving layer to size destination buffers.
type OutputInfo struct {
	Shape  ListShape
	DType  dtypes.DType
	Device devices.Kind
}

// Pipeline is the API a data-processing pipeline implements to be driven by
// the executor.
//
// All data-carrying inputs arrive as single contiguous fragments. Host-located
// input data is accepted for any device placement: the pipeline's own input
// ingestion owns the host→device transfer in that case.
type Pipeline interface {
	// DeviceOrdinal returns the accelerator device the pipeline executes on,
	// or devices.HostOrdinal for a host-only pipeline.
	DeviceOrdinal() devices.Ordinal

	// SetInput registers one tensor's data for the next run.
	// The descriptor must have exactly one fragment.
	SetInput(input InputDescriptor) error

	// Run executes the computation graph on the inputs set since the last run.
	Run() error

	// Output prepares the outputs of the last Run for retrieval.
	Output() error

	// NumOutputs returns the number of outputs of the pipeline.
	NumOutputs() int

	// OutputShape returns the batched shape of output i after a run.
	OutputShape(i int) ListShape

	// OutputDType returns the element type of output i.
	OutputDType(i int) dtypes.DType

	// OutputDevice returns the kind of memory output i is produced in.
	OutputDevice(i int) devices.Kind

	// PutOutput writes output i into the caller-supplied destination region.
	// Writes involving an accelerator are asynchronous on the pipeline's
	// output stream: call SyncOutputStream before reading the destination.
	PutOutput(dst devices.Memory, i int) error

	// SyncOutputStream blocks until all output writes issued through PutOutput
	// are visible. It should always be called after copying all of the
	// pipeline outputs.
	SyncOutputStream() error

	// Reset recovers the pipeline after a failed Run, so it can accept the
	// next invocation. State from the failed run is discarded.
	Reset() error

	// Finalize releases the resources associated with the pipeline.
	Finalize()
}

// Constructor builds a Pipeline from a config string, on the given runtime and
// device. Use ordinal devices.HostOrdinal for a host-only pipeline.
type Constructor func(config string, rt devices.Runtime, ordinal devices.Ordinal) (Pipeline, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a pipeline implementation with the given name.
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// New builds a Pipeline from a configuration string formatted as
// "<pipeline_name>:<pipeline_configuration>". An empty name selects the first
// registered implementation.
func New(config string, rt devices.Runtime, ordinal devices.Ordinal) (Pipeline, error) {
	name := firstRegistered
	pipelineConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		name = config[:idx]
		pipelineConfig = config[idx+1:]
	} else if config != "" {
		name = config
		pipelineConfig = ""
	}
	constructor, found := registeredConstructors[name]
	if !found {
		exceptions.Panicf("pipeline.New: no pipeline %q registered for configuration %q", name, config)
	}
	return constructor(pipelineConfig, rt, ordinal)
}
