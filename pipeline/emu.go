package pipeline

import (
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/iostage/devices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EmulatedPipelineName to be used in a configuration string to select the
// built-in emulated pipeline.
const EmulatedPipelineName = "emu"

// Registers NewEmulated as the default pipeline constructor.
func init() {
	Register(EmulatedPipelineName, NewEmulated)
}

// NewEmulated returns a pure-Go pipeline running an identity graph: every
// input set since the last run becomes one output, in the order the inputs
// were set, materialized in the pipeline's memory (accelerator memory when the
// pipeline is placed on a device, host memory otherwise).
//
// It exists so the executor can run end-to-end without real pipeline bindings,
// and is what the tests and cmd/stagebench drive. The config string is ignored.
func NewEmulated(_ string, rt devices.Runtime, ordinal devices.Ordinal) (Pipeline, error) {
	if ordinal != devices.HostOrdinal && int(ordinal) >= rt.NumDevices() {
		return nil, errors.Errorf("pipeline %q: invalid device #%d, runtime %q has %d device(s)",
			EmulatedPipelineName, ordinal, rt.Name(), rt.NumDevices())
	}
	p := &Emulated{rt: rt, ordinal: ordinal}
	if ordinal != devices.HostOrdinal {
		defer devices.ScopedDevice(rt, ordinal)()
		var err error
		p.outputStream, err = rt.NewStream(ordinal)
		if err != nil {
			return nil, errors.WithMessagef(err, "pipeline %q: creating output stream", EmulatedPipelineName)
		}
	}
	return p, nil
}

// Emulated implements Pipeline with an identity graph. See NewEmulated.
type Emulated struct {
	rt           devices.Runtime
	ordinal      devices.Ordinal
	outputStream devices.Stream

	inputs       []stagedInput
	outputs      []emuOutput
	outputsReady bool
}

// Compile-time check:
var _ Pipeline = (*Emulated)(nil)

type stagedInput struct {
	meta Meta
	src  devices.Memory
}

// emuOutput owns the memory holding one produced output.
type emuOutput struct {
	meta Meta
	mem  devices.Memory

	// hostData backs mem for host outputs; devicePtr was rt.Malloc'ed for
	// accelerator outputs. Exactly one is set.
	hostData  []byte
	devicePtr unsafe.Pointer
}

// DeviceOrdinal returns the device the pipeline executes on.
func (p *Emulated) DeviceOrdinal() devices.Ordinal { return p.ordinal }

// outputKind is the memory kind this pipeline produces outputs in.
func (p *Emulated) outputKind() devices.Kind {
	if p.ordinal == devices.HostOrdinal {
		return devices.Host
	}
	return devices.Accelerator
}

// SetInput registers one tensor's data for the next run.
//
// The descriptor must have exactly one fragment. Host data is accepted even
// when the pipeline executes on an accelerator: ingestion copies it in.
func (p *Emulated) SetInput(input InputDescriptor) error {
	if len(input.Buffers) != 1 {
		return errors.Errorf("pipeline %q: input %q must have exactly one fragment, got %d",
			EmulatedPipelineName, input.Meta.Name, len(input.Buffers))
	}
	src := input.Buffers[0]
	if n := input.Meta.NumBytes(); src.Size < n {
		return errors.Errorf("pipeline %q: input %q needs %d bytes, fragment has only %d",
			EmulatedPipelineName, input.Meta.Name, n, src.Size)
	}
	if src.Kind == devices.Accelerator && src.Ordinal != p.ordinal {
		return errors.Errorf("pipeline %q: input %q is on device #%d, pipeline executes on device #%d",
			EmulatedPipelineName, input.Meta.Name, src.Ordinal, p.ordinal)
	}
	p.inputs = append(p.inputs, stagedInput{meta: input.Meta, src: src})
	return nil
}

// Run executes the identity graph on the inputs set since the last run.
func (p *Emulated) Run() error {
	if len(p.inputs) == 0 {
		return errors.Errorf("pipeline %q: Run called with no inputs set", EmulatedPipelineName)
	}
	p.releaseOutputs()

	if p.ordinal != devices.HostOrdinal {
		defer devices.ScopedDevice(p.rt, p.ordinal)()
	}
	kind := p.outputKind()
	for _, input := range p.inputs {
		n := input.meta.NumBytes()
		out := emuOutput{
			meta: Meta{Name: input.meta.Name, Shape: input.meta.Shape, DType: input.meta.DType},
		}
		if kind == devices.Host {
			out.hostData = make([]byte, n)
			out.mem = devices.FromBytes(out.hostData)
		} else {
			ptr, err := p.rt.Malloc(p.ordinal, n)
			if err != nil {
				p.releaseOutputs()
				return errors.WithMessagef(err, "pipeline %q: allocating output %q", EmulatedPipelineName, input.meta.Name)
			}
			out.devicePtr = ptr
			out.mem = devices.Memory{Data: ptr, Size: n, Kind: devices.Accelerator, Ordinal: p.ordinal}
		}
		// Ingestion and the identity transform collapse into one copy, on the
		// output stream so PutOutput copies are ordered after it.
		if err := p.rt.Copy(out.mem, input.src.Slice(0, n), n, p.outputStream); err != nil {
			p.releaseOutputs()
			return errors.WithMessagef(err, "pipeline %q: ingesting input %q", EmulatedPipelineName, input.meta.Name)
		}
		p.outputs = append(p.outputs, out)
	}
	p.inputs = p.inputs[:0]
	klog.V(2).Infof("pipeline %q: run produced %d output(s)", EmulatedPipelineName, len(p.outputs))
	return nil
}

// Output prepares the outputs of the last Run for retrieval.
func (p *Emulated) Output() error {
	if len(p.outputs) == 0 {
		return errors.Errorf("pipeline %q: Output called before a successful Run", EmulatedPipelineName)
	}
	p.outputsReady = true
	return nil
}

// NumOutputs returns the number of outputs of the last run.
func (p *Emulated) NumOutputs() int { return len(p.outputs) }

// BatchSize returns the number of samples in the first output of the last run.
func (p *Emulated) BatchSize() int {
	if len(p.outputs) == 0 {
		return 0
	}
	return p.outputs[0].meta.BatchSize()
}

// OutputShape returns the batched shape of output i.
func (p *Emulated) OutputShape(i int) ListShape { return p.outputs[i].meta.Shape }

// OutputDType returns the element type of output i.
func (p *Emulated) OutputDType(i int) dtypes.DType { return p.outputs[i].meta.DType }

// OutputDevice returns the kind of memory output i is produced in.
func (p *Emulated) OutputDevice(i int) devices.Kind { return p.outputs[i].mem.Kind }

// PutOutput writes output i into dst, asynchronously on the output stream when
// an accelerator is involved.
func (p *Emulated) PutOutput(dst devices.Memory, i int) error {
	if !p.outputsReady {
		return errors.Errorf("pipeline %q: PutOutput called before Output", EmulatedPipelineName)
	}
	if i < 0 || i >= len(p.outputs) {
		return errors.Errorf("pipeline %q: PutOutput of output %d, have %d", EmulatedPipelineName, i, len(p.outputs))
	}
	out := p.outputs[i]
	if dst.Size < out.mem.Size {
		return errors.Errorf("pipeline %q: output %q needs %d bytes, destination has only %d",
			EmulatedPipelineName, out.meta.Name, out.mem.Size, dst.Size)
	}
	return p.rt.Copy(dst, out.mem, out.mem.Size, p.outputStream)
}

// SyncOutputStream blocks until all output writes are visible.
func (p *Emulated) SyncOutputStream() error {
	if p.outputStream == nil {
		return nil
	}
	return p.outputStream.Sync()
}

// Reset recovers the pipeline after a failed run: staged inputs and partial
// outputs are discarded, the output stream is kept.
func (p *Emulated) Reset() error {
	p.inputs = p.inputs[:0]
	if p.outputStream != nil {
		if err := p.outputStream.Sync(); err != nil {
			return errors.WithMessagef(err, "pipeline %q: Reset", EmulatedPipelineName)
		}
	}
	p.releaseOutputs()
	return nil
}

// Finalize releases the pipeline's resources.
func (p *Emulated) Finalize() {
	if p.outputStream != nil {
		_ = p.outputStream.Sync()
	}
	p.releaseOutputs()
	p.inputs = nil
}

func (p *Emulated) releaseOutputs() {
	for _, out := range p.outputs {
		if out.devicePtr != nil {
			if err := p.rt.Free(out.devicePtr); err != nil {
				klog.Warningf("pipeline %q: failed to free output %q: %v", EmulatedPipelineName, out.meta.Name, err)
			}
		}
	}
	p.outputs = p.outputs[:0]
	p.outputsReady = false
}
