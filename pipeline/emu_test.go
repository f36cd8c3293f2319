package pipeline

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/iostage/devices"
	"github.com/stretchr/testify/require"
)

func newEmuTestPair(t *testing.T, ordinal devices.Ordinal) (devices.Runtime, Pipeline) {
	rt, err := devices.New("emu:2")
	require.NoError(t, err)
	t.Cleanup(rt.Finalize)
	p, err := New("emu", rt, ordinal)
	require.NoError(t, err)
	t.Cleanup(p.Finalize)
	return rt, p
}

func byteRamp(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

func inputOf(name string, data []byte) InputDescriptor {
	return InputDescriptor{
		Meta: Meta{
			Name:  name,
			Shape: UniformListShape(1, int64(len(data))),
			DType: dtypes.Uint8,
		},
		Buffers: []devices.Memory{devices.FromBytes(data)},
	}
}

func TestEmulatedHostPipeline(t *testing.T) {
	_, p := newEmuTestPair(t, devices.HostOrdinal)

	data := byteRamp(256)
	require.NoError(t, p.SetInput(inputOf("in", data)))
	require.NoError(t, p.Run())
	require.NoError(t, p.Output())

	require.Equal(t, 1, p.NumOutputs())
	require.Equal(t, devices.Host, p.OutputDevice(0))
	require.Equal(t, dtypes.Uint8, p.OutputDType(0))
	require.Equal(t, 1, p.OutputShape(0).NumSamples())
	require.Equal(t, int64(256), p.OutputShape(0).NumElements())

	dst := make([]byte, 256)
	require.NoError(t, p.PutOutput(devices.FromBytes(dst), 0))
	require.NoError(t, p.SyncOutputStream())
	require.Equal(t, data, dst)
}

func TestEmulatedDevicePipeline(t *testing.T) {
	_, p := newEmuTestPair(t, 0)

	// Host input data is accepted for a device-placed pipeline: the
	// pipeline's ingestion owns the host→device transfer.
	data := byteRamp(1024)
	require.NoError(t, p.SetInput(inputOf("in", data)))
	require.NoError(t, p.Run())
	require.NoError(t, p.Output())
	require.Equal(t, devices.Accelerator, p.OutputDevice(0))

	// PutOutput is asynchronous on the output stream; the destination is only
	// guaranteed after SyncOutputStream.
	dst := make([]byte, 1024)
	require.NoError(t, p.PutOutput(devices.FromBytes(dst), 0))
	require.NoError(t, p.SyncOutputStream())
	require.Equal(t, data, dst)
}

func TestEmulatedOutputOrder(t *testing.T) {
	_, p := newEmuTestPair(t, devices.HostOrdinal)

	first, second := byteRamp(16), []byte("0123456789abcdef")
	require.NoError(t, p.SetInput(inputOf("a", first)))
	require.NoError(t, p.SetInput(inputOf("b", second)))
	require.NoError(t, p.Run())
	require.NoError(t, p.Output())
	require.Equal(t, 2, p.NumOutputs())

	got := make([]byte, 16)
	require.NoError(t, p.PutOutput(devices.FromBytes(got), 1))
	require.NoError(t, p.SyncOutputStream())
	require.Equal(t, second, got)
}

func TestEmulatedErrors(t *testing.T) {
	rt, p := newEmuTestPair(t, 0)

	// Run without inputs.
	require.Error(t, p.Run())

	// Multi-fragment inputs are rejected: contiguity is the executor's job.
	data := byteRamp(8)
	multi := inputOf("in", data)
	multi.Buffers = append(multi.Buffers, devices.FromBytes(data))
	require.Error(t, p.SetInput(multi))

	// Input resident on a different device than the pipeline.
	ptr, err := rt.Malloc(1, 8)
	require.NoError(t, err)
	wrongDevice := inputOf("in", data)
	wrongDevice.Buffers = []devices.Memory{{Data: ptr, Size: 8, Kind: devices.Accelerator, Ordinal: 1}}
	require.Error(t, p.SetInput(wrongDevice))

	// Fragment smaller than the tensor.
	short := inputOf("in", data)
	short.Buffers[0].Size = 4
	require.Error(t, p.SetInput(short))

	// PutOutput before a successful Run/Output.
	require.Error(t, p.PutOutput(devices.FromBytes(make([]byte, 8)), 0))
}

func TestEmulatedReset(t *testing.T) {
	_, p := newEmuTestPair(t, 0)

	require.NoError(t, p.SetInput(inputOf("in", byteRamp(32))))
	require.NoError(t, p.Reset())

	// The staged input was discarded: Run has nothing to execute.
	require.Error(t, p.Run())

	// The pipeline remains usable after Reset.
	data := byteRamp(32)
	require.NoError(t, p.SetInput(inputOf("in", data)))
	require.NoError(t, p.Run())
	require.NoError(t, p.Output())
	dst := make([]byte, 32)
	require.NoError(t, p.PutOutput(devices.FromBytes(dst), 0))
	require.NoError(t, p.SyncOutputStream())
	require.Equal(t, data, dst)
}
