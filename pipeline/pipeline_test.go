package pipeline

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/iostage/devices"
	"github.com/stretchr/testify/require"
)

func TestListShape(t *testing.T) {
	s := MakeListShape([]int64{2, 3}, []int64{4, 5})
	require.Equal(t, 2, s.NumSamples())
	require.Equal(t, int64(2*3+4*5), s.NumElements())
	require.Equal(t, []int64{4, 5}, s.SampleDims(1))

	u := UniformListShape(3, 10)
	require.Equal(t, 3, u.NumSamples())
	require.Equal(t, int64(30), u.NumElements())

	empty := MakeListShape()
	require.Equal(t, 0, empty.NumSamples())
	require.Equal(t, int64(0), empty.NumElements())

	require.Panics(t, func() { MakeListShape([]int64{2, 3}, []int64{4}) })
	require.Panics(t, func() { MakeListShape([]int64{-1}) })
	require.Panics(t, func() { UniformListShape(-1, 2) })
}

func TestMeta(t *testing.T) {
	m := Meta{
		Name:  "image",
		Shape: UniformListShape(4, 8, 8),
		DType: dtypes.Float32,
	}
	require.Equal(t, 4, m.BatchSize())
	require.Equal(t, 4*8*8*4, m.NumBytes())
}

func TestRegistry(t *testing.T) {
	rt, err := devices.New("emu")
	require.NoError(t, err)
	defer rt.Finalize()

	p, err := New("emu", rt, 0)
	require.NoError(t, err)
	require.Equal(t, devices.Ordinal(0), p.DeviceOrdinal())
	p.Finalize()

	// Empty config selects the first registered pipeline.
	p, err = New("", rt, devices.HostOrdinal)
	require.NoError(t, err)
	p.Finalize()

	require.Panics(t, func() { _, _ = New("no-such-pipeline", rt, 0) })
}
