package mesh

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaxShih147/Rushmore/heightfield"
)

func fullField() *heightfield.Field {
	return heightfield.New(Resolution, Resolution)
}

func TestGenerateFlatField(t *testing.T) {
	m, err := Generate(fullField(), 3, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, DefaultName, m.Name)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, Resolution*Resolution, m.VertexCount())
	assert.Equal(t, 255*255*2, m.TriangleCount())
	assert.Len(t, m.Indices, 255*255*6)

	for i := 0; i < m.VertexCount(); i++ {
		assert.Zero(t, m.Positions[i*3+2])
		assert.InDelta(t, 0, m.Normals[i*3], 1e-6)
		assert.InDelta(t, 0, m.Normals[i*3+1], 1e-6)
		assert.InDelta(t, 1, m.Normals[i*3+2], 1e-6)
	}

	assert.InDelta(t, -2.5, m.BBox.Min.X, 1e-5)
	assert.InDelta(t, 2.5, m.BBox.Max.X, 1e-5)
	assert.InDelta(t, -2.5, m.BBox.Min.Y, 1e-5)
	assert.InDelta(t, 2.5, m.BBox.Max.Y, 1e-5)
	assert.Zero(t, m.BBox.Min.Z)
	assert.Zero(t, m.BBox.Max.Z)
}

func TestGenerateLayout(t *testing.T) {
	m, err := Generate(fullField(), 1, DefaultOptions())
	require.NoError(t, err)

	// first row sits at the top edge, x runs left to right
	assert.InDelta(t, -2.5, m.Positions[0], 1e-6)
	assert.InDelta(t, 2.5, m.Positions[1], 1e-6)
	last := (m.VertexCount() - 1) * 3
	assert.InDelta(t, 2.5, m.Positions[last], 1e-5)
	assert.InDelta(t, -2.5, m.Positions[last+1], 1e-5)

	// first quad
	assert.Equal(t, []uint32{0, 256, 1, 256, 257, 1}, m.Indices[:6])
	for _, idx := range m.Indices {
		assert.Less(t, idx, uint32(Resolution*Resolution))
	}
}

func TestGenerateSinglePeak(t *testing.T) {
	f := fullField()
	f.Values[100*Resolution+40] = 1

	m, err := Generate(f, 2, DefaultOptions())
	require.NoError(t, err)

	var raised int
	for i := 0; i < m.VertexCount(); i++ {
		switch z := m.Positions[i*3+2]; z {
		case 0:
		case 2:
			raised++
			assert.Equal(t, 100*Resolution+40, i)
		default:
			t.Fatalf("unexpected z %v at vertex %d", z, i)
		}
	}
	assert.Equal(t, 1, raised)
	assert.Equal(t, float32(2), m.Z(40, 100))
	assert.Equal(t, float32(2), m.BBox.Max.Z)

	// the peak tilts its neighbors' normals away from +z
	n := (100*Resolution + 41) * 3
	assert.Less(t, m.Normals[n+2], float32(1))
}

func TestGenerateShortFieldIsFlatPastEnd(t *testing.T) {
	f := heightfield.New(4, 4)
	for i := range f.Values {
		f.Values[i] = 1
	}
	m, err := Generate(f, 0.5, DefaultOptions())
	require.NoError(t, err)

	for i := 0; i < 16; i++ {
		assert.Equal(t, float32(0.5), m.Positions[i*3+2])
	}
	for i := 16; i < m.VertexCount(); i++ {
		assert.Zero(t, m.Positions[i*3+2])
	}
}

func TestGenerateDeterministicAcrossWorkers(t *testing.T) {
	f := fullField()
	for i := range f.Values {
		f.Values[i] = float32(i%97) / 97
	}
	opts := DefaultOptions()
	opts.Workers = 1
	a, err := Generate(f, 3, opts)
	require.NoError(t, err)
	opts.Workers = 7
	b, err := Generate(f, 3, opts)
	require.NoError(t, err)

	assert.Equal(t, a.Positions, b.Positions)
	assert.Equal(t, a.Normals, b.Normals)
	assert.Equal(t, a.Indices, b.Indices)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestGenerateErrors(t *testing.T) {
	_, err := Generate(nil, 1, DefaultOptions())
	assert.ErrorIs(t, err, ErrNoField)

	opts := DefaultOptions()
	opts.Columns = 1
	_, err = Generate(fullField(), 1, opts)
	assert.Error(t, err)
}

func TestRelease(t *testing.T) {
	m, err := Generate(fullField(), 1, DefaultOptions())
	require.NoError(t, err)

	m.Release()
	m.Release()
	assert.True(t, m.Released())
	assert.Nil(t, m.Positions)
	assert.Nil(t, m.Normals)
	assert.Nil(t, m.Indices)
	assert.ErrorIs(t, m.WriteBinary(&bytes.Buffer{}), ErrReleased)
}

func TestReleaseWaitsForReaders(t *testing.T) {
	m, err := Generate(fullField(), 1, DefaultOptions())
	require.NoError(t, err)

	require.True(t, m.Acquire())
	m.Release()
	assert.True(t, m.Released())
	assert.False(t, m.Acquire(), "released mesh takes no new readers")

	// the reader that got in first still sees the whole buffer
	var buf bytes.Buffer
	require.NoError(t, m.WriteBinary(&buf))
	assert.Equal(t, m.BinarySize(), buf.Len())
	assert.Len(t, m.Positions, Resolution*Resolution*3)

	m.Done()
	assert.Nil(t, m.Positions)
	assert.Nil(t, m.Indices)
	assert.ErrorIs(t, m.WriteBinary(&bytes.Buffer{}), ErrReleased)

	// unmatched Done is harmless
	m.Done()
}

func TestWriteBinary(t *testing.T) {
	opts := DefaultOptions()
	opts.Columns, opts.Rows = 3, 2
	f := heightfield.New(3, 2)
	f.Values[4] = 1
	m, err := Generate(f, 2, opts)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, m.WriteBinary(&buf))
	require.Equal(t, m.BinarySize(), buf.Len())

	data := buf.Bytes()
	assert.Equal(t, BinaryMagic, string(data[:4]))
	le := binary.LittleEndian
	assert.Equal(t, uint32(1), le.Uint32(data[4:]))
	assert.Equal(t, uint32(3), le.Uint32(data[8:]))
	assert.Equal(t, uint32(2), le.Uint32(data[12:]))
	assert.Equal(t, uint32(6), le.Uint32(data[16:]))
	assert.Equal(t, uint32(12), le.Uint32(data[20:]))

	var got struct {
		Positions [18]float32
		Normals   [18]float32
		Indices   [12]uint32
	}
	require.NoError(t, binary.Read(bytes.NewReader(data[24:]), le, &got))
	assert.Equal(t, m.Positions, got.Positions[:])
	assert.Equal(t, m.Normals, got.Normals[:])
	assert.Equal(t, m.Indices, got.Indices[:])
}
