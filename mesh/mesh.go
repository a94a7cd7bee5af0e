// Package mesh builds displaced grid meshes from height fields and tracks
// the single mesh that is attached to a rendering surface.
package mesh

import (
	"errors"
	"fmt"
	"sync"

	"cogentcore.org/core/math32"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MaxShih147/Rushmore/heightfield"
)

const (
	// DefaultName identifies the generated relief mesh on a surface.
	DefaultName = "heightmapMesh"
	// Resolution is the working vertex count along each side.
	Resolution = 256
	// Extent is the world-space width and height of the plane.
	Extent = 5.0
)

var ErrNoField = errors.New("mesh: height field is nil")

// Material describes how the surface should shade the mesh.
type Material struct {
	Color      uint32 `json:"color"`
	DoubleSide bool   `json:"doubleSide"`
}

// DefaultMaterial is a light gray, double sided standard material.
func DefaultMaterial() Material {
	return Material{Color: 0xaaaaaa, DoubleSide: true}
}

// Options controls the grid that Generate builds.
type Options struct {
	Name     string
	Columns  int     // vertices per row
	Rows     int     // vertices per column
	Width    float32 // world-space extent along x
	Height   float32 // world-space extent along y
	Material Material
	Workers  int
}

// DefaultOptions is a 5x5 plane with 256x256 vertices.
func DefaultOptions() Options {
	return Options{
		Name:     DefaultName,
		Columns:  Resolution,
		Rows:     Resolution,
		Width:    Extent,
		Height:   Extent,
		Material: DefaultMaterial(),
		Workers:  heightfield.Workers,
	}
}

// Mesh is an indexed triangle grid. Positions and Normals hold three floats
// per vertex; Indices hold three vertex indices per triangle.
type Mesh struct {
	Name       string      `json:"name"`
	ID         string      `json:"id"`
	Columns    int         `json:"columns"`
	Rows       int         `json:"rows"`
	DepthScale float64     `json:"depthScale"`
	Positions  []float32   `json:"positions"`
	Normals    []float32   `json:"normals"`
	Indices    []uint32    `json:"indices"`
	Material   Material    `json:"material"`
	BBox       math32.Box3 `json:"bbox"`

	refMu    sync.Mutex
	readers  int
	released bool
	dropped  bool
}

// VertexCount returns the number of vertices.
func (m *Mesh) VertexCount() int {
	return len(m.Positions) / 3
}

// TriangleCount returns the number of triangles.
func (m *Mesh) TriangleCount() int {
	return len(m.Indices) / 3
}

// Z returns the displacement of the vertex at grid coordinate (x, y).
func (m *Mesh) Z(x, y int) float32 {
	return m.Positions[(y*m.Columns+x)*3+2]
}

// Release marks the mesh as released and drops the geometry buffers and
// material. While readers hold the mesh the buffers are kept until the last
// one calls Done. It is safe to call more than once.
func (m *Mesh) Release() {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	if m.released {
		return
	}
	m.released = true
	if m.readers == 0 {
		m.free()
	}
}

// Released reports whether Release has been called.
func (m *Mesh) Released() bool {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	return m.released
}

// Acquire registers a reader. Buffers stay intact until the matching Done,
// even if the mesh is released in between. It returns false when the mesh
// is already released.
func (m *Mesh) Acquire() bool {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	if m.released {
		return false
	}
	m.readers++
	return true
}

// Done ends a read started with Acquire.
func (m *Mesh) Done() {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	if m.readers == 0 {
		return
	}
	m.readers--
	if m.readers == 0 && m.released {
		m.free()
	}
}

func (m *Mesh) buffersDropped() bool {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	return m.dropped
}

// free drops the buffers. Callers hold refMu.
func (m *Mesh) free() {
	m.Positions = nil
	m.Normals = nil
	m.Indices = nil
	m.Material = Material{}
	m.dropped = true
}

// Generate builds a planar grid centered on the origin and displaces every
// vertex along z by field[y*Columns+x] * depthScale. Indices past the end of
// the field are treated as height 0. Normals are recomputed from the
// displaced geometry.
func Generate(f *heightfield.Field, depthScale float64, opts Options) (*Mesh, error) {
	if f == nil {
		return nil, ErrNoField
	}
	if opts.Columns < 2 || opts.Rows < 2 {
		return nil, fmt.Errorf("mesh: grid must be at least 2x2, got %dx%d", opts.Columns, opts.Rows)
	}
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	cols, rows := opts.Columns, opts.Rows
	m := &Mesh{
		Name:       opts.Name,
		ID:         uuid.NewString(),
		Columns:    cols,
		Rows:       rows,
		DepthScale: depthScale,
		Positions:  make([]float32, cols*rows*3),
		Normals:    make([]float32, cols*rows*3),
		Indices:    make([]uint32, 0, (cols-1)*(rows-1)*6),
		Material:   opts.Material,
	}

	segW := opts.Width / float32(cols-1)
	segH := opts.Height / float32(rows-1)
	halfW := opts.Width / 2
	halfH := opts.Height / 2

	var g errgroup.Group
	g.SetLimit(workers)
	for _, band := range heightfield.SplitRows(rows, workers) {
		lo, hi := band[0], band[1]
		g.Go(func() error {
			for iy := lo; iy < hi; iy++ {
				y := float32(iy)*segH - halfH
				for ix := 0; ix < cols; ix++ {
					i := iy*cols + ix
					var h float32
					if i < len(f.Values) {
						h = f.Values[i]
					}
					p := m.Positions[i*3 : i*3+3]
					p[0] = float32(ix)*segW - halfW
					p[1] = -y
					p[2] = float32(float64(h) * depthScale)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	for iy := 0; iy < rows-1; iy++ {
		for ix := 0; ix < cols-1; ix++ {
			a := uint32(ix + cols*iy)
			b := uint32(ix + cols*(iy+1))
			c := uint32(ix + 1 + cols*(iy+1))
			d := uint32(ix + 1 + cols*iy)
			m.Indices = append(m.Indices, a, b, d, b, c, d)
		}
	}

	m.computeNormals()
	m.BBox = bounds(m.Positions)
	return m, nil
}

// computeNormals accumulates the unnormalized face normal of every triangle
// into its three vertices and normalizes the sums.
func (m *Mesh) computeNormals() {
	pos := m.Positions
	norm := m.Normals
	for i := range norm {
		norm[i] = 0
	}

	vec := func(buf []float32, i uint32) math32.Vector3 {
		return math32.Vector3{X: buf[i*3], Y: buf[i*3+1], Z: buf[i*3+2]}
	}
	add := func(i uint32, n math32.Vector3) {
		norm[i*3] += n.X
		norm[i*3+1] += n.Y
		norm[i*3+2] += n.Z
	}

	for t := 0; t+2 < len(m.Indices); t += 3 {
		ia, ib, ic := m.Indices[t], m.Indices[t+1], m.Indices[t+2]
		pa, pb, pc := vec(pos, ia), vec(pos, ib), vec(pos, ic)
		n := pc.Sub(pb).Cross(pa.Sub(pb))
		add(ia, n)
		add(ib, n)
		add(ic, n)
	}

	for i := 0; i < len(norm)/3; i++ {
		n := vec(norm, uint32(i))
		if l := n.Length(); l > 0 {
			n = n.MulScalar(1 / l)
		}
		norm[i*3], norm[i*3+1], norm[i*3+2] = n.X, n.Y, n.Z
	}
}

func bounds(pos []float32) math32.Box3 {
	bb := math32.B3Empty()
	for i := 0; i+2 < len(pos); i += 3 {
		bb.ExpandByPoint(math32.Vector3{X: pos[i], Y: pos[i+1], Z: pos[i+2]})
	}
	return bb
}
