package mesh

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// BinaryMagic starts every encoded mesh.
const BinaryMagic = "RSHM"

const binaryVersion uint32 = 1

// WriteBinary encodes the mesh as little endian: magic, version, columns,
// rows, vertex count and index count as uint32, followed by positions,
// normals and indices.
func (m *Mesh) WriteBinary(w io.Writer) error {
	if m.buffersDropped() {
		return ErrReleased
	}
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(BinaryMagic); err != nil {
		return err
	}
	header := []uint32{
		binaryVersion,
		uint32(m.Columns),
		uint32(m.Rows),
		uint32(m.VertexCount()),
		uint32(len(m.Indices)),
	}
	for _, body := range []any{header, m.Positions, m.Normals, m.Indices} {
		if err := binary.Write(bw, binary.LittleEndian, body); err != nil {
			return fmt.Errorf("encode mesh: %w", err)
		}
	}
	return bw.Flush()
}

// BinarySize is the number of bytes WriteBinary produces.
func (m *Mesh) BinarySize() int {
	return len(BinaryMagic) + 5*4 + len(m.Positions)*4 + len(m.Normals)*4 + len(m.Indices)*4
}
