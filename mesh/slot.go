package mesh

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

var ErrReleased = errors.New("mesh: mesh has been released")

// Surface is the scene a mesh is rendered into.
type Surface interface {
	Attach(m *Mesh) error
	Detach(m *Mesh)
}

// Slot holds the one generated mesh that is attached to a surface. Replacing
// it detaches the previous mesh before the new one is attached and releases
// it once the new one is in, so at most one generated mesh is ever live.
type Slot struct {
	mu      sync.Mutex
	surface Surface
	current *Mesh
	log     *zap.Logger
}

func NewSlot(surface Surface, log *zap.Logger) *Slot {
	if log == nil {
		log = zap.NewNop()
	}
	return &Slot{surface: surface, log: log}
}

// Replace swaps in m. A nil m just clears the slot. If the surface refuses
// m, the previous mesh is attached again and stays current.
func (s *Slot) Replace(m *Mesh) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m != nil && m.Released() {
		return ErrReleased
	}
	prev := s.current
	if prev != nil {
		s.surface.Detach(prev)
	}
	if m != nil {
		if err := s.surface.Attach(m); err != nil {
			if prev != nil {
				if rerr := s.surface.Attach(prev); rerr != nil {
					s.log.Error("failed to restore previous mesh", zap.String("id", prev.ID), zap.Error(rerr))
					prev.Release()
					s.current = nil
				}
			}
			return err
		}
	}
	s.current = m
	if prev != nil {
		prev.Release()
		s.log.Debug("released mesh", zap.String("id", prev.ID))
	}
	if m != nil {
		s.log.Debug("attached mesh",
			zap.String("id", m.ID),
			zap.Int("vertices", m.VertexCount()),
			zap.Int("triangles", m.TriangleCount()))
	}
	return nil
}

// Current returns the attached mesh, or nil.
func (s *Slot) Current() *Mesh {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Slot) Clear() {
	_ = s.Replace(nil)
}

// MemorySurface is a headless Surface that records what is attached.
type MemorySurface struct {
	mu       sync.RWMutex
	attached map[string]*Mesh
	attaches int
	detaches int
}

func NewMemorySurface() *MemorySurface {
	return &MemorySurface{attached: make(map[string]*Mesh)}
}

func (s *MemorySurface) Attach(m *Mesh) error {
	if m.Released() {
		return ErrReleased
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached[m.ID] = m
	s.attaches++
	return nil
}

func (s *MemorySurface) Detach(m *Mesh) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attached[m.ID]; ok {
		delete(s.attached, m.ID)
		s.detaches++
	}
}

// Live returns the number of attached meshes with the given name.
func (s *MemorySurface) Live(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.attached {
		if m.Name == name {
			n++
		}
	}
	return n
}

// Counts returns the total number of attach and detach calls seen.
func (s *MemorySurface) Counts() (attaches, detaches int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attaches, s.detaches
}
