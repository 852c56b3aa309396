package sector

import (
	"fmt"
	"slices"
)

// MemStore keeps sectors in memory. Freed sectors are reused lowest first.
type MemStore struct {
	size    int
	sectors map[Sector][]byte
	free    []Sector // sorted ascending
	next    Sector
	meta    map[string][]byte

	// Reads counts Read calls; tests use it to observe lazy loading.
	Reads int
}

// NewMemStore creates an empty in-memory store. A size of zero selects DefaultSize.
func NewMemStore(size int) *MemStore {
	if size <= 0 {
		size = DefaultSize
	}
	return &MemStore{
		size:    size,
		sectors: make(map[Sector][]byte),
		next:    1,
		meta:    make(map[string][]byte),
	}
}

// SectorSize returns the sector size.
func (m *MemStore) SectorSize() int { return m.size }

// Read copies part of a sector image into buf.
func (m *MemStore) Read(buf []byte, sectors []Sector, offset uint32) error {
	m.Reads++
	return readSpan(buf, sectors, offset, m.size, func(s Sector) ([]byte, error) {
		data, ok := m.sectors[s]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrBadSector, s)
		}
		return data, nil
	})
}

// Write stores data and returns the sectors holding it.
func (m *MemStore) Write(data []byte) ([]Sector, error) {
	chunks := split(data, m.size)
	out := make([]Sector, 0, len(chunks))
	for _, chunk := range chunks {
		var s Sector
		if len(m.free) > 0 {
			s = m.free[0]
			m.free = m.free[1:]
		} else {
			s = m.next
			m.next++
		}
		m.sectors[s] = slices.Clone(chunk)
		out = append(out, s)
	}
	return out, nil
}

// Free releases sectors.
func (m *MemStore) Free(sectors []Sector) error {
	for _, s := range sectors {
		if _, ok := m.sectors[s]; !ok {
			return fmt.Errorf("%w: %d", ErrBadSector, s)
		}
		delete(m.sectors, s)
		i, _ := slices.BinarySearch(m.free, s)
		m.free = slices.Insert(m.free, i, s)
	}
	return nil
}

// InUse returns the number of allocated sectors.
func (m *MemStore) InUse() int { return len(m.sectors) }

// PutMeta stores a metadata blob.
func (m *MemStore) PutMeta(key string, data []byte) error {
	m.meta[key] = slices.Clone(data)
	return nil
}

// Meta returns a metadata blob.
func (m *MemStore) Meta(key string) ([]byte, error) {
	data, ok := m.meta[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoMeta, key)
	}
	return data, nil
}

// Close is a no-op.
func (m *MemStore) Close() error { return nil }
