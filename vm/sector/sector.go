// Package sector implements the swap store used by dataspaces: a flat space
// of fixed-size sectors addressed by number, plus a small key/value area for
// metadata such as object table snapshots.
//
// A dataspace is written as one contiguous byte image spread over a list of
// sectors. Readers address that image by byte offset, so a caller can page in
// one section of a dataspace without reading the rest.
package sector

import (
	"errors"
	"fmt"
)

// Sector is a sector number. Zero is never allocated.
type Sector uint32

// DefaultSize is the sector size used when none is configured.
const DefaultSize = 512

var (
	// ErrBadSector indicates a sector number that was never written or was freed.
	ErrBadSector = errors.New("sector: bad sector")

	// ErrShortRead indicates a read past the end of the sector list.
	ErrShortRead = errors.New("sector: read past end of sectors")

	// ErrNoMeta indicates a missing metadata key.
	ErrNoMeta = errors.New("sector: no such metadata key")
)

// ReadFunc reads len(buf) bytes starting at byte offset of the image stored in
// sectors. It must be idempotent; dataspace loading calls it once per section.
type ReadFunc func(buf []byte, sectors []Sector, offset uint32) error

// Store is the secondary storage collaborator.
type Store interface {
	// SectorSize returns the number of bytes held by one sector.
	SectorSize() int

	// Read implements ReadFunc.
	Read(buf []byte, sectors []Sector, offset uint32) error

	// Write stores data in freshly allocated sectors and returns them in order.
	Write(data []byte) ([]Sector, error)

	// Free returns sectors to the free list.
	Free(sectors []Sector) error

	PutMeta(key string, data []byte) error
	Meta(key string) ([]byte, error)

	Close() error
}

// Count returns the number of sectors needed to hold n bytes.
func Count(n, size int) int {
	if n == 0 {
		return 0
	}
	return (n + size - 1) / size
}

// readSpan copies the byte range [offset, offset+len(buf)) of the image held in
// sectors into buf, fetching each touched sector once.
func readSpan(buf []byte, sectors []Sector, offset uint32, size int, fetch func(Sector) ([]byte, error)) error {
	pos := int(offset)
	for done := 0; done < len(buf); {
		idx := pos / size
		if idx >= len(sectors) {
			return fmt.Errorf("%w: offset %d, %d sectors", ErrShortRead, pos, len(sectors))
		}
		data, err := fetch(sectors[idx])
		if err != nil {
			return err
		}
		within := pos % size
		if within >= len(data) {
			return fmt.Errorf("%w: sector %d holds %d bytes", ErrShortRead, sectors[idx], len(data))
		}
		n := copy(buf[done:], data[within:])
		done += n
		pos += n
	}
	return nil
}

// split cuts data into sector-sized chunks.
func split(data []byte, size int) [][]byte {
	chunks := make([][]byte, 0, Count(len(data), size))
	for len(data) > 0 {
		n := min(size, len(data))
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}
