package mcast

import (
	"errors"
	"fmt"
)

/*
 * Chunk datagram format (all values big-endian):
 *
 * uint8     [0]      end-of-file flag (unused by the receiver)
 * uint24    [1..3]   payload size, low 20 bits (unused by the receiver)
 * uint8     [4]      file type
 * uint16    [5..6]   file id
 * uint8     [7]      reserved
 * uint24    [8..10]  chunk index (12 bits) | chunk count - 1 (12 bits)
 * uint8     [11]     reserved
 * uint8[]   [12..]   payload, zero padded to the datagram size
 */

const (
	// HeaderLen is the offset at which the chunk payload starts.
	HeaderLen = 12

	// MaxDatagram is the largest datagram the broadcaster sends.
	MaxDatagram = 1500

	// MaxChunks is the largest chunk count the 12-bit field can carry.
	MaxChunks = 0x1000
)

var (
	ErrShortDatagram = errors.New("datagram shorter than chunk header")
	ErrBadIndex      = errors.New("chunk index out of range")
	ErrCorrupt       = errors.New("chunk payload empty or corrupt")
)

// ChunkKey identifies one logical file within a session.
type ChunkKey struct {
	FileType uint8
	FileID   uint16
}

func (k ChunkKey) String() string {
	return fmt.Sprintf("%d-%d", k.FileType, k.FileID)
}

// Less orders keys by file type, then file id.
func (k ChunkKey) Less(o ChunkKey) bool {
	if k.FileType != o.FileType {
		return k.FileType < o.FileType
	}
	return k.FileID < o.FileID
}

// Chunk is one parsed datagram.
type Chunk struct {
	Key     ChunkKey
	Index   int
	Total   int
	Payload []byte
}

// ParseChunk decodes a datagram. The returned payload is a copy with the
// trailing zero padding removed.
func ParseChunk(b []byte) (Chunk, error) {
	if len(b) < 11 {
		return Chunk{}, ErrShortDatagram
	}
	c := Chunk{
		Key: ChunkKey{
			FileType: b[4],
			FileID:   uint16(b[5])<<8 | uint16(b[6]),
		},
		Index: (int(b[8])<<8 | int(b[9])) >> 4,
		Total: (int(b[9]&0x0F)<<8 | int(b[10])) + 1,
	}
	if c.Index >= c.Total {
		return Chunk{}, fmt.Errorf("%w: %d of %d", ErrBadIndex, c.Index, c.Total)
	}

	end := len(b) - 1
	for end >= 0 && b[end] == 0 {
		end--
	}
	// Bodies shorter than two bytes are padding noise, not chunks.
	if end <= HeaderLen {
		return Chunk{}, ErrCorrupt
	}
	c.Payload = make([]byte, end+1-HeaderLen)
	copy(c.Payload, b[HeaderLen:end+1])
	return c, nil
}

// AppendChunk encodes a chunk the way the broadcaster does, padding the
// datagram with zeros up to size (0 = no padding).
func AppendChunk(dst []byte, key ChunkKey, index, total int, payload []byte, size int) []byte {
	hdr := make([]byte, HeaderLen)
	n := len(payload)
	if index == total-1 {
		hdr[0] = 1
	}
	hdr[1] = byte(n>>16) & 0x0F
	hdr[2] = byte(n >> 8)
	hdr[3] = byte(n)
	hdr[4] = key.FileType
	hdr[5] = byte(key.FileID >> 8)
	hdr[6] = byte(key.FileID)
	last := total - 1
	hdr[8] = byte(index >> 4)
	hdr[9] = byte(index<<4) | byte(last>>8)&0x0F
	hdr[10] = byte(last)

	start := len(dst)
	dst = append(dst, hdr...)
	dst = append(dst, payload...)
	for len(dst)-start < size {
		dst = append(dst, 0)
	}
	return dst
}
