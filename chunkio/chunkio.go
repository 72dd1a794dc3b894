package chunkio

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
)

// Chunk framing errors.
var (
	// ErrInvalidChecksum reports a chunk whose stored checksum does not match
	// its contents.
	ErrInvalidChecksum = errors.New("chunkio: invalid chunk checksum")

	// ErrTruncated reports a chunk whose declared length extends past the end
	// of the readable region.
	ErrTruncated = errors.New("chunkio: truncated chunk")
)

// HeaderSize is the encoded size of a chunk header: a 4-byte little-endian
// fragment length, a 4-byte CRC-32C, and a flags byte.
const HeaderSize = 9

// flagContinuation marks a chunk whose entry continues in the next chunk.
const flagContinuation = 1 << 0

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Chunk is the physical framing unit within a segment. One or more chunks
// compose one entry; every chunk except the last carries the continuation
// flag.
type Chunk struct {
	Fragment     []byte
	Continuation bool
}

// Size returns the encoded size of a chunk holding fragmentLen bytes.
func Size(fragmentLen int) int64 {
	return HeaderSize + int64(fragmentLen)
}

// Checksum computes the chunk checksum: a CRC-32C over the flags byte and
// the fragment, seeded with the owning segment's sequence number. Seeding
// with the sequence makes chunks left behind in a recycled segment file fail
// verification, so a recovery scan never replays them. It also makes the
// checksum of an empty fragment non-zero, so zero-filled preallocated space
// can never parse as a valid chunk.
func Checksum(sequence uint64, flags byte, fragment []byte) uint32 {
	var seed [9]byte
	binary.LittleEndian.PutUint64(seed[:8], sequence)
	seed[8] = flags

	crc := crc32.Update(0, castagnoli, seed[:])
	return crc32.Update(crc, castagnoli, fragment)
}

// Append encodes c for a segment with the given sequence number and appends
// the encoded bytes to dst.
func Append(dst []byte, sequence uint64, c Chunk) []byte {
	var flags byte
	if c.Continuation {
		flags |= flagContinuation
	}

	var header [HeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(c.Fragment)))
	binary.LittleEndian.PutUint32(header[4:8], Checksum(sequence, flags, c.Fragment))
	header[8] = flags

	dst = append(dst, header[:]...)
	return append(dst, c.Fragment...)
}

// Reader decodes chunks sequentially from a byte region of a segment file.
//
// Next distinguishes three terminal conditions: io.EOF when the region is
// exhausted or only zero-filled preallocated space remains, ErrTruncated
// when a chunk declares more bytes than the region holds, and
// ErrInvalidChecksum when a fully-present chunk fails verification. The
// caller decides whether a failure is a torn tail or corruption.
type Reader struct {
	r        io.ReaderAt
	sequence uint64
	off      int64
	end      int64
	declared int64
}

// NewReader decodes chunks of the segment with the given sequence number
// from the region [start, end) of r.
func NewReader(r io.ReaderAt, sequence uint64, start, end int64) *Reader {
	return &Reader{r: r, sequence: sequence, off: start, end: end}
}

// Offset returns the position of the next chunk to be read. After a failed
// Next it is the position of the failed chunk.
func (r *Reader) Offset() int64 {
	return r.off
}

// DeclaredEnd returns the end position the failed chunk declared for itself.
// It is meaningful only after Next returned ErrInvalidChecksum.
func (r *Reader) DeclaredEnd() int64 {
	return r.declared
}

// Next decodes the chunk at the current offset and advances past it.
func (r *Reader) Next() (Chunk, error) {
	if r.off >= r.end {
		return Chunk{}, io.EOF
	}

	remaining := r.end - r.off
	if remaining < HeaderSize {
		header := make([]byte, remaining)
		if _, err := r.r.ReadAt(header, r.off); err != nil && err != io.EOF {
			return Chunk{}, err
		}
		if allZero(header) {
			return Chunk{}, io.EOF
		}
		return Chunk{}, ErrTruncated
	}

	var header [HeaderSize]byte
	if _, err := r.r.ReadAt(header[:], r.off); err != nil && err != io.EOF {
		return Chunk{}, err
	}
	if allZero(header[:]) {
		// Unwritten preallocated space; the log ends here.
		return Chunk{}, io.EOF
	}

	length := int64(binary.LittleEndian.Uint32(header[0:4]))
	stored := binary.LittleEndian.Uint32(header[4:8])
	flags := header[8]

	if length > remaining-HeaderSize {
		return Chunk{}, ErrTruncated
	}

	fragment := make([]byte, length)
	if _, err := r.r.ReadAt(fragment, r.off+HeaderSize); err != nil && err != io.EOF {
		return Chunk{}, err
	}

	if Checksum(r.sequence, flags, fragment) != stored {
		r.declared = r.off + HeaderSize + length
		return Chunk{}, ErrInvalidChecksum
	}

	r.off += HeaderSize + length
	return Chunk{
		Fragment:     fragment,
		Continuation: flags&flagContinuation != 0,
	}, nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
