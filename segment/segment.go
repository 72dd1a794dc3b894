package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/davidvella/chunklog/chunkio"
	"github.com/davidvella/chunklog/storage"
)

// Common errors returned by segment operations.
var (
	ErrSegmentFull     = errors.New("segment: insufficient preallocated space")
	ErrSealed          = errors.New("segment: segment is sealed")
	ErrBadHeader       = errors.New("segment: invalid segment header")
	ErrVersionTooLarge = errors.New("segment: version info exceeds 255 bytes")
)

// File format constants.
const (
	fileSuffix    = ".wal"
	formatVersion = 1

	// flagContinuesEntry marks a segment whose first chunk continues an
	// entry that began in the previous segment.
	flagContinuesEntry = 1 << 0

	// sealedLenOffset is the fixed position of the sealed-length field. It
	// is zero while the segment is writable and patched to the final used
	// length when the segment is sealed.
	sealedLenOffset = 4 + 1 + 1 + 8 + 8

	// fixedHeaderSize covers everything before the variable version info:
	// magic, format byte, flags byte, sequence, preallocated extent, sealed
	// length, base LSN and the version info length byte.
	fixedHeaderSize = 4 + 1 + 1 + 8 + 8 + 8 + 8 + 1
)

// magic identifies a chunklog segment file.
var magic = []byte{'C', 'L', 'O', 'G'}

// Name returns the file name of the segment with the given sequence number.
func Name(sequence uint64) string {
	return fmt.Sprintf("%016d%s", sequence, fileSuffix)
}

// ParseName extracts the sequence number from a segment file name. It
// reports false for files that are not segment files.
func ParseName(name string) (uint64, bool) {
	base, ok := strings.CutSuffix(name, fileSuffix)
	if !ok || len(base) != 16 {
		return 0, false
	}
	sequence, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return sequence, true
}

// Header is the fixed metadata at the start of every segment file.
type Header struct {
	// Sequence is the segment's monotonically increasing sequence number.
	Sequence uint64

	// PreallocatedBytes is the extent size the segment was created with.
	PreallocatedBytes uint64

	// SealedBytes is the used length recorded when the segment was sealed,
	// or zero for a segment that was still writable. Inside a sealed
	// region every chunk must verify; a failure there is corruption, not a
	// torn tail.
	SealedBytes uint64

	// BaseLSN is the next log sequence number at the time the segment was
	// created. Every entry in the segment has an LSN at or above it, so
	// recovery can keep LSNs monotonic even when all older segments have
	// been reclaimed.
	BaseLSN uint64

	// ContinuesEntry reports that the segment's first chunk continues an
	// entry that began in the previous segment.
	ContinuesEntry bool

	// VersionInfo is the caller-supplied format tag, at most 255 bytes.
	VersionInfo []byte
}

// EncodedLen returns the encoded header size in bytes.
func (h Header) EncodedLen() int {
	return fixedHeaderSize + len(h.VersionInfo)
}

func (h Header) append(dst []byte) ([]byte, error) {
	if len(h.VersionInfo) > 255 {
		return nil, ErrVersionTooLarge
	}

	var flags byte
	if h.ContinuesEntry {
		flags |= flagContinuesEntry
	}

	dst = append(dst, magic...)
	dst = append(dst, formatVersion, flags)
	dst = binary.LittleEndian.AppendUint64(dst, h.Sequence)
	dst = binary.LittleEndian.AppendUint64(dst, h.PreallocatedBytes)
	dst = binary.LittleEndian.AppendUint64(dst, h.SealedBytes)
	dst = binary.LittleEndian.AppendUint64(dst, h.BaseLSN)
	dst = append(dst, byte(len(h.VersionInfo)))
	return append(dst, h.VersionInfo...), nil
}

// ReadHeader decodes the header at the start of r and returns it along with
// its encoded length.
func ReadHeader(r io.ReaderAt) (Header, int64, error) {
	fixed := make([]byte, fixedHeaderSize)
	if _, err := r.ReadAt(fixed, 0); err != nil {
		if err == io.EOF {
			return Header{}, 0, ErrBadHeader
		}
		return Header{}, 0, fmt.Errorf("segment: failed to read header: %w", err)
	}

	if string(fixed[:4]) != string(magic) {
		return Header{}, 0, ErrBadHeader
	}
	if fixed[4] != formatVersion {
		return Header{}, 0, fmt.Errorf("%w: unsupported format version %d", ErrBadHeader, fixed[4])
	}

	header := Header{
		ContinuesEntry:    fixed[5]&flagContinuesEntry != 0,
		Sequence:          binary.LittleEndian.Uint64(fixed[6:14]),
		PreallocatedBytes: binary.LittleEndian.Uint64(fixed[14:22]),
		SealedBytes:       binary.LittleEndian.Uint64(fixed[22:30]),
		BaseLSN:           binary.LittleEndian.Uint64(fixed[30:38]),
	}

	versionLen := int(fixed[38])
	if versionLen > 0 {
		header.VersionInfo = make([]byte, versionLen)
		if _, err := r.ReadAt(header.VersionInfo, fixedHeaderSize); err != nil {
			if err == io.EOF {
				return Header{}, 0, ErrBadHeader
			}
			return Header{}, 0, fmt.Errorf("segment: failed to read version info: %w", err)
		}
	}

	return header, int64(header.EncodedLen()), nil
}

// Segment is one on-disk log file while it is writable. It owns the write
// cursor and a write buffer; callers serialize access externally.
type Segment struct {
	file     storage.File
	header   Header
	name     string
	extent   int64
	cursor   int64
	flushOff int64
	buf      []byte
	sealed   bool
}

// Create creates and preallocates a new segment file, writing the header
// described by header. Header.SealedBytes must be zero.
func Create(backend storage.Backend, header Header, bufferBytes int) (*Segment, error) {
	if len(header.VersionInfo) > 255 {
		return nil, ErrVersionTooLarge
	}

	name := Name(header.Sequence)
	extent := int64(header.PreallocatedBytes)
	file, err := backend.CreatePreallocated(name, extent)
	if err != nil {
		return nil, err
	}
	if err := backend.Sync(); err != nil {
		file.Close()
		return nil, err
	}

	s := newSegment(file, header, name, extent, bufferBytes)
	if err := s.writeHeader(); err != nil {
		file.Close()
		return nil, err
	}
	return s, nil
}

// Reuse turns a reclaimed segment file into a fresh segment with a new
// header. The old contents are left in place past the header; the
// sequence-seeded chunk checksums guarantee they can never be replayed.
func Reuse(backend storage.Backend, oldName string, header Header, bufferBytes int) (*Segment, error) {
	if len(header.VersionInfo) > 255 {
		return nil, ErrVersionTooLarge
	}

	name := Name(header.Sequence)
	if err := backend.Rename(oldName, name); err != nil {
		return nil, err
	}

	// After the rename the file carries the new sequence in its name but
	// the old one in its header. Failing here must take the file with it,
	// or a later recovery finds the mismatch and refuses to open.
	fail := func(err error) (*Segment, error) {
		backend.Remove(name)
		return nil, err
	}

	if err := backend.Sync(); err != nil {
		return fail(err)
	}

	extent := int64(header.PreallocatedBytes)
	size, err := backend.Size(name)
	if err != nil {
		return fail(err)
	}
	if size > extent {
		// The file grew past its extent in a previous life; shrink it back.
		if err := backend.Truncate(name, extent); err != nil {
			return fail(err)
		}
	}

	file, err := backend.OpenExisting(name)
	if err != nil {
		return fail(err)
	}

	s := newSegment(file, header, name, extent, bufferBytes)
	if err := s.writeHeader(); err != nil {
		file.Close()
		return fail(err)
	}
	return s, nil
}

// Resume reopens an existing segment for writing after recovery determined
// that cursor is the end of its valid data. A sealed-length marker left by
// a clean close is cleared, since appends past it are about to begin.
func Resume(backend storage.Backend, header Header, cursor int64, bufferBytes int) (*Segment, error) {
	name := Name(header.Sequence)
	file, err := backend.OpenExisting(name)
	if err != nil {
		return nil, err
	}

	if header.SealedBytes != 0 {
		var zero [8]byte
		if _, err := file.WriteAt(zero[:], sealedLenOffset); err != nil {
			file.Close()
			return nil, fmt.Errorf("segment: failed to clear seal marker: %w", err)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return nil, fmt.Errorf("segment: failed to clear seal marker: %w", err)
		}
		header.SealedBytes = 0
	}

	s := newSegment(file, header, name, int64(header.PreallocatedBytes), bufferBytes)
	s.cursor = cursor
	s.flushOff = cursor
	return s, nil
}

func newSegment(file storage.File, header Header, name string, extent int64, bufferBytes int) *Segment {
	headerLen := int64(header.EncodedLen())
	return &Segment{
		file:     file,
		header:   header,
		name:     name,
		extent:   extent,
		cursor:   headerLen,
		flushOff: 0,
		buf:      make([]byte, 0, bufferBytes),
	}
}

func (s *Segment) writeHeader() error {
	encoded, err := s.header.append(s.buf)
	if err != nil {
		return err
	}
	s.buf = encoded
	return nil
}

// Sequence returns the segment's sequence number.
func (s *Segment) Sequence() uint64 {
	return s.header.Sequence
}

// Name returns the segment's file name.
func (s *Segment) Name() string {
	return s.name
}

// Header returns the segment's header.
func (s *Segment) Header() Header {
	return s.header
}

// Cursor returns the offset at which the next chunk will be written. All
// bytes before it are committed at least to the write buffer.
func (s *Segment) Cursor() int64 {
	return s.cursor
}

// FragmentFit returns the largest fragment size whose chunk still fits in
// the remaining preallocated extent, which may be negative when not even a
// chunk header fits.
func (s *Segment) FragmentFit() int64 {
	return s.extent - s.cursor - chunkio.HeaderSize
}

// AppendChunk writes one chunk at the current cursor and returns the offset
// it was written at. It fails with ErrSegmentFull when the chunk does not
// fit the remaining preallocated extent.
func (s *Segment) AppendChunk(fragment []byte, continuation bool) (int64, error) {
	if s.sealed {
		return 0, ErrSealed
	}
	size := chunkio.Size(len(fragment))
	if s.cursor+size > s.extent {
		return 0, ErrSegmentFull
	}

	offset := s.cursor
	chunk := chunkio.Chunk{Fragment: fragment, Continuation: continuation}

	if len(s.buf)+int(size) > cap(s.buf) {
		if err := s.Flush(); err != nil {
			return 0, err
		}
	}

	if int(size) > cap(s.buf) {
		// Oversized chunk; bypass the buffer.
		encoded := chunkio.Append(nil, s.header.Sequence, chunk)
		if _, err := s.file.WriteAt(encoded, s.flushOff); err != nil {
			return 0, fmt.Errorf("segment: write failed: %w", err)
		}
		s.flushOff += size
	} else {
		s.buf = chunkio.Append(s.buf, s.header.Sequence, chunk)
	}

	s.cursor += size
	return offset, nil
}

// Rewind moves the cursor back to a previously observed position, dropping
// whatever buffered bytes lie past it. Callers use it to unwind a partially
// written chunk after a write failure; the next append overwrites anything
// already flushed past the restored cursor.
func (s *Segment) Rewind(cursor int64) {
	if cursor >= s.flushOff {
		s.buf = s.buf[:cursor-s.flushOff]
	} else {
		s.buf = s.buf[:0]
		s.flushOff = cursor
	}
	s.cursor = cursor
}

// Flush drains the write buffer to the backend.
func (s *Segment) Flush() error {
	if len(s.buf) == 0 {
		return nil
	}
	if _, err := s.file.WriteAt(s.buf, s.flushOff); err != nil {
		return fmt.Errorf("segment: flush failed: %w", err)
	}
	s.flushOff += int64(len(s.buf))
	s.buf = s.buf[:0]
	return nil
}

// Sync flushes the buffer and forces all written bytes to durable storage.
func (s *Segment) Sync() error {
	if err := s.Flush(); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("segment: sync failed: %w", err)
	}
	return nil
}

// Seal makes the segment immutable for new writes and durably records its
// final used length in the header. The data is synced before the marker is
// written, so a crash between the two leaves the segment unsealed rather
// than sealed with unsynced contents.
func (s *Segment) Seal() error {
	if s.sealed {
		return nil
	}
	if err := s.Sync(); err != nil {
		return err
	}

	var marker [8]byte
	binary.LittleEndian.PutUint64(marker[:], uint64(s.cursor))
	if _, err := s.file.WriteAt(marker[:], sealedLenOffset); err != nil {
		return fmt.Errorf("segment: failed to write seal marker: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("segment: failed to sync seal marker: %w", err)
	}

	s.header.SealedBytes = uint64(s.cursor)
	s.sealed = true
	return nil
}

// Sealed reports whether the segment has been sealed.
func (s *Segment) Sealed() bool {
	return s.sealed
}

// Close flushes any buffered bytes and closes the underlying file.
func (s *Segment) Close() error {
	if !s.sealed {
		if err := s.Flush(); err != nil {
			return err
		}
	}
	return s.file.Close()
}
