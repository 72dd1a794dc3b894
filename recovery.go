package chunklog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/davidvella/chunklog/chunkio"
	"github.com/davidvella/chunklog/segment"
)

// recover scans the log directory, replays every intact entry through the
// log manager in LSN order and positions the writer after the last valid
// byte.
func (w *WriteAheadLog) recover() error {
	names, err := w.backend.List()
	if err != nil {
		return err
	}

	var (
		sequences []uint64
		recycled  []string
	)
	for _, name := range names {
		if sequence, ok := segment.ParseName(name); ok {
			sequences = append(sequences, sequence)
			continue
		}
		if strings.HasSuffix(name, recycledSuffix) {
			recycled = append(recycled, name)
		}
	}
	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })

	w.cp.adoptRecycled(recycled)

	sequences, err = w.dropUnreadableTail(sequences)
	if err != nil {
		return err
	}
	if len(sequences) == 0 {
		return w.startFresh()
	}

	r := &replayer{
		w:         w,
		sequences: sequences,
		infos:     make([]SegmentInfo, len(sequences)),
	}
	if err := r.run(); err != nil {
		return err
	}
	return w.resume(r)
}

// startFresh initializes an empty log directory.
func (w *WriteAheadLog) startFresh() error {
	w.nextSequence = 1
	w.nextLSN = 1

	active, err := w.newSegmentLocked(false)
	if err != nil {
		return err
	}
	w.active = active
	return nil
}

// dropUnreadableTail removes a trailing segment file whose header does not
// parse. A crash between preallocation and the first buffer flush leaves the
// newest file zero-filled or with a partially written header; it cannot hold
// replayable data and would otherwise fail the open. A bad header on any
// earlier segment is still corruption, handled by the scan.
func (w *WriteAheadLog) dropUnreadableTail(sequences []uint64) ([]uint64, error) {
	for len(sequences) > 0 {
		name := segment.Name(sequences[len(sequences)-1])
		ro, err := w.backend.OpenReadOnly(name)
		if err != nil {
			return nil, err
		}

		_, _, err = segment.ReadHeader(ro)
		ro.Close()
		if err == nil {
			return sequences, nil
		}
		if !errors.Is(err, segment.ErrBadHeader) {
			return nil, err
		}

		if err := w.backend.Remove(name); err != nil {
			return nil, err
		}
		sequences = sequences[:len(sequences)-1]
	}
	return sequences, nil
}

// resume installs the writer state the replay determined: the segment the
// log ends in reopened at the end of its valid data, or a fresh segment when
// that one held nothing but fragments of a torn entry. Segments past the
// torn tail were never scanned and are removed.
func (w *WriteAheadLog) resume(r *replayer) error {
	last := len(r.sequences) - 1

	w.nextLSN = 1
	if r.haveEntries {
		w.nextLSN = r.lastLSN + 1
	}
	if base := r.lastHeader.BaseLSN; base > w.nextLSN {
		w.nextLSN = base
	}
	w.nextSequence = r.sequences[last] + 1
	w.recoveredVersion = r.lastHeader.VersionInfo

	if r.torn && r.tornSpansBack {
		// The torn entry began in an earlier, sealed segment. Everything
		// from there on is fragments of that entry; the files holding only
		// fragments are removed and writing restarts in a fresh segment.
		return w.restartAfter(r, r.tornFrom)
	}

	resumeAt := last
	if r.torn {
		resumeAt = r.tornSegment
	}
	for i := resumeAt + 1; i <= last; i++ {
		if err := w.backend.Remove(segment.Name(r.sequences[i])); err != nil {
			return err
		}
	}
	if resumeAt < last {
		if err := w.backend.Sync(); err != nil {
			return err
		}
	}

	for i := 0; i < resumeAt; i++ {
		w.cp.registerSealedLocked(r.infos[i])
	}

	active, err := segment.Resume(w.backend, r.lastHeader, r.lastEnd, w.cfg.BufferBytes)
	if err != nil {
		return err
	}
	w.active = active
	w.activeFirstLSN = r.infos[resumeAt].FirstLSN
	w.activeLastLSN = r.infos[resumeAt].LastLSN
	w.sinceCheckpoint = uint64(r.lastEnd - r.lastHdrLen)
	return nil
}

// restartAfter removes every segment past index keep, registers the kept
// ones and installs a fresh active segment.
func (w *WriteAheadLog) restartAfter(r *replayer, keep int) error {
	for i := keep + 1; i < len(r.sequences); i++ {
		if err := w.backend.Remove(segment.Name(r.sequences[i])); err != nil {
			return err
		}
	}
	if err := w.backend.Sync(); err != nil {
		return err
	}
	for i := 0; i <= keep; i++ {
		w.cp.registerSealedLocked(r.infos[i])
	}

	active, err := w.newSegmentLocked(false)
	if err != nil {
		return err
	}
	w.active = active
	return nil
}

// replayer walks the segments in sequence order, assembling entries across
// continuation chunks and segment boundaries.
//
// Failure handling follows the seal marker: inside a sealed region every
// chunk must verify, so a failure there is corruption. In an unsealed
// segment a failure is the torn tail a crash left behind, unless a valid
// chunk follows it, which proves real data was written past the failure.
type replayer struct {
	w         *WriteAheadLog
	sequences []uint64
	infos     []SegmentInfo

	// pending accumulates fragments of the entry being assembled.
	pending      []byte
	pendingFrom  int
	pendingStart int64

	// skipping discards leading continuation chunks whose entry head was
	// reclaimed along with its segment.
	skipping bool

	haveEntries bool
	lastLSN     uint64

	torn          bool
	tornSegment   int
	tornSpansBack bool
	tornFrom      int

	lastEnd    int64
	lastHeader segment.Header
	lastHdrLen int64
}

func (r *replayer) run() error {
	for i := range r.sequences {
		if err := r.scanSegment(i); err != nil {
			return err
		}
		if r.torn {
			// The log ends at the torn chunk. Later segments are not
			// scanned; whatever they hold follows a gap and is discarded
			// with the tail.
			return nil
		}
	}

	if r.pending != nil {
		// The log ends mid-entry; the crash hit between fragment writes.
		r.markTorn(len(r.sequences)-1, r.pendingStart)
	}
	return nil
}

func (r *replayer) scanSegment(i int) error {
	sequence := r.sequences[i]
	name := segment.Name(sequence)

	ro, err := r.w.backend.OpenReadOnly(name)
	if err != nil {
		return err
	}
	defer ro.Close()

	header, headerLen, err := segment.ReadHeader(ro)
	if err != nil {
		return fmt.Errorf("%w: segment %s: %v", ErrCorruption, name, err)
	}
	if header.Sequence != sequence {
		return fmt.Errorf("%w: segment %s claims sequence %d", ErrCorruption, name, header.Sequence)
	}
	r.infos[i] = SegmentInfo{Sequence: sequence}
	r.lastHeader = header
	r.lastHdrLen = headerLen

	size := int64(ro.Len())
	sealed := header.SealedBytes != 0
	end := size
	if sealed {
		end = int64(header.SealedBytes)
		if end < headerLen || end > size {
			return fmt.Errorf("%w: segment %s: seal marker %d outside file", ErrCorruption, name, end)
		}
	}

	// Resolve the entry carried over from the previous segment.
	r.skipping = false
	if r.pending != nil && !header.ContinuesEntry {
		// Nothing continues the entry whose head dangles in the previous
		// segment; the crash hit during the roll.
		r.discardPending()
		r.w.metrics.TornTails.Inc()
	}
	if r.pending == nil && header.ContinuesEntry {
		// The head of the entry these leading chunks belong to was
		// reclaimed along with its segment; the chunks carry no entry.
		r.skipping = true
	}

	reader := chunkio.NewReader(ro, sequence, headerLen, end)
	for {
		off := reader.Offset()
		chunk, err := reader.Next()
		if err == io.EOF {
			if sealed && off < end {
				return fmt.Errorf("%w: segment %s: unwritten space inside sealed region", ErrCorruption, name)
			}
			r.lastEnd = off
			return nil
		}
		if err != nil {
			return r.resolveFailure(i, name, ro, reader, sealed, end, err)
		}

		if r.skipping {
			if !chunk.Continuation {
				r.skipping = false
			}
			continue
		}

		if r.pending == nil {
			r.pendingFrom = i
			r.pendingStart = off
		}
		r.pending = append(r.pending, chunk.Fragment...)

		if !chunk.Continuation {
			if err := r.completeEntry(i, name); err != nil {
				return err
			}
		}
	}
}

// completeEntry replays the assembled entry and credits its LSN to every
// segment it touches.
func (r *replayer) completeEntry(i int, name string) error {
	if len(r.pending) < lsnPrefixSize {
		return fmt.Errorf("%w: segment %s: entry shorter than its sequence prefix", ErrCorruption, name)
	}

	lsn := binary.LittleEndian.Uint64(r.pending[:lsnPrefixSize])
	if r.haveEntries && lsn <= r.lastLSN {
		return fmt.Errorf("%w: segment %s: entry sequence %d after %d", ErrCorruption, name, lsn, r.lastLSN)
	}

	if err := r.w.manager.Recover(lsn, r.pending[lsnPrefixSize:]); err != nil {
		return fmt.Errorf("%w: %w", ErrRecoveryAborted, err)
	}

	for j := r.pendingFrom; j <= i; j++ {
		if r.infos[j].FirstLSN == 0 {
			r.infos[j].FirstLSN = lsn
		}
		r.infos[j].LastLSN = lsn
	}

	r.haveEntries = true
	r.lastLSN = lsn
	r.discardPending()
	return nil
}

// resolveFailure classifies a chunk failure. In a sealed region it is
// corruption outright. In an unsealed segment it is a torn tail, unless a
// valid chunk parses right after the failed one, which means written data
// follows and the damage sits in the middle.
func (r *replayer) resolveFailure(i int, name string, ro io.ReaderAt, reader *chunkio.Reader, sealed bool, end int64, err error) error {
	if sealed {
		return fmt.Errorf("%w: segment %s at offset %d: %v", ErrCorruption, name, reader.Offset(), err)
	}

	switch {
	case errors.Is(err, chunkio.ErrInvalidChecksum):
		if validChunkAt(ro, r.sequences[i], reader.DeclaredEnd(), end) {
			return fmt.Errorf("%w: segment %s at offset %d: %v", ErrCorruption, name, reader.Offset(), err)
		}
	case errors.Is(err, chunkio.ErrTruncated):
	default:
		return err
	}

	r.markTorn(i, reader.Offset())
	return nil
}

// markTorn records a torn tail at the given offset of segment i and discards
// the entry being assembled. When that entry began in segment i the torn
// region starts at its first chunk instead, so resuming overwrites all of it.
func (r *replayer) markTorn(i int, offset int64) {
	r.tornSpansBack = false
	if r.pending != nil {
		if r.pendingFrom == i {
			offset = r.pendingStart
		} else {
			r.tornSpansBack = true
			r.tornFrom = r.pendingFrom
		}
	}
	r.discardPending()

	r.torn = true
	r.tornSegment = i
	r.lastEnd = offset
	r.w.metrics.TornTails.Inc()
}

func (r *replayer) discardPending() {
	r.pending = nil
	r.pendingStart = 0
}

// validChunkAt reports whether a verifiable chunk starts at off.
func validChunkAt(ro io.ReaderAt, sequence uint64, off, end int64) bool {
	if off <= 0 || off >= end {
		return false
	}
	_, err := chunkio.NewReader(ro, sequence, off, end).Next()
	return err == nil
}
