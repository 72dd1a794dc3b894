package chunklog

import (
	"encoding/binary"
	"fmt"

	"github.com/davidvella/chunklog/chunkio"
	"github.com/davidvella/chunklog/segment"
	"github.com/davidvella/chunklog/storage"
)

// lsnPrefixSize is the length of the little-endian LSN prepended to every
// entry payload before framing. The prefix travels with the entry, so its
// LSN survives segment recycling and is available during recovery.
const lsnPrefixSize = 8

func (w *WriteAheadLog) appendLocked(data []byte, mode DurabilityMode) (LogPosition, error) {
	if w.closed {
		return LogPosition{}, ErrClosed
	}
	if w.sticky != nil {
		return LogPosition{}, w.sticky
	}
	if err := w.takeDeferredLocked(); err != nil {
		return LogPosition{}, err
	}
	if err := w.admitLocked(int64(len(data))); err != nil {
		return LogPosition{}, err
	}

	lsn := w.nextLSN
	entry := make([]byte, 0, lsnPrefixSize+len(data))
	entry = binary.LittleEndian.AppendUint64(entry, lsn)
	entry = append(entry, data...)

	pos, err := w.writeEntryLocked(lsn, entry)
	if err != nil {
		return LogPosition{}, err
	}
	pos.LSN = lsn

	w.nextLSN++
	w.activeLastLSN = lsn
	w.metrics.Appends.Inc()

	if mode == Synced {
		if err := w.active.Sync(); err != nil {
			return LogPosition{}, err
		}
		w.metrics.Syncs.Inc()
	}

	if w.sinceCheckpoint >= w.cfg.CheckpointAfterBytes {
		w.cp.trigger()
	}
	return pos, nil
}

// writeEntryLocked frames entry into one or more chunks, rolling to a new
// segment whenever the current extent runs out. The entry splits only at
// extent exhaustion, never sooner.
func (w *WriteAheadLog) writeEntryLocked(lsn uint64, entry []byte) (LogPosition, error) {
	if w.activeFirstLSN == 0 {
		w.activeFirstLSN = lsn
	}

	startCursor := w.active.Cursor()
	pos := LogPosition{Segment: w.active.Sequence(), Offset: startCursor}
	spanned := false

	rest := entry
	for {
		fit := w.active.FragmentFit()
		if fit >= int64(len(rest)) {
			if _, err := w.active.AppendChunk(rest, false); err != nil {
				return LogPosition{}, w.unwindWriteLocked(spanned, startCursor, err)
			}
			w.accountWriteLocked(chunkio.Size(len(rest)))
			return pos, nil
		}

		if fit > 0 {
			if _, err := w.active.AppendChunk(rest[:fit], true); err != nil {
				return LogPosition{}, w.unwindWriteLocked(spanned, startCursor, err)
			}
			w.accountWriteLocked(chunkio.Size(int(fit)))
			rest = rest[fit:]
			spanned = true
		}

		if err := w.rollActiveLocked(lsn, spanned); err != nil {
			return LogPosition{}, w.unwindWriteLocked(spanned, startCursor, err)
		}
		if !spanned {
			// The entry starts over in the fresh segment.
			startCursor = w.active.Cursor()
			pos = LogPosition{Segment: w.active.Sequence(), Offset: startCursor}
		}
	}
}

// unwindWriteLocked recovers from a mid-entry write failure. A failure
// confined to the active segment rewinds the cursor and leaves the log
// usable. Once fragments have reached a sealed segment there is nothing to
// rewind; the failure is made sticky and only a reopen, whose recovery
// discards the torn entry, clears it.
func (w *WriteAheadLog) unwindWriteLocked(spanned bool, startCursor int64, err error) error {
	if !spanned {
		w.active.Rewind(startCursor)
		return err
	}
	w.sticky = fmt.Errorf("chunklog: entry torn across segments: %w", err)
	return w.sticky
}

func (w *WriteAheadLog) accountWriteLocked(n int64) {
	w.sinceCheckpoint += uint64(n)
	w.metrics.BytesWritten.Add(float64(n))
}

// rollActiveLocked seals the active segment, registers it with the
// checkpoint coordinator and installs a fresh segment. When spanning is
// true the entry with the given LSN continues into the new segment, so the
// LSN is credited to both.
func (w *WriteAheadLog) rollActiveLocked(lsn uint64, spanning bool) error {
	old := w.active
	info := SegmentInfo{
		Sequence: old.Sequence(),
		FirstLSN: w.activeFirstLSN,
		LastLSN:  w.activeLastLSN,
	}
	if spanning {
		info.LastLSN = lsn
	}

	if err := old.Seal(); err != nil {
		return err
	}
	if err := old.Close(); err != nil {
		return err
	}

	next, err := w.newSegmentLocked(spanning)
	if err != nil {
		return err
	}

	w.cp.registerSealedLocked(info)
	w.active = next
	if spanning {
		w.activeFirstLSN = lsn
	} else {
		w.activeFirstLSN = 0
	}
	w.activeLastLSN = 0
	return nil
}

// newSegmentLocked produces the next segment, reusing a reclaimed file when
// one is pooled and creating one otherwise.
func (w *WriteAheadLog) newSegmentLocked(continuesEntry bool) (*segment.Segment, error) {
	header := segment.Header{
		Sequence:          w.nextSequence,
		PreallocatedBytes: uint64(w.cfg.PreallocateBytes),
		BaseLSN:           w.nextLSN,
		ContinuesEntry:    continuesEntry,
		VersionInfo:       w.cfg.VersionInfo,
	}
	w.nextSequence++

	if name, ok := w.cp.takeRecycledLocked(); ok {
		s, err := segment.Reuse(w.backend, name, header, w.cfg.BufferBytes)
		if err == nil {
			w.metrics.SegmentsCreated.Inc()
			return s, nil
		}
		// Fall through and create a fresh file; the pooled one is gone
		// either way.
	}

	s, err := segment.Create(w.backend, header, w.cfg.BufferBytes)
	if err != nil {
		return nil, err
	}
	w.metrics.SegmentsCreated.Inc()
	return s, nil
}

// admitLocked rejects an append before any mutation when the volume lacks
// space for it or the write would push usage past the configured ceiling.
func (w *WriteAheadLog) admitLocked(dataLen int64) error {
	stats, err := w.backend.Stats()
	if err != nil {
		if err == storage.ErrStatsUnavailable {
			return nil
		}
		return fmt.Errorf("chunklog: failed to stat volume: %w", err)
	}

	need := chunkio.Size(int(lsnPrefixSize + dataLen))
	if fit := w.active.FragmentFit(); fit < lsnPrefixSize+dataLen {
		// The entry will spill into at least one new extent. Charge whole
		// extents for the spill; recycled files make this an overestimate,
		// which is the safe direction.
		spill := lsnPrefixSize + dataLen
		if fit > 0 {
			spill -= fit
		}
		extent := int64(w.cfg.PreallocateBytes)
		segments := (spill + extent - 1) / extent
		need = segments * extent
	}

	if uint64(need) > stats.FreeBytes {
		return ErrDiskFull
	}

	if w.cfg.MaxDiskUsagePercent < 100 && stats.TotalBytes > 0 {
		used := stats.TotalBytes - stats.FreeBytes
		if (used+uint64(need))*100 > stats.TotalBytes*uint64(w.cfg.MaxDiskUsagePercent) {
			return ErrQuotaExceeded
		}
	}
	return nil
}
