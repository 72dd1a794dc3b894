package chunklog

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/btree"

	"github.com/davidvella/chunklog/segment"
)

// maxRecycled bounds the pool of reclaimed segment files kept for reuse.
// Reclaimed files beyond the pool are deleted.
const maxRecycled = 2

// recycledSuffix marks a reclaimed segment file waiting in the pool. The
// rename takes the file out of the segment namespace so a recovery scan
// never mistakes its stale contents for live data.
const recycledSuffix = ".recycled"

// coordinator owns the checkpoint protocol: invoking the log manager,
// swapping the active segment, and recycling or deleting the segments the
// manager released.
type coordinator struct {
	wal *WriteAheadLog

	// runMu serializes checkpoint runs, so a manual Checkpoint and the
	// background trigger never interleave.
	runMu sync.Mutex

	// sealed and recycled are guarded by wal.mu.
	sealed   *btree.BTreeG[SegmentInfo]
	recycled []string

	signal chan struct{}
	quit   chan struct{}
	done   chan struct{}
}

func newCoordinator(w *WriteAheadLog) *coordinator {
	return &coordinator{
		wal: w,
		sealed: btree.NewG(8, func(a, b SegmentInfo) bool {
			return a.Sequence < b.Sequence
		}),
		signal: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (c *coordinator) start() {
	go c.loop()
}

func (c *coordinator) stop() {
	close(c.quit)
	<-c.done
}

// trigger requests a background checkpoint. Coalesces with one already
// pending.
func (c *coordinator) trigger() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *coordinator) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.signal:
			if err := c.run(); err != nil && err != ErrClosed {
				c.wal.latchBackgroundErr(err)
			}
		case <-c.quit:
			return
		}
	}
}

// registerSealedLocked records a sealed segment for future checkpoints.
// Callers hold wal.mu.
func (c *coordinator) registerSealedLocked(info SegmentInfo) {
	c.sealed.ReplaceOrInsert(info)
}

// takeRecycledLocked pops a pooled file for reuse. Callers hold wal.mu.
func (c *coordinator) takeRecycledLocked() (string, bool) {
	if len(c.recycled) == 0 {
		return "", false
	}
	name := c.recycled[len(c.recycled)-1]
	c.recycled = c.recycled[:len(c.recycled)-1]
	return name, true
}

// run executes one checkpoint. The manager callback runs first and the
// active-segment swap is deferred until it succeeds, so a failing callback
// leaves the log exactly as it was. Appenders block only for the swap.
func (c *coordinator) run() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	w := c.wal

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.sticky != nil {
		w.mu.Unlock()
		return w.sticky
	}
	sealed := make([]SegmentInfo, 0, c.sealed.Len())
	c.sealed.Ascend(func(info SegmentInfo) bool {
		sealed = append(sealed, info)
		return true
	})
	w.mu.Unlock()

	// The manager may append bookkeeping entries here; they land in the
	// segment about to be sealed and share its durability.
	reclaimable, err := w.manager.Checkpoint(entryWriter{w}, sealed)
	if err != nil {
		return fmt.Errorf("chunklog: checkpoint callback failed: %w", err)
	}

	// Allocate the replacement without blocking appenders.
	w.mu.Lock()
	header := segment.Header{
		Sequence:          w.nextSequence,
		PreallocatedBytes: uint64(w.cfg.PreallocateBytes),
		BaseLSN:           w.nextLSN,
		VersionInfo:       w.cfg.VersionInfo,
	}
	w.nextSequence++
	pooled, havePooled := c.takeRecycledLocked()
	w.mu.Unlock()

	var next *segment.Segment
	if havePooled {
		next, err = segment.Reuse(w.backend, pooled, header, w.cfg.BufferBytes)
		if err != nil {
			next = nil
		}
	}
	if next == nil {
		next, err = segment.Create(w.backend, header, w.cfg.BufferBytes)
		if err != nil {
			return err
		}
	}
	w.metrics.SegmentsCreated.Inc()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		next.Close()
		w.backend.Remove(next.Name())
		return ErrClosed
	}
	old := w.active
	// The outgoing buffer must reach the file before the swap. Once the
	// replacement is live, a crash scan stops at the old segment's torn
	// tail and would discard everything written after it.
	if err := old.Flush(); err != nil {
		w.mu.Unlock()
		next.Close()
		w.backend.Remove(next.Name())
		return err
	}
	oldInfo := SegmentInfo{
		Sequence: old.Sequence(),
		FirstLSN: w.activeFirstLSN,
		LastLSN:  w.activeLastLSN,
	}
	w.active = next
	w.activeFirstLSN = 0
	w.activeLastLSN = 0
	w.sinceCheckpoint = 0
	w.mu.Unlock()

	if err := old.Seal(); err != nil {
		old.Close()
		return err
	}
	if err := old.Close(); err != nil {
		return err
	}

	w.mu.Lock()
	c.registerSealedLocked(oldInfo)
	w.mu.Unlock()

	if err := c.reclaim(sealed, oldInfo, reclaimable); err != nil {
		return err
	}

	w.metrics.Checkpoints.Inc()
	return nil
}

// reclaim recycles or deletes the segments the manager released. A released
// segment is retained anyway when an entry spans its boundary with a
// retained neighbor: dropping it would orphan part of that entry. Equal
// boundary LSNs mean one entry spans the two segments; an LSN is never
// otherwise shared.
func (c *coordinator) reclaim(sealed []SegmentInfo, justSealed SegmentInfo, reclaimable []uint64) error {
	if len(reclaimable) == 0 {
		return nil
	}

	// The just-sealed segment is a sentinel: offered to nobody, never
	// removed, but a spanning boundary with it pins its predecessor.
	infos := make([]SegmentInfo, 0, len(sealed)+1)
	infos = append(infos, sealed...)
	infos = append(infos, justSealed)

	offered := make(map[uint64]bool, len(sealed))
	for _, info := range sealed {
		offered[info.Sequence] = true
	}

	removed := make(map[uint64]bool, len(reclaimable))
	for _, sequence := range reclaimable {
		if offered[sequence] {
			removed[sequence] = true
		}
	}

	spans := func(a, b SegmentInfo) bool {
		return a.LastLSN != 0 && a.LastLSN == b.FirstLSN
	}

	// Retaining one segment can force a neighbor to stay as well, so
	// iterate to a fixed point.
	for changed := true; changed; {
		changed = false
		for i := 0; i < len(infos)-1; i++ {
			info := infos[i]
			if !removed[info.Sequence] {
				continue
			}
			pinnedBelow := i > 0 && !removed[infos[i-1].Sequence] && spans(infos[i-1], info)
			pinnedAbove := !removed[infos[i+1].Sequence] && spans(info, infos[i+1])
			if pinnedBelow || pinnedAbove {
				delete(removed, info.Sequence)
				changed = true
			}
		}
	}
	if len(removed) == 0 {
		return nil
	}

	w := c.wal
	w.mu.Lock()
	for sequence := range removed {
		c.sealed.Delete(SegmentInfo{Sequence: sequence})
	}
	w.mu.Unlock()

	for sequence := range removed {
		if err := c.dispose(sequence); err != nil {
			return err
		}
	}
	return w.backend.Sync()
}

// dispose moves one reclaimed segment file into the recycle pool, or
// deletes it when the pool is full.
func (c *coordinator) dispose(sequence uint64) error {
	w := c.wal
	name := segment.Name(sequence)

	w.mu.Lock()
	pool := len(c.recycled) < maxRecycled
	w.mu.Unlock()

	if pool {
		recycledName := name + recycledSuffix
		if err := w.backend.Rename(name, recycledName); err != nil {
			return fmt.Errorf("chunklog: failed to recycle segment %s: %w", name, err)
		}
		w.mu.Lock()
		c.recycled = append(c.recycled, recycledName)
		w.mu.Unlock()
		w.metrics.SegmentsRecycled.Inc()
		return nil
	}

	if err := w.backend.Remove(name); err != nil {
		return fmt.Errorf("chunklog: failed to remove segment %s: %w", name, err)
	}
	w.metrics.SegmentsRemoved.Inc()
	return nil
}

// adoptRecycled seeds the pool with reclaimed files found during recovery.
func (c *coordinator) adoptRecycled(names []string) {
	for _, name := range names {
		if !strings.HasSuffix(name, recycledSuffix) {
			continue
		}
		if len(c.recycled) < maxRecycled {
			c.recycled = append(c.recycled, name)
		} else {
			c.wal.backend.Remove(name)
		}
	}
}

// entryWriter is the bookkeeping handle handed to LogManager.Checkpoint.
type entryWriter struct {
	w *WriteAheadLog
}

func (e entryWriter) WriteEntry(data []byte) (LogPosition, error) {
	return e.w.Append(data, Buffered)
}
