package chunklog

import (
	"fmt"
	"sync"

	"github.com/davidvella/chunklog/segment"
	"github.com/davidvella/chunklog/storage"
	"github.com/davidvella/chunklog/storage/local"
)

// DurabilityMode selects the guarantee Append provides before returning.
type DurabilityMode int

const (
	// Buffered returns once the entry is committed to the segment's write
	// buffer. The entry becomes durable at the next sync, whether from a
	// Synced append, an explicit Sync, or a checkpoint.
	Buffered DurabilityMode = iota

	// Synced forces the entry (and everything buffered before it) to
	// durable storage before Append returns.
	Synced
)

// LogPosition identifies where an entry begins: a segment sequence number
// and a byte offset within that segment, plus the LSN the entry was
// assigned. Positions are comparable and usable as durable recovery
// cursors.
type LogPosition struct {
	Segment uint64
	Offset  int64
	LSN     uint64
}

func (p LogPosition) String() string {
	return fmt.Sprintf("%d@%d", p.Segment, p.Offset)
}

// WriteAheadLog is a durable, ordered, crash-recoverable append log.
//
// Concurrent appends are serialized through a single critical section
// guarding the active segment's cursor and buffer; that is the engine's
// only lock on the hot path. Checkpointing runs in the background and
// blocks appenders only for the active-segment swap.
type WriteAheadLog struct {
	cfg     Config
	backend storage.Backend
	manager LogManager
	metrics *Metrics

	// mu guards everything below it.
	mu              sync.Mutex
	active          *segment.Segment
	activeFirstLSN  uint64
	activeLastLSN   uint64
	nextLSN         uint64
	nextSequence    uint64
	sinceCheckpoint uint64
	deferredErr     error
	// sticky poisons the log after a failure that cannot be unwound, such
	// as a write error halfway through an entry that already spilled into a
	// sealed segment. Only a reopen clears it.
	sticky error
	closed bool

	cp *coordinator

	recoveredVersion []byte
}

// Open recovers the log in dir (or on cfg.Backend), replaying every intact
// entry through manager.Recover, and resumes the log after the last valid
// position. Recovery is single-threaded and completes before Open returns.
func Open(cfg Config, manager LogManager) (*WriteAheadLog, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	backend := cfg.Backend
	if backend == nil {
		var err error
		backend, err = local.New(cfg.Dir)
		if err != nil {
			return nil, err
		}
	}

	if manager == nil {
		manager = NopManager{}
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	w := &WriteAheadLog{
		cfg:     cfg,
		backend: backend,
		manager: manager,
		metrics: metrics,
	}
	w.cp = newCoordinator(w)

	if err := w.recover(); err != nil {
		return nil, err
	}

	w.cp.start()
	return w, nil
}

// Append writes one entry and returns its position. A zero-length entry is
// legal. Concurrent callers are safe; entries never interleave.
func (w *WriteAheadLog) Append(data []byte, mode DurabilityMode) (LogPosition, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(data, mode)
}

// Sync forces everything appended so far to durable storage.
func (w *WriteAheadLog) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if err := w.active.Sync(); err != nil {
		return err
	}
	w.metrics.Syncs.Inc()
	return nil
}

// Checkpoint manually runs the checkpoint protocol: the log manager's
// callback, sealing the active segment, swapping in a new one, and
// reclaiming whatever the manager released.
func (w *WriteAheadLog) Checkpoint() error {
	if err := w.takeDeferred(); err != nil {
		return err
	}
	return w.cp.run()
}

// DiskUsage reports the bytes currently occupied by segment files.
func (w *WriteAheadLog) DiskUsage() (int64, error) {
	names, err := w.backend.List()
	if err != nil {
		return 0, err
	}

	var total int64
	for _, name := range names {
		if _, ok := segment.ParseName(name); !ok {
			continue
		}
		size, err := w.backend.Size(name)
		if err != nil {
			if err == storage.ErrNotFound {
				continue
			}
			return 0, err
		}
		total += size
	}
	w.metrics.DiskUsageBytes.Set(float64(total))
	return total, nil
}

// RecoveredVersionInfo returns the version tag found in the newest segment
// header during recovery, or nil for a fresh log. Hosts compare it against
// their current tag to run format migrations; the engine itself never
// interprets it.
func (w *WriteAheadLog) RecoveredVersionInfo() []byte {
	return w.recoveredVersion
}

// LastLSN returns the most recently assigned log sequence number, or zero
// when the log has never held an entry.
func (w *WriteAheadLog) LastLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextLSN - 1
}

// Close flushes and syncs the active segment and releases all resources.
// It does not checkpoint; entries not yet checkpointed are replayed on the
// next Open.
func (w *WriteAheadLog) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.closed = true
	deferred := w.deferredErr
	w.deferredErr = nil
	w.mu.Unlock()

	w.cp.stop()

	if err := w.active.Seal(); err != nil {
		w.active.Close()
		return err
	}
	if err := w.active.Close(); err != nil {
		return err
	}
	return deferred
}

// takeDeferred surfaces and clears a latched background failure.
func (w *WriteAheadLog) takeDeferred() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.takeDeferredLocked()
}

func (w *WriteAheadLog) takeDeferredLocked() error {
	err := w.deferredErr
	w.deferredErr = nil
	return err
}

func (w *WriteAheadLog) latchBackgroundErr(err error) {
	w.mu.Lock()
	if w.deferredErr == nil {
		w.deferredErr = err
	}
	w.mu.Unlock()

	if w.cfg.OnBackgroundError != nil {
		w.cfg.OnBackgroundError(err)
	}
}
