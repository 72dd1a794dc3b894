// Package pebble provides a chunklog.LogManager that archives committed
// entries into a Pebble key-value store. Segments are released at each
// checkpoint once every entry they hold is durably archived, so the log
// directory stays small while the full history remains queryable.
package pebble

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/davidvella/chunklog"
)

const appliedKey = "m:applied"

// entryKey maps an LSN to its archive key. Big-endian keeps Pebble's key
// order equal to LSN order, so range scans walk the log in append order.
func entryKey(lsn uint64) []byte {
	key := make([]byte, 9)
	key[0] = 'e'
	binary.BigEndian.PutUint64(key[1:], lsn)
	return key
}

// Manager archives log entries into Pebble.
//
// The host appends to the write-ahead log first and then hands the same
// payload to Archive. Archived entries accumulate in a batch that is
// committed with a sync at every checkpoint, together with the applied
// watermark; a crash in between loses nothing, because recovery replays
// the unarchived entries from the log itself.
type Manager struct {
	db *pebble.DB

	mu      sync.Mutex
	batch   *pebble.Batch
	staged  uint64
	applied uint64
}

// Open opens or creates the archive at path. opts may be nil.
func Open(path string, opts *pebble.Options) (*Manager, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("pebble: failed to open archive: %w", err)
	}

	m := &Manager{db: db, batch: db.NewBatch()}

	value, closer, err := db.Get([]byte(appliedKey))
	if err == nil {
		m.applied = binary.BigEndian.Uint64(value)
		m.staged = m.applied
		closer.Close()
	} else if err != pebble.ErrNotFound {
		db.Close()
		return nil, fmt.Errorf("pebble: failed to read applied watermark: %w", err)
	}

	return m, nil
}

// Close discards any uncommitted staging and closes the database. Entries
// staged but not yet checkpointed are replayed from the log on next open.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.batch.Close()
	return m.db.Close()
}

// Archive stages one committed entry for archiving. Call it after the
// corresponding append to the log has returned.
func (m *Manager) Archive(lsn uint64, entry []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stageLocked(lsn, entry)
}

// Applied returns the highest LSN that has been durably archived.
func (m *Manager) Applied() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied
}

// Entry returns the archived payload for lsn, or pebble.ErrNotFound.
func (m *Manager) Entry(lsn uint64) ([]byte, error) {
	value, closer, err := m.db.Get(entryKey(lsn))
	if err != nil {
		return nil, err
	}
	entry := append([]byte(nil), value...)
	closer.Close()
	return entry, nil
}

// Recover implements chunklog.LogManager. Entries at or below the applied
// watermark are already archived and skipped; the rest are re-staged.
func (m *Manager) Recover(lsn uint64, entry []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lsn <= m.applied {
		return nil
	}
	return m.stageLocked(lsn, entry)
}

// Checkpoint implements chunklog.LogManager. It commits everything staged
// with a sync, advances the watermark, and releases the sealed segments
// whose entries are all covered by it.
func (m *Manager) Checkpoint(_ chunklog.EntryWriter, sealed []chunklog.SegmentInfo) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.staged > m.applied {
		var watermark [8]byte
		binary.BigEndian.PutUint64(watermark[:], m.staged)
		if err := m.batch.Set([]byte(appliedKey), watermark[:], nil); err != nil {
			return nil, err
		}
		if err := m.batch.Commit(pebble.Sync); err != nil {
			return nil, fmt.Errorf("pebble: failed to commit archive batch: %w", err)
		}
		m.batch = m.db.NewBatch()
		m.applied = m.staged
	}

	reclaimable := make([]uint64, 0, len(sealed))
	for _, info := range sealed {
		if info.LastLSN <= m.applied {
			reclaimable = append(reclaimable, info.Sequence)
		}
	}
	return reclaimable, nil
}

func (m *Manager) stageLocked(lsn uint64, entry []byte) error {
	if err := m.batch.Set(entryKey(lsn), entry, nil); err != nil {
		return err
	}
	if lsn > m.staged {
		m.staged = lsn
	}
	return nil
}
