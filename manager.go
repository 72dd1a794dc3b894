package chunklog

// SegmentInfo describes a sealed segment offered to the log manager during
// a checkpoint. FirstLSN and LastLSN are zero for a segment that holds no
// complete entries.
type SegmentInfo struct {
	Sequence uint64
	FirstLSN uint64
	LastLSN  uint64
}

// EntryWriter lets a LogManager append its own bookkeeping entries during a
// checkpoint. Entries written through it receive ordinary LSNs and are
// covered by the same durability guarantees as host entries.
type EntryWriter interface {
	WriteEntry(data []byte) (LogPosition, error)
}

// LogManager supplies the host side of the recovery and checkpoint
// protocols. The engine calls into it, never the reverse.
type LogManager interface {
	// Recover is invoked once per recovered entry, in strictly increasing
	// LSN order, before the log accepts any new append. Returning an error
	// aborts the open.
	Recover(lsn uint64, entry []byte) error

	// Checkpoint is invoked when the checkpoint threshold is crossed, with
	// the sealed segments in ascending sequence order. It returns the
	// sequence numbers of segments whose entries the host no longer needs
	// for recovery; the engine recycles or deletes them. The manager may
	// write bookkeeping entries through w before the active segment is
	// sealed, so its own state is covered by the log's durability.
	Checkpoint(w EntryWriter, sealed []SegmentInfo) (reclaimable []uint64, err error)
}

// NopManager is a LogManager for hosts that replay nothing and retain
// nothing: recovery ignores all entries and every sealed segment offered at
// a checkpoint is released immediately.
type NopManager struct{}

// Recover implements LogManager.
func (NopManager) Recover(uint64, []byte) error { return nil }

// Checkpoint implements LogManager.
func (NopManager) Checkpoint(_ EntryWriter, sealed []SegmentInfo) ([]uint64, error) {
	reclaimable := make([]uint64, 0, len(sealed))
	for _, info := range sealed {
		reclaimable = append(reclaimable, info.Sequence)
	}
	return reclaimable, nil
}
