// Package chunklog implements an embeddable write-ahead log: a durable,
// ordered, crash-recoverable record of opaque byte entries that a host
// application appends to before applying state changes elsewhere.
//
// Entries are framed into checksummed chunks inside preallocated segment
// files. Arbitrarily large entries span segment boundaries transparently.
// After a crash, Open replays every intact entry through the host's
// LogManager and silently discards a torn write at the tail; any other
// damage fails the open with ErrCorruption.
//
// Basic usage:
//
//	log, err := chunklog.Open(chunklog.DefaultConfig(dir), manager)
//	if err != nil {
//	    return err
//	}
//	defer log.Close()
//
//	pos, err := log.Append([]byte("state change"), chunklog.Synced)
//	if err != nil {
//	    return err
//	}
//	fmt.Println("entry at", pos)
//
// The host drives reclamation through its LogManager: when the checkpoint
// threshold is crossed, the engine offers the sealed segments to the
// manager's Checkpoint callback and recycles or deletes the ones the
// manager releases.
package chunklog
