package chunklog

import "errors"

// Errors surfaced by the log engine.
var (
	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("chunklog: log is closed")

	// ErrCorruption reports a checksum failure before the end of a
	// segment's written region. It is fatal for the open: the engine does
	// not guess which entries are trustworthy.
	ErrCorruption = errors.New("chunklog: corruption detected")

	// ErrDiskFull rejects an append for which the volume does not have
	// enough free space. The append is rejected before any write.
	ErrDiskFull = errors.New("chunklog: disk full")

	// ErrQuotaExceeded rejects an append that would push disk usage past
	// Config.MaxDiskUsagePercent. The append is rejected before any write.
	ErrQuotaExceeded = errors.New("chunklog: disk usage quota exceeded")

	// ErrRecoveryAborted is returned from Open when the log manager's
	// Recover callback returned an error.
	ErrRecoveryAborted = errors.New("chunklog: recovery aborted by log manager")
)
