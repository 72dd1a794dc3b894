// Package segment manages individual log files: creation with a
// preallocated extent, buffered appends of framed chunks, sealing, and
// reuse of reclaimed files.
//
// Segment file layout:
//
//	/-- 4 bytes --/- 1 byte -/- 1 byte -/-- 8 bytes --/--- 8 bytes ---/
//	|   "CLOG"    |  format  |  flags   |  sequence   |  preallocated |
//	/-------------/----------/----------/-------------/---------------/
//	/--- 8 bytes ---/-- 8 bytes --/- 1 byte -/--- up to 255 bytes ---/
//	| sealed length |  base LSN   |  ver len |     version info      |
//	/---------------/-------------/----------/-----------------------/
//	/------------------------- chunks ... -------------------------/
//
// All integers are little-endian. The sealed length is written twice: zero
// at creation and the final used length when the segment is sealed, after
// its data has been synced. Bit 0 of flags marks a segment whose first
// chunk continues an entry that began in the previous segment. The space
// between the last chunk and the preallocated extent stays zero-filled
// until written.
package segment
