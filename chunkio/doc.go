// Package chunkio implements the chunk framing used inside segment files.
// An entry is stored as one or more length- and checksum-delimited chunks;
// it is split only when it would otherwise cross a segment boundary.
//
// Chunk layout:
//
//	/--- 4 bytes ---/--- 4 bytes ---/- 1 byte -/--- length bytes ---/
//	|    length     |    CRC-32C    |  flags   |      fragment      |
//	/---------------/---------------/----------/--------------------/
//
// length and the checksum are little-endian. Bit 0 of flags is the
// continuation flag: set when more chunks follow for the same entry. The
// checksum is computed over the flags byte and the fragment, seeded with the
// owning segment's sequence number; see Checksum for why.
//
// Zero-length fragments are legal and still verifiable, because the seeded
// checksum of an empty fragment is never zero. A header of nine zero bytes
// therefore always means unwritten preallocated space, not a chunk.
package chunkio
