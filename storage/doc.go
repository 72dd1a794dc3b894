// Package storage defines the filesystem capability set the log engine is
// built against. The engine performs all I/O through the Backend and File
// interfaces so that hosts can substitute platform-specific implementations,
// and tests can substitute deterministic in-memory ones.
//
// Two implementations ship with this module:
//
//   - storage/local: the production backend on the operating system's
//     filesystem, with preallocation and disk statistics where the platform
//     supports them.
//   - storage/memory: an in-memory backend for tests, including simulated
//     partial writes for crash testing.
package storage
