// Package lock provides key-scoped mutual exclusion for serializing edits to
// shared notebook state. Manager grants locks in memory with strict FIFO
// ordering per key; Redis offers the same contract across processes. Lock
// state changes are published on a syncbus Bus so that other nodes and UI
// watchers can follow them.
//
// Every successful Acquire must be paired with a Release. Do and Guard wrap
// that pairing so the lock is released on every exit path.
package lock
