// Package stores persists broker orders in SQLite.
//
// The store runs in WAL mode with embedded golang-migrate migrations. Order
// snapshots handed to OrderChanged are coalesced per order and written by a
// background goroutine, so state transitions never wait on disk I/O. A
// snapshot in the CLOSED state removes the order row; its transition history
// is kept.
package stores
