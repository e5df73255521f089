// Package storage persists the active-alarm ledger.
//
// A ledger is a single collection of Records stored under a scope key. The
// collection holds at most one record per alarm name; every write replaces
// the whole collection through Store.Update, which each driver serializes
// (a mutex for memory/file, one SQL transaction for sqlite).
//
// Ledger wraps a Store and a scope and republishes every committed write on
// the event bus, which gives callers a live feed of the collection.
package storage
