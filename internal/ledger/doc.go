// Package ledger defines the append-only record model shared by the event bus
// and the cache engine, and the store contract both of them consume.
//
// A Record is immutable once inserted except for its Data and Metadata, which
// the cache engine patches to move an entry's expiry. Record identity and
// CreatedAt are owned by the store: callers never assign them.
//
// Events and cache entries live in the same table and are told apart only by
// their Type. Cache entries use "<prefix>.<key>" with a reserved prefix, every
// other type is an event topic.
package ledger
