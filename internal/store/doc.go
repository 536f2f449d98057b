// Package store provides the local cache of conversations and their
// confirmed messages.
//
// # Architecture
//
// Store is the interface consumed by the conversation package. SQLiteStore
// implements it on modernc.org/sqlite (pure Go, no cgo) and MockStore keeps
// everything in memory for tests.
//
// The cache only mirrors server truth: ReplaceMessages swaps the whole
// confirmed set of a conversation in one transaction, so readers never see a
// half-applied reconciliation. Optimistic messages are never written here.
//
// # Schema
//
//   - conversations: id, title, created_at, updated_at
//   - messages: (conversation_id, position) primary key, id, role,
//     content, metadata, created_at
//
// Timestamps are stored as fixed-width UTC text so that lexical order equals
// chronological order.
package store
