// Package conversation reconciles locally written messages with the
// server's confirmed history.
//
// # Collections
//
// Each conversation holds two collections:
//
//   - confirmed: the last message set the server returned, replaced
//     wholesale by Confirm
//   - optimistic: messages written locally for instant feedback, awaiting
//     confirmation
//
// Snapshot merges both. An optimistic entry disappears as soon as a
// confirmed message carries its id (Promote re-keys entries to the id the
// submission endpoint returned, so this is the usual path). Entries the
// server has caught up with under a different id are marked superseded and
// pruned after a grace period; if their text is already shown by a
// confirmed message they are hidden immediately.
//
// # Ordering
//
// Snapshots are sorted by timestamp. Equal timestamps fall back to role
// (user, assistant, system) and then id, so the order is deterministic.
//
// # Local cache
//
// With WithCache, every confirmed set is written to a store.Store and
// Hydrate reloads it after a restart. Cache failures are logged and never
// affect the in-memory view.
package conversation
