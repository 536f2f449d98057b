// Package broadcast provides a small keyed pub/sub used to fan conversation
// updates out to every view observing a conversation.
package broadcast
