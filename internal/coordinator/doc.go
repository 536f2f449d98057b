// Package coordinator drives sends. A send appends an optimistic user
// message, submits it, and either records a synchronous reply or opens an
// event stream whose end triggers a refresh of confirmed messages. Sends on
// one conversation are serialized, and a new send cancels and awaits the
// previous stream first, so at most one stream per conversation is live.
package coordinator
