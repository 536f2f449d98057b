// Package api is the HTTP client for the chat-submission, conversation and
// message-listing endpoints. The event channel itself is handled by the
// streaming package; StreamURL tells it where to connect.
package api
