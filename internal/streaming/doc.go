// Package streaming consumes the server-push event channel of a multi-agent
// analysis. A Client opens one Session per analysis; the Session reassembles
// lines from arbitrary chunks, decodes data lines into StreamEvents and
// delivers them to Handlers. Each session reports at most one error and, when
// the transport reaches EOF, exactly one completion. Cancelling a session
// releases the transport without reporting either.
package streaming
