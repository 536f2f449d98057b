// Package auth supplies the bearer credential attached to outbound requests.
//
// # Sources
//
//   - StaticSource: a fixed token string
//   - FileSource: the COVEN_TOKEN environment variable, then the token file
//     at $XDG_CONFIG_HOME/coven/token (or ~/.config/coven/token)
//
// FileSource caches the file content; Watch reloads it when the file changes
// so a long-running chat session picks up a refreshed token.
//
// # Preconditions
//
// JWT-shaped tokens are inspected for their exp claim (unverified). An empty
// or expired token yields ErrMissingCredential or ErrExpiredCredential; the
// streaming client treats both as precondition failures and never opens a
// connection.
package auth
