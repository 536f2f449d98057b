// Package dedupe provides a short-lived set of recent chat submissions, used
// to reject the same text sent twice to one conversation within a window.
package dedupe
