// Package render turns assistant markdown into plain text for terminals.
package render
