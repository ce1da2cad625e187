// Package journal records attribute update intents so interrupted updates
// can be found and verified after a crash
package journal

import "errors"

var (
	// ErrCorrupted indicates a journal entry whose checksum does not match
	ErrCorrupted = errors.New("journal: corrupted entry")

	// ErrTruncated indicates a journal entry cut short, usually a torn tail
	ErrTruncated = errors.New("journal: truncated entry")

	// ErrClosed indicates an operation on a closed journal
	ErrClosed = errors.New("journal: closed")

	// ErrUnknownIntent indicates a commit for an intent that was never begun
	ErrUnknownIntent = errors.New("journal: unknown intent")
)
