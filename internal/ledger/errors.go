package ledger

import "errors"

var (
	// ErrNotFound is returned when a scan or stitched label does not exist.
	ErrNotFound = errors.New("ledger: not found")
	// ErrStale is returned when a compare-and-set write finds the row deleted
	// or no longer in the expected status.
	ErrStale = errors.New("ledger: stale write")
	// ErrLocked is returned when another process holds the ledger lock.
	ErrLocked = errors.New("ledger: database locked by another process")
	// ErrDuplicateHash is returned when inserting a scan whose image hash
	// already exists.
	ErrDuplicateHash = errors.New("ledger: image hash already recorded")
)
