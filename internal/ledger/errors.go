package ledger

import "errors"

var (
	// ErrUnknownKind marks an event kind outside the closed set.
	ErrUnknownKind = errors.New("unknown event kind")
	// ErrBadEvent marks an event missing required fields.
	ErrBadEvent = errors.New("malformed event")
	// ErrUnknownAgent is returned when reading a ledger that does not exist.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrBusy is a retryable failure to take the append lock or commit.
	// The write was not applied.
	ErrBusy = errors.New("ledger busy")
	// ErrDuplicateEvent is returned when an event id is already present in
	// the target ledger.
	ErrDuplicateEvent = errors.New("duplicate event id")
)
