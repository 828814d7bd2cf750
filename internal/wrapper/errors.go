package wrapper

import "errors"

var (
	// ErrWriteConflict is returned by AppendEventsAsync once the bounded
	// retry count is exhausted against a compare-and-append conflict
	// (spec §7 "WriteConflict").
	ErrWriteConflict = errors.New("wrapper: write conflict, retries exhausted")

	// ErrFatalReloadFailure marks a terminal failure: a projection save
	// succeeded but the immediate reload-and-verify failed, meaning the
	// serialized format cannot represent the state it just produced
	// (spec §7 "Fatal").
	ErrFatalReloadFailure = errors.New("wrapper: projection save succeeded but reload failed")
)
