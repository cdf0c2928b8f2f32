package common

import "errors"

// Sentinel errors matching the taxonomy surfaced to callers (spec.md §6):
// ok (nil), not_found, invalid_argument, io_error. ErrCorrupted covers the
// explicit corruption-detection cases in spec.md §7 (bad page header,
// interval violation) that must abort rather than silently fix up.
var (
	ErrNotFound        = errors.New("treeline: not found")
	ErrInvalidArgument = errors.New("treeline: invalid argument")
	ErrIOError         = errors.New("treeline: io error")
	ErrCorrupted       = errors.New("treeline: corrupted page")
	ErrPageFull        = errors.New("treeline: page full")
	ErrRetry           = errors.New("treeline: retry, model changed underneath")
)
