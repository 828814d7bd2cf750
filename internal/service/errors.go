package service

import "errors"

// ErrNotReady is returned by any state query or mutation issued before
// initialization has completed at least once (spec §7 "NotReady").
var ErrNotReady = errors.New("service: not ready, initialization has not completed")

// ErrShuttingDown is returned when a call is posted after Close has begun.
var ErrShuttingDown = errors.New("service: shutting down")
