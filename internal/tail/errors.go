package tail

import "errors"

// ErrLogAccess marks a failed open, stat, seek or read of the monitored
// file. Callers treat it as transient: log, skip the cycle, try again on
// the next poll.
var ErrLogAccess = errors.New("log access failed")
