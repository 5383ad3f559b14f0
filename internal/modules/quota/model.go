package quota

import "errors"

// ErrQuotaExceeded is returned when a user has no AI suggestions remaining for the current month.
var ErrQuotaExceeded = errors.New("monthly suggestion quota exceeded")

// DefaultAllowance is the number of AI suggestions granted per month.
const DefaultAllowance = 50
