package relay

import "context"

// Courier is the single-recipient delivery contract, kept alongside the
// pooled Dispatcher for callers (tests, small embedders) that want to
// substitute a fake or a simpler one-shot-per-recipient courier instead
// of the full router/connection-pool machinery, matching the shape the
// teacher's queue drove directly.
type Courier interface {
	// Deliver attempts delivery of one message to one recipient. It
	// returns a non-nil error on failure, and whether that failure is
	// permanent (5xx) as opposed to transient (4xx or a connect error).
	Deliver(ctx context.Context, from, to string, data []byte) (err error, permanent bool)
}
