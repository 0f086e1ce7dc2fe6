package gossipsub

import "time"

// timeNow is indirected through a package variable, not called as
// time.Now() directly at every call site, purely so tests exercising
// backoff/fanout-TTL expiry (§8 scenarios 5 and 7) can advance virtual time
// without sleeping for real.
var timeNow = time.Now

// secondUnit converts between the wire PRUNE backoff field (whole seconds,
// per §6) and time.Duration.
const secondUnit = time.Second

func secondsToDuration(s uint64) time.Duration {
	return time.Duration(s) * secondUnit
}
