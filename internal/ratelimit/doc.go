// Package ratelimit provides keyed token-bucket rate limiting with
// background eviction of idle keys.
//
// The public site is limited per client address; the editor API is also
// limited per tenant so one tenant's tooling cannot starve the others. It
// is a single-instance, in-memory limiter for basic abuse prevention and
// does not stop distributed floods. Pair it with upstream filtering.
package ratelimit
