// Package dedupe provides an idempotency cache that remembers the result of
// an operation by key for a configurable window, so a retried request gets
// the original result instead of repeating the side effect.
package dedupe
