// Package dedupe provides send deduplication using a time-based cache so
// retried sends within the window resolve to the originally created message.
package dedupe
