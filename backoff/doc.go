// Package backoff computes retry delays with exponential growth, an upper
// bound and optional full jitter.
//
// Capped is what the outbox retry policy uses to derive an event's
// "not eligible before" timestamp from its attempt count.
package backoff
