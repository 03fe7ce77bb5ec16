// Package redis provides a Redis-backed memory store: room memories are kept
// in capped lists and processed-content marks in per-room sets.
package redis
