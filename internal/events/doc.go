// Package events carries the engine's observer signals: a closed set of
// event kinds, each with a typed payload, delivered synchronously to
// subscribers in registration order.
package events
