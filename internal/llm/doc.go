// Package llm defines the Analyzer abstraction used by the reasoning engine
// and a retrying wrapper that applies per-call timeouts and exponential
// backoff to transient provider failures. Provider adapters live in the
// sub-packages.
package llm
