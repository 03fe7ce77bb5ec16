// Package api exposes the running engine over HTTP: the goal graph, the step
// trace, registered handlers, input dispatch and the Prometheus endpoint.
package api
