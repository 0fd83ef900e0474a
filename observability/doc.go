// Package observability wires zerolog and Prometheus into the broker: the
// process logger, HTTP access logging and metrics middleware for gorilla/mux,
// and the session lifecycle counters served on /metrics.
package observability
