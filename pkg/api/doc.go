// Package api contains the core building blocks used by the flowgrid
// execution engine. It defines the graph model, the node contract and
// registry, execution records, the error taxonomy, and the observer
// interface used for logging and metrics.
package api
