// Package types holds the data model shared across components: jobs,
// queue naming, nodes, worker descriptors, spawn messages and the
// error taxonomy surfaced to callers.
package types
