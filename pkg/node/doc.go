/*
Package node implements the per-machine supervisor. It registers the
node's pinned capacity, heartbeats to stay in scheduler snapshots,
spawns pinned worker processes on controller request (rejecting
atomically at cap), and reaps exited children, returning their slot,
descriptor and host binding.
*/
package node
