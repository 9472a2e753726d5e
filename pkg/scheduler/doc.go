/*
Package scheduler chooses the node that will host a new pinned worker.

Schedulers are pure: they receive a snapshot of live nodes (id,
capacity, current pinned count) and return a decision. They hold no
state and read nothing themselves, which makes a stale snapshot
harmless — the node worker is the authority on capacity and rejects
over-cap spawns atomically, and the controller retries with a fresh
snapshot.

Provided implementations:

  - greedy: first node with spare capacity
  - least_load: lowest current/capacity ratio, ties by id
  - least_load_random: uniform pick among the minimum-ratio ties
  - load_weighted_random: weighted by spare slots

SelectBatch places many hosts in one call and reserves capacity across
the batch, so ten hosts never land on one single-slot node.
*/
package scheduler
