/*
Package store is the Redis layer every NetPulse component shares: job
queues (lists popped with BRPOP), job records (one hash per job),
host-to-node bindings (set-if-absent to resolve spawn races), node and
pinned-worker inventory, and the spawn request/reply channel between
controllers and node supervisors. Capacity reservation runs as a Lua
script so the check and the increment are one atomic step.
*/
package store
