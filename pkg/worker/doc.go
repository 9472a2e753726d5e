/*
Package worker implements the two execution engines of NetPulse.

# Pinned workers

A Pinned worker is a single process bound to exactly one device. It
consumes the device's own queue in strict FIFO order and reuses one
long-lived session across jobs, amortizing connection cost for
protocols where session setup is expensive (interactive SSH to network
gear).

The session lives in a SessionCell: a slot holding the driver, the
connection-args signature, the session handle and the mutex that
serializes every session mutation. The dispatcher loop and the
keepalive monitor both take that mutex, so send, config and keepalive
never interleave on the wire:

	┌─────────────────────────────────────────────┐
	│                Pinned Worker                │
	│                                             │
	│  dispatcher loop          keepalive monitor │
	│     pop job                  sleep(iv)      │
	│     lock ──────┐      ┌────── lock          │
	│     send/config│      │       is_alive      │
	│     unlock ────┤ cell ├────── nudge         │
	│                │ mutex│       unlock        │
	│     webhook    └──────┘                     │
	└─────────────────────────────────────────────┘

When the monitor finds the session dead, the worker commits suicide:
it reports nothing, reconnects nothing, and exits. The next submission
for the host re-runs scheduling and spawns a fresh worker. This keeps
worker state and binding state consistent without a reconnect state
machine.

A worker with no traffic for its idle TTL exits voluntarily. Every
exit path runs the same hook: best-effort disconnect, descriptor
removal, and release of the host binding if it still points here.

# FIFO workers

FIFOPool is a pool of interchangeable workers on the shared fifo
queue. Each job opens a fresh session and closes it afterwards; jobs
against the same device may run concurrently on different slots. The
pool suits idempotent reads, stateless HTTP device APIs and long
transfers that would starve a pinned queue.
*/
package worker
