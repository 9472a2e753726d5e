/*
Package driver defines the plugin contract for talking to devices and
ships the built-in drivers.

A Driver opens Sessions from driver-specific connection args. A Session
executes read commands (Send), pushes configuration (Config), answers
liveness probes (IsAlive), and keeps idle connections warm (Keepalive).
Sessions are never safe for concurrent use; the owning worker
serializes every call behind one mutex.

Drivers register themselves at link time:

	func init() {
		Register(&sshDriver{})
	}

Built-ins:

  - ssh: interactive CLI over SSH with a device-type profile table
    (prompt pattern, paging, config mode). Sessions are reusable and
    support dual keepalive: a transport-level SSH request plus a
    newline nudge that resets the device's idle timer.
  - httpapi: stateless REST device APIs. Each command is one request;
    nothing is held open.
  - sftp: Linux hosts over SSH/SFTP. Send runs exec sessions, Config
    uploads local:remote file specs. Never reused, so a long transfer
    cannot block a pinned queue.
*/
package driver
