/*
Package log provides structured logging for NetPulse components.

It wraps zerolog with a process-global logger plus helpers that attach
the fields shared across the codebase (component, node_id, host, job_id).
Call Init once from main before any component starts:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("controller")
*/
package log
