// Package api serves the NetPulse HTTP surface: device operations,
// job lookup and cancellation, worker inventory, health and metrics.
// Requests authenticate with an API key in a configurable header and
// are rate limited per client.
package api
