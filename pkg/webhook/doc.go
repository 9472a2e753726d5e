// Package webhook delivers best-effort terminal-state callbacks.
// There is no retry and no durable outbound queue; callers that need
// guarantees poll the job endpoint.
package webhook
