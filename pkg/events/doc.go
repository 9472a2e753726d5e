// Package events provides an in-process broker distributing job and
// worker lifecycle events to subscribers.
package events
