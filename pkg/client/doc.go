// Package client is a thin Go client for the NetPulse HTTP API.
package client
