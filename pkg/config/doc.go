// Package config loads the NetPulse configuration from YAML with
// hierarchical NETPULSE_* environment overrides.
package config
