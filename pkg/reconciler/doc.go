// Package reconciler sweeps state left behind by expired nodes so
// scheduler snapshots and operator views stay honest.
package reconciler
