// Package rrd implements the per-sensor round-robin store.
//
// A Store keeps four AVERAGE archives whose steps are 1, 60, 3600 and 86400
// times the store step. Every row holds the six measurement channels. The
// finest archive receives appended samples; each row closed there is averaged
// into the next coarser archive, and so on. Unknown readings are NaN and never
// take part in an average.
//
// Each Store also runs a Holt-Winters predictor per channel. An observation
// outside the predictor's confidence band marks the finest row failed; the
// watchdog polls these marks.
//
// Stores are owned by a Registry, which serializes creation and deletion per
// sensor id and optionally persists every store as a snapshot plus an append
// journal:
//
//	<dir>/<sensor id>/store.snap
//	<dir>/<sensor id>/journal/0000000000000000.wal
package rrd
