// Package store keeps the queue audit log in SQLite.
//
// Each item transition and emergency-stop toggle the engine reports is one
// row in transitions. Rows are ordered by seq, the insertion order; the
// stored wall-clock time is for display and retention only.
//
// The database runs in WAL mode so `actuator history` can read while
// `actuator serve` writes. Schema upgrades are numbered migrations tracked
// in PRAGMA user_version.
package store
