// Package storage persists profiles, geo resources, nodes, traffic rules,
// the settings singleton and uplink samples.
//
// Drivers:
//   - "sqlite": modernc.org/sqlite (pure Go), WAL, unix-ms timestamps
//   - "memory": maps guarded by a mutex; values are deep-copied in and out
package storage
