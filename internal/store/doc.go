// Package store persists active posts and keeps them ordered by priority.
//
// Every driver implements the same contract: an id-keyed record map plus a
// separate (score, id) ordering index, with all mutations funneled through
// a single atomic read-modify-write entry point. Records serialize to a
// flat JSON object with RFC 3339 timestamps; a record that fails to decode
// is skipped and logged, never fatal to a scan.
//
// Drivers: "memory" (reference implementation, default for tests),
// "sqlite" (modernc.org/sqlite, durable single-node default) and "redis"
// (go-redis, for setups that already run Redis).
package store
