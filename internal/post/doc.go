// Package post defines the schedulable unit and the pure scheduling
// primitives that operate on it.
//
// Everything here is side-effect free: the priority scorer, the conflict
// detector, and recurrence evaluation take explicit inputs (including the
// current time) and return values. Persistence and lifecycle live in
// internal/store and internal/engine.
package post
