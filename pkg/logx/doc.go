// Package logx is the scheduler's structured logging layer: a thin
// zerolog wrapper with closure Fields, readable console output (short
// timestamp and caller), JSON file output, and sinks that can be swapped
// at runtime through Service.Apply.
package logx
