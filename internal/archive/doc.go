// Package archive is the write-once home of posts that reached a terminal
// status. A record lands here exactly once, keyed platform/id, and is never
// modified afterwards; the active store's record is removed after the
// archive write succeeds.
package archive
