// Package expiry schedules the active expiration paths: a periodic [Sweeper]
// over stores that can enumerate expired records, and a [Listener] over stores
// that push native expiry notifications. What an expiration does is decided
// by the callbacks; this package only owns timing and lifecycle.
package expiry
