// Package internal contains helpers private to goSession: secure random ids and
// jitter.
//
// # Sub-packages
//
//   - events: async lifecycle event dispatch (Dispatcher + Sink implementations)
//   - expiry: the background sweeper and the expiry notification listener
//
// Nothing here may appear in the public goSession API.
package internal
