// Package goSession is a server-side session engine. It keeps session state in
// a pluggable store, writes only what changed, maintains secondary indexes over
// session content and expires idle sessions.
//
// # Writes
//
// A [Session] handle tracks every change made through it. On [Engine.Save] the
// tracked changes are reduced to a flush set according to the configured
// [session.SavePolicy] and written as one partial update; unrelated attributes
// written concurrently by another handle are left alone. Under [FlushImmediate]
// each mutating call flushes before it returns.
//
// # Expiration
//
// A session expires once it has been idle for its max inactive interval.
// Expired sessions are never returned: reads delete them on sight, and
// [Engine.Start] launches a periodic sweep and, for stores that support it,
// a listener for native expiry notifications.
//
// # Stores
//
// Bindings live under store/: an in-memory reference binding, Redis, and a
// relational binding over gorm. Build wires one of them through
// [Builder.WithStore], [Builder.WithRedis] or [Builder.WithSQL].
package goSession
