// Package store defines the persistence contract every session store binding
// implements, and the error taxonomy shared by all bindings.
//
// Bindings live in sub-packages:
//
//   - memstore: whole-record overwrite over encoded blobs; the reference test double.
//   - redisstore: one hash per session, per-field partial updates, set indexes and
//     keyspace expiry notifications.
//   - sqlstore: one row per session plus attribute and index rows, through gorm.
//
// Bindings limited to whole-record overwrite implement ApplyDelta as
// read-modify-write. The delta contract is the same; only efficiency differs, and
// concurrent patches of different attributes on the same id become last-write-wins.
package store
