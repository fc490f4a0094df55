// Package index derives secondary-index memberships from session records and keeps
// them consistent with record content.
//
// Resolvers are pure functions from a record to (index name, index value) pairs.
// [Delegating] unions several resolvers; [PrincipalNameResolver] is the well-known
// resolver behind "sessions of principal X" lookups. [Maintainer] diffs the
// memberships known for a session against freshly resolved ones and writes only the
// difference through the store binding.
//
// A resolver failure never blocks a record write: the maintainer logs it and keeps
// the failed resolver's previous values.
package index
