// Package session provides the in-memory half of the session engine: the durable
// [Record] model, the per-handle [Tracker] that records exactly which parts of a
// record changed, and the pure save-policy function [ComputeFlushSet] that turns
// tracker state into the minimal set of writes a store must apply.
//
// # Change tracking
//
// A [Tracker] wraps one loaded or freshly created [Record]. Every attribute carries
// an [AttributeState]; metadata changes (id, last access, max inactive interval) are
// tracked as independent flags. Setting an attribute to the value it already holds
// still marks it dirty: the tracker records intent, not equality.
//
// # Binary encoding
//
// Whole records are encoded into a versioned binary blob by [Encode] and read back by
// [Decode]. Attribute values are opaque to this package and are serialized by a
// caller-chosen [Codec].
//
// # Architecture boundaries
//
// This package owns the record model, tracking and encoding. It does NOT perform
// I/O, resolve indexes, or decide when a flush happens; those responsibilities belong
// to the store bindings, the index package and the Engine.
//
// # What this package must NOT do
//
//   - Import goSession, index, or store (no upward imports).
//   - Inspect attribute values beyond passing them to a [Codec].
package session
