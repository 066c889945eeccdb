// Package kcore implements a Kafka wire-protocol client core: a
// multiplexed broker connection, a metadata-cache-backed router, a
// batching producer, and a per-partition polling consumer, all built on
// the minimal request/response codec in pkg/kproto.
//
// Group membership, rebalancing, offset commit, SASL handshakes, and
// transactions are out of scope; a caller who needs them composes this
// package with their own coordinator.
package kcore
