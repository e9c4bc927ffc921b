// Package governance holds the per-key admission and isolation controls of
// the guard: token bucket rate limiting per (identifier type, identifier,
// scope) and circuit breaking per (service, provider).
//
// Both controls keep their state in sharded registries with an LRU bound per
// shard and an idle TTL sweep, so lookups for unrelated keys never contend on
// a shared lock. Policies can be replaced at runtime without resetting
// accumulated tokens or failure counters.
package governance
