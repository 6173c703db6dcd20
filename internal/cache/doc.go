// Package cache implements the adaptive caching subsystem of the FleetKeep
// maintenance backend.
//
// The package provides:
//
//   - Backend: the storage contract, with an in-process LRU+TTL
//     implementation (MemoryCache) and a Redis implementation (RedisCache)
//     with compressed, pipelined values.
//   - KeyBuilder: deterministic namespaced key construction and wildcard
//     patterns for bulk invalidation.
//   - Manager: the facade consumers use. It selects one backend at startup
//     (memory, redis, or disabled), serializes values to JSON, and fails
//     open: backend malfunctions degrade to recomputing from the source of
//     truth, never to a caller-visible failure.
//   - Optimizer: a background policy engine that observes hit/miss outcomes
//     and latencies, keeps bounded per-key statistics, and periodically
//     derives TTL and granularity overrides that callers consult before
//     choosing cache parameters.
//
// Throughout the package a TTL of zero or below means "never expires";
// immediate removal is expressed with Delete.
package cache
