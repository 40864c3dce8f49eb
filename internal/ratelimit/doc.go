// Package ratelimit provides per-key sliding-window rate limiting backed by a
// bounded, in-memory LRU store with idle expiry.
//
// Each key keeps a log of admitted request timestamps. A request is admitted
// while fewer than MaxRequestsPerWindow timestamps fall inside the half-open
// window (now-window, now]; rejected attempts are never recorded. The store
// holds at most MaxTrackedKeys keys, evicting the least recently used key when
// a new one arrives, and drops keys idle for KeyTTLMs either lazily on lookup
// or from the background sweep in [Limiter.Run].
//
// This is a single-instance limiter. Behind N gateway replicas each replica
// enforces its own quota, so the effective aggregate limit is N times the
// configured one. Under extreme key churn the evicted tail is effectively
// unlimited; memory stays bounded instead.
package ratelimit
