// Package health provides composable probes and the HTTP handlers behind the
// ops server's /-/healthy and /-/ready endpoints.
//
// Probes combine with [All] (AND), [Any] (OR) and [Fixed] (static).
// [CheckFunc] adapts a plain function into a [Probe]. [Upstream] checks the
// protected front end answers at all, any HTTP status counts.
//
// [ShutdownGate] fails readiness as soon as draining starts so load balancers
// stop routing to the gateway before in-flight requests finish.
package health
