// Package httpmw provides HTTP middleware for the gateway listener.
//
// httpserver.NewHandler composes them outermost first: recover, request ID,
// client IP resolution, otel tracing, trace headers, metrics, request-scoped
// logging, security header defaults, then the chi router where access logging,
// body limits and per-policy rate limiting run.
//
// Client IP resolution runs before anything that keys on the caller, the rate
// limiter in particular. User-supplied data (query values, user-agent, bodies)
// is kept out of logs.
package httpmw
