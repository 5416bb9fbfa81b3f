// Package middleware provides HTTP middleware guarding the plugin API.
//
// RateLimit applies a per-client token bucket, keyed by the first
// X-Forwarded-For hop, X-Real-IP, or the remote address:
//
//	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
//	limiter.StartCleanup(ctx)
//	router.Handle("/plugins/load", middleware.RateLimit(limiter)(handler))
//
// Rejected requests get 429 with Retry-After and X-RateLimit-* headers.
package middleware
