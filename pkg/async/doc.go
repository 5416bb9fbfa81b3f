// Package async runs background tasks that must never take the host down.
//
// SafeGo starts a goroutine with a timeout-bound context, recovers panics and
// logs returned errors:
//
//	async.SafeGo(ctx, log, time.Minute, "rediscover", func(ctx context.Context) error {
//		discoverer.Discover(ctx)
//		return nil
//	})
package async
