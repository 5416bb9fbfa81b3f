// Package journal records plugin lifecycle history.
//
// A Journal subscribes to the registry, diffs each snapshot against the
// previous one and appends the resulting events to a Store:
//
//	store, err := journal.Open(ctx, "postgres", dsn)
//	j := journal.New(store, log)
//	j.Start(ctx)
//	unsubscribe := registry.Subscribe(j.Observe)
//
// Events are written asynchronously; Observe never blocks on the database.
package journal
