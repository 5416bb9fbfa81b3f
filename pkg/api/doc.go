// Package api provides the extension host's HTTP API.
//
// # Endpoints
//
// All routes live under /api/v1:
//
//	GET    /plugins                                     registry snapshot
//	GET    /plugins/{name}                              one plugin
//	POST   /plugins/load                                load {"location"} or {"name"}
//	DELETE /plugins/{name}                              unload
//	POST   /plugins/discover                            run a discovery pass
//	POST   /plugins/register                            self-registration by plugin processes
//	GET    /plugins/{name}/components/{category}/{component}
//	GET    /menu, /settings, /fields                    navigation and field projections
//	GET    /events                                      server-sent registry snapshots
//	GET    /journal?limit=N                             lifecycle history
//
// Load failures map to status codes: a missing manifest is 404, an invalid one
// 422, a module that cannot run 502, and a module that never registered 202
// with the synthesized plugin entry in the body.
//
// With WithRateLimiter, load, unload and discover requests are limited per
// client and answer 429 once the bucket is empty.
package api
