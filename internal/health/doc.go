// Package health serves the liveness and readiness endpoints of the identity
// gateway on its gin admin engine.
//
// Readiness runs every registered dependency check concurrently under a
// timeout. A failing required check or a draining gateway fails readiness;
// a failing optional check only reports the gateway as degraded.
//
//	h := health.NewHandler(logger)
//	h.AddCheck(health.NewHealthCheckFunc("directory", store.Ping))
//	h.AddOptionalCheck(health.NewHealthCheckFunc("jwks", keysCheck))
//	h.RegisterRoutes(engine)
package health
