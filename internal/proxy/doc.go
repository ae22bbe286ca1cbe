// Package proxy forwards requests that completed the identity pipeline to
// the upstream of their bound route.
//
// The proxy reads the destination from the request's pipeline tracker, so
// it must run as the final handler of a pipeline.Coordinator:
//
//	p := proxy.NewReverseProxy(proxy.WithProxyLogger(logger))
//	handler := coordinator.Handler(p)
//
// Hop-by-hop headers are removed per RFC 7230 and X-Forwarded-* headers are
// set before the request leaves the gateway.
package proxy
