// Package httpmw provides the HTTP middleware shared by the public site
// server and the admin API server.
//
// httpserver.NewHandler composes it outermost first: security headers,
// recovery, request ID, client IP, rate limiting, tracing, metrics,
// request logging, then the chi router with access logging and route
// annotation.
//
// Client-supplied data (query strings, user agents, forwarding headers) is
// kept out of logs.
package httpmw
