// Package server hosts the Fiber HTTP service: the middleware chain that
// assigns request IDs, resolves the Host header to a configured site and
// writes access logs, plus the site registry built from config. Serving the
// files themselves is delegated to a FileHandler so tests can inject fakes;
// diagnostics endpoints live in the routes subpackage.
package server
