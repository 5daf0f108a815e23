// Package server hosts the Fiber HTTP front that plays the hosting runtime:
// it assigns request IDs, resolves the Host header to a configured site and
// hands the request to a ProxyHandler, which dispatches the fetch event.
// It also owns the shared upstream http.Client and header-copy helpers used
// by the network fetcher.
package server
