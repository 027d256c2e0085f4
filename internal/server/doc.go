// Package server hosts the Fiber HTTP service and its request middleware
// chain. Every request gets an X-Request-ID; paths under /-/ are reserved for
// the agent's diagnostics routes, everything else goes to the injected
// ProxyHandler. Keep exports narrow and accept explicit dependencies.
package server
