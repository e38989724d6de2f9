// Package mcpconn owns the lifecycle of client connections to external MCP
// tool servers.
//
// A Manager caches at most one live connection per (server, scope) pair. A
// scope is an opaque identifier for one top-level unit of work; nested work
// receives the same identifier by value and reuses the cached connections.
// When the unit of work ends, the caller invokes Release with its scope and
// every connection opened under it is torn down.
//
// Connections are established outside the manager's lock. If two callers race
// to establish the same key, the first to insert wins and the loser tears its
// own connection down before returning the winner's handle.
//
// Two transports are supported: network servers reached over streamable HTTP
// (or SSE), and subprocess servers spoken to over stdio. Both return a Handle
// plus a Teardown stack that is unwound in reverse acquisition order.
package mcpconn
