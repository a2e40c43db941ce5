// Package conn holds socket-level plumbing shared by the listener and the
// outbound dialers: keepalive listeners and per-socket options applied at
// dial time.
package conn
