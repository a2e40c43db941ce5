// Package proxy implements the SOCKS5 listener side of sockssh.
//
// SOCKS5Server accepts client connections, runs the handshake, resolves and
// opens the outbound leg through a dialer.Dialer, and then relays bytes until
// either side is done. Relay is the event loop used for tunneled channels;
// CopyBidirectional is the plain socket-to-socket copy used for direct dials.
package proxy
