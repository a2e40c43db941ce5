// Package dialer provides the outbound leg of a proxied connection.
//
// A Dialer opens one Channel per proxied connection. Two variants exist,
// chosen by the upstream URL: Tunnel opens "direct-tcpip" channels over one
// shared SSH session, DirectDialer connects to the target itself. Both
// expose the remote side as a stream of Messages so the relay can treat
// them alike.
package dialer
