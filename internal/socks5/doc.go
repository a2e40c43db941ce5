// Package socks5 implements the server side of the SOCKS5 subset sockssh
// speaks: the no-auth greeting, CONNECT requests with IPv4, IPv6 or domain
// targets, and the replies written before relaying starts.
//
// Wire constants and reply encoding come from github.com/txthinking/socks5;
// request parsing is done here so that oversized names and unsupported
// fields map onto the sentinel errors below instead of being truncated.
package socks5
