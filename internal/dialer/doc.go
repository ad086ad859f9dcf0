// Package dialer opens the outbound connections a SOCKS session proxies to.
//
// Every connector satisfies the same DialContext method as *net.Dialer, so
// the proxy core can dial directly or chain through another proxy (SOCKS5,
// HTTP CONNECT, or an SSH server's direct-tcpip channels) without knowing
// which. New picks the connector from an upstream URL.
package dialer
