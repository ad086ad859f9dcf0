// Package socks implements a SOCKS4, SOCKS4a and SOCKS5 proxy server.
//
// Negotiate runs the per-connection handshake (version detection, SOCKS5
// method selection and RFC 1929 username/password authentication, request
// parsing, CONNECT and BIND) and hands back the connection to the
// destination. CopyBidirectional relays bytes between the two ends, and
// Server ties both together behind an accept loop.
//
// UDP ASSOCIATE is rejected. Nothing in this package applies idle or
// negotiation timeouts; a silent peer holds its session open until the
// connection drops or the server's context is canceled.
package socks
