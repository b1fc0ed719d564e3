// Package webtransport adapts WebTransport client sessions from
// github.com/quic-go/webtransport-go to the small set of stream operations
// the MoQ subscriber needs: one bidirectional control stream, incoming
// unidirectional data streams, and session close.
package webtransport
