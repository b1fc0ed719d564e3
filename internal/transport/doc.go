// Package transport implements the subscriber side of a MoQ Transport
// session on top of a WebTransport session.
//
// A Session performs the CLIENT_SETUP / SERVER_SETUP handshake on the first
// bidirectional stream, then runs two loops: one dispatching control messages
// (SUBSCRIBE_OK, SUBSCRIBE_ERROR, PUBLISH_DONE, MAX_REQUEST_ID, GOAWAY) and
// one accepting unidirectional data streams. Each data stream carries one
// subgroup and is routed to its TrackReader by track alias. Streams whose
// alias is not yet known, because they arrived before the SUBSCRIBE_OK that
// announces it, are parked until the alias is bound.
//
// Subscribers see tracks as a sequence of groups (GroupReader), each a
// sequence of frames, both ending with io.EOF.
package transport
