// Package moq implements the subscriber side of the MoQ Transport
// (draft-ietf-moq-transport-15) wire codec: control message serialization
// and parsing, subgroup data stream headers, objects carrying LOC header
// extensions, and decoder configuration record parsing.
//
// This package contains no session logic; subscription state and stream
// demultiplexing live in [github.com/zsiec/prism-player/internal/transport].
package moq
