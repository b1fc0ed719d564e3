package moq

import (
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// Subgroup data stream types (draft-15 §10.4.2). The low bit signals that
// every object carries an extension block; bits 1-2 select how the subgroup
// ID is conveyed.
const (
	StreamTypeSubgroupZeroID       uint64 = 0x08
	StreamTypeSubgroupZeroIDExt    uint64 = 0x09
	StreamTypeSubgroupFirstObj     uint64 = 0x0a
	StreamTypeSubgroupFirstObjExt  uint64 = 0x0b
	StreamTypeSubgroupSID          uint64 = 0x0c
	StreamTypeSubgroupSIDExt       uint64 = 0x0d
	streamTypeSubgroupMin                 = StreamTypeSubgroupZeroID
	streamTypeSubgroupMax                 = StreamTypeSubgroupSIDExt
	streamTypeExtensionsFlag       uint64 = 0x01
	streamTypeExplicitSubgroupMask uint64 = 0x04
)

// Object status values carried when the payload length is zero.
const (
	ObjectStatusNormal       uint64 = 0x00
	ObjectStatusDoesNotExist uint64 = 0x01
	ObjectStatusEndOfGroup   uint64 = 0x03
	ObjectStatusEndOfTrack   uint64 = 0x04
)

// LOC header extension IDs (draft-ietf-moq-loc-01).
const (
	LOCExtCaptureTimestamp  uint64 = 2  // even: varint value = microseconds
	LOCExtVideoFrameMarking uint64 = 4  // even: varint value = RFC 9626 flags
	LOCExtVideoConfig       uint64 = 13 // odd: length-prefixed byte string
)

// vfmIndependent is the RFC 9626 I bit: the frame decodes without references.
const vfmIndependent uint64 = 0x20

// Upper bounds on length fields read from data streams. Lengths are checked
// before allocating.
const (
	MaxObjectSize     = 16 << 20 // one encoded access unit
	MaxExtensionsSize = 64 << 10 // LOC headers including a video config record
)

// ByteReader is what the data stream readers need: bulk reads for payloads
// and single-byte reads for varints. A *bufio.Reader satisfies it.
type ByteReader interface {
	io.Reader
	io.ByteReader
}

// SubgroupHeader is the header at the start of every subgroup data stream.
type SubgroupHeader struct {
	StreamType        uint64
	TrackAlias        uint64
	GroupID           uint64
	SubgroupID        uint64
	PublisherPriority byte
}

// HasExtensions reports whether objects on this stream carry extension blocks.
func (h SubgroupHeader) HasExtensions() bool {
	return h.StreamType&streamTypeExtensionsFlag != 0
}

// Object is a single MoQ object read from a subgroup stream, with its LOC
// extensions decoded.
type Object struct {
	ID      uint64
	Status  uint64
	Payload []byte

	CaptureTimestamp    uint64 // microseconds
	HasCaptureTimestamp bool
	FrameMarking        uint64
	HasFrameMarking     bool
	VideoConfig         []byte
}

// Keyframe reports whether the object is marked as an independently
// decodable frame.
func (o *Object) Keyframe() bool {
	return o.HasFrameMarking && o.FrameMarking&vfmIndependent != 0
}

// ReadSubgroupHeader reads a subgroup stream header. A clean io.EOF before
// the first byte is returned unchanged.
func ReadSubgroupHeader(r ByteReader) (SubgroupHeader, error) {
	var h SubgroupHeader

	var err error
	h.StreamType, err = quicvarint.Read(r)
	if err != nil {
		return h, err
	}
	if h.StreamType < streamTypeSubgroupMin || h.StreamType > streamTypeSubgroupMax {
		return h, fmt.Errorf("%w: 0x%x", ErrUnknownStreamType, h.StreamType)
	}

	h.TrackAlias, err = quicvarint.Read(r)
	if err != nil {
		return h, &ParseError{Field: "track_alias", Err: noEOF(err)}
	}
	h.GroupID, err = quicvarint.Read(r)
	if err != nil {
		return h, &ParseError{Field: "group_id", Err: noEOF(err)}
	}
	if h.StreamType&streamTypeExplicitSubgroupMask != 0 {
		h.SubgroupID, err = quicvarint.Read(r)
		if err != nil {
			return h, &ParseError{Field: "subgroup_id", Err: noEOF(err)}
		}
	}
	h.PublisherPriority, err = r.ReadByte()
	if err != nil {
		return h, &ParseError{Field: "publisher_priority", Err: noEOF(err)}
	}
	return h, nil
}

// ReadObject reads the next object from a subgroup stream. It returns io.EOF
// when the stream ends cleanly on an object boundary.
func ReadObject(r ByteReader, hasExtensions bool) (*Object, error) {
	id, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	obj := &Object{ID: id}

	if hasExtensions {
		extLen, err := quicvarint.Read(r)
		if err != nil {
			return nil, &ParseError{Field: "extensions_length", Err: noEOF(err)}
		}
		if extLen > MaxExtensionsSize {
			return nil, &ParseError{Field: "extensions_length", Err: fmt.Errorf("%w: %d bytes", ErrTooLarge, extLen)}
		}
		if extLen > 0 {
			exts := make([]byte, extLen)
			if _, err := io.ReadFull(r, exts); err != nil {
				return nil, &ParseError{Field: "extensions", Err: noEOF(err)}
			}
			if err := parseLOCExtensions(exts, obj); err != nil {
				return nil, err
			}
		}
	}

	payloadLen, err := quicvarint.Read(r)
	if err != nil {
		return nil, &ParseError{Field: "payload_length", Err: noEOF(err)}
	}
	if payloadLen == 0 {
		obj.Status, err = quicvarint.Read(r)
		if err != nil {
			return nil, &ParseError{Field: "object_status", Err: noEOF(err)}
		}
		return obj, nil
	}
	if payloadLen > MaxObjectSize {
		return nil, &ParseError{Field: "payload_length", Err: fmt.Errorf("%w: %d bytes", ErrTooLarge, payloadLen)}
	}

	obj.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(r, obj.Payload); err != nil {
		return nil, &ParseError{Field: "payload", Err: noEOF(err)}
	}
	return obj, nil
}

// AppendSubgroupHeader appends a subgroup header to buf.
func AppendSubgroupHeader(buf []byte, h SubgroupHeader) []byte {
	buf = quicvarint.Append(buf, h.StreamType)
	buf = quicvarint.Append(buf, h.TrackAlias)
	buf = quicvarint.Append(buf, h.GroupID)
	if h.StreamType&streamTypeExplicitSubgroupMask != 0 {
		buf = quicvarint.Append(buf, h.SubgroupID)
	}
	return append(buf, h.PublisherPriority)
}

// AppendObject appends an object with LOC extensions to buf, in the layout
// used by subgroup streams that carry extensions.
func AppendObject(buf []byte, obj *Object) []byte {
	var exts []byte
	if obj.HasCaptureTimestamp {
		exts = quicvarint.Append(exts, LOCExtCaptureTimestamp)
		exts = quicvarint.Append(exts, obj.CaptureTimestamp)
	}
	if obj.HasFrameMarking {
		exts = quicvarint.Append(exts, LOCExtVideoFrameMarking)
		exts = quicvarint.Append(exts, obj.FrameMarking)
	}
	if len(obj.VideoConfig) > 0 {
		exts = quicvarint.Append(exts, LOCExtVideoConfig)
		exts = appendVarIntBytes(exts, obj.VideoConfig)
	}

	buf = quicvarint.Append(buf, obj.ID)
	buf = appendVarIntBytes(buf, exts)
	buf = quicvarint.Append(buf, uint64(len(obj.Payload)))
	if len(obj.Payload) == 0 {
		return quicvarint.Append(buf, obj.Status)
	}
	return append(buf, obj.Payload...)
}

// parseLOCExtensions decodes the key-value extension block of an object.
// Even keys carry a varint, odd keys a length-prefixed byte string; unknown
// keys are skipped.
func parseLOCExtensions(data []byte, obj *Object) error {
	r := newBufReader(data)
	for r.remaining() > 0 {
		key, err := r.readVarint()
		if err != nil {
			return &ParseError{Field: "extension_key", Err: err}
		}
		if key%2 == 1 {
			val, err := r.readVarIntBytes()
			if err != nil {
				return &ParseError{Field: "extension_value", Err: err}
			}
			if key == LOCExtVideoConfig {
				obj.VideoConfig = append([]byte(nil), val...)
			}
			continue
		}

		val, err := r.readVarint()
		if err != nil {
			return &ParseError{Field: "extension_value", Err: err}
		}
		switch key {
		case LOCExtCaptureTimestamp:
			obj.CaptureTimestamp = val
			obj.HasCaptureTimestamp = true
		case LOCExtVideoFrameMarking:
			obj.FrameMarking = val
			obj.HasFrameMarking = true
		}
	}
	return nil
}

// noEOF converts io.EOF in the middle of a structure to io.ErrUnexpectedEOF.
func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
