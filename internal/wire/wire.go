// Package wire implements the fixed-layout timing header prefixed to every
// measured packet.
//
// The header is 12 bytes: a 4-byte sequence number followed by an 8-byte
// send timestamp in microseconds since the Unix epoch. Both fields are
// big-endian regardless of host byte order, so records produced by any node
// or plugin binary decode identically everywhere.
package wire

import (
	"encoding/binary"
	"errors"
	"time"
)

// HeaderSize is the fixed length of the timing header in bytes.
const HeaderSize = 12

// ErrMalformedHeader is returned when a packet is too short to carry a
// complete header. It is fatal to the single record, never to the run.
var ErrMalformedHeader = errors.New("wire: malformed timing header")

// Header is the decoded timing prefix of a measured packet.
type Header struct {
	Seq        uint32
	SendTimeUS uint64
}

// Now returns the current wall clock in microseconds since the Unix epoch.
func Now() uint64 {
	return uint64(time.Now().UnixMicro())
}

// Encode prefixes payload with a timing header carrying seq and the current
// time. The timestamp is sampled here, so callers must invoke Encode
// immediately before handing the bytes to the transport.
func Encode(seq uint32, payload []byte) []byte {
	return EncodeAt(seq, Now(), payload)
}

// EncodeAt is Encode with an explicit timestamp, for re-stamping and tests.
func EncodeAt(seq uint32, sendTimeUS uint64, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], seq)
	binary.BigEndian.PutUint64(buf[4:12], sendTimeUS)
	copy(buf[HeaderSize:], payload)
	return buf
}

// Decode splits a packet into its timing header and payload. Input shorter
// than HeaderSize yields ErrMalformedHeader and no partial record.
func Decode(b []byte) (Header, []byte, error) {
	if len(b) < HeaderSize {
		return Header{}, nil, ErrMalformedHeader
	}
	h := Header{
		Seq:        binary.BigEndian.Uint32(b[0:4]),
		SendTimeUS: binary.BigEndian.Uint64(b[4:12]),
	}
	return h, b[HeaderSize:], nil
}

// ErrMalformedTag is returned when a payload claims a sender tag longer
// than the payload itself.
var ErrMalformedTag = errors.New("wire: malformed sender tag")

// TagSender prefixes payload with the sending node's identity so the
// receiving host can attribute the packet to the right sender: one
// length byte, the node ID bytes, then the application payload. The tag
// sits behind the timing header, invisible to the header codec.
func TagSender(nodeID string, payload []byte) []byte {
	if len(nodeID) > 255 {
		nodeID = nodeID[:255]
	}
	out := make([]byte, 0, 1+len(nodeID)+len(payload))
	out = append(out, byte(len(nodeID)))
	out = append(out, nodeID...)
	return append(out, payload...)
}

// UntagSender splits a tagged payload into the sender's node ID and the
// application payload.
func UntagSender(b []byte) (string, []byte, error) {
	if len(b) < 1 {
		return "", nil, ErrMalformedTag
	}
	n := int(b[0])
	if len(b) < 1+n {
		return "", nil, ErrMalformedTag
	}
	return string(b[1 : 1+n]), b[1+n:], nil
}
