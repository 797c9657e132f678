// Package wire implements the S2S flow-file-v3 wire encoding: the
// length-prefixed byte stream a Transaction streams to a peer's content
// URL, and the DataPacket type that feeds it.
package wire

import (
	"io"
	"strings"

	"github.com/google/uuid"
)

// DataPacket is an attribute bag plus an opaque payload. The payload is
// either a fully materialized buffer or a pull-stream of declared length;
// either way Length must equal the number of bytes Body will yield.
//
// A DataPacket is consumed exactly once, by whichever Transaction it is
// handed to; nothing in this package mutates it after construction.
type DataPacket struct {
	Attributes map[string]string
	Body       io.Reader
	Length     int64
}

// NewPacket builds a DataPacket from an attribute map and a reader of
// known length. If attrs doesn't already carry a "uuid" key, one is
// stamped in: the S2S wire format expects every flow file to carry a
// uuid attribute, and a caller building packets by hand shouldn't have
// to generate one itself.
func NewPacket(attrs map[string]string, body io.Reader, length int64) DataPacket {
	out := make(map[string]string, len(attrs)+1)
	for k, v := range attrs {
		out[k] = v
	}
	if _, ok := out["uuid"]; !ok {
		out["uuid"] = uuid.New().String()
	}
	return DataPacket{Attributes: out, Body: body, Length: length}
}

// NewPacketFromBytes wraps a fully materialized buffer.
func NewPacketFromBytes(attrs map[string]string, data []byte) DataPacket {
	return NewPacket(attrs, strings.NewReader(string(data)), int64(len(data)))
}

// NewPacketFromString is a convenience wrapper over NewPacket for simple
// text payloads.
func NewPacketFromString(attrs map[string]string, s string) DataPacket {
	return NewPacket(attrs, strings.NewReader(s), int64(len(s)))
}
