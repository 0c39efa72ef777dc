package protocol

import (
	"bytes"
	"fmt"
	"strconv"
)

// Frame types used by the burp status monitor protocol.
const (
	// TypeCommand carries commands and JSON status payloads.
	TypeCommand byte = 'c'
	// TypeWarning carries free-form warning text from the server.
	TypeWarning byte = 'w'
)

const (
	// headerLen is one type byte plus four hex digits of length.
	headerLen = 5
	// maxPayload keeps the declared length (payload plus the reserved
	// terminator byte) within four hex digits.
	maxPayload = 0xFFFF - 1
)

// sentinel is the empty message burp emits after JSON pretty-printing has
// been turned off. It is dropped without producing a frame.
var sentinel = []byte("c0001\n")

// Frame is one length-prefixed message unit.
type Frame struct {
	Type    byte
	Payload []byte
}

// EncodeFrame produces the wire form <cmd><4 hex digits><payload><NUL>.
// The declared length counts the payload plus the terminator byte.
func EncodeFrame(cmd byte, payload []byte) ([]byte, error) {
	if cmd != TypeCommand && cmd != TypeWarning {
		return nil, protoErrorf("invalid command byte %q", cmd)
	}
	if len(payload) > maxPayload {
		return nil, protoErrorf("payload too large: %d bytes", len(payload))
	}
	out := make([]byte, 0, headerLen+len(payload)+1)
	out = append(out, cmd)
	out = append(out, fmt.Sprintf("%04X", len(payload)+1)...)
	out = append(out, payload...)
	out = append(out, 0)
	return out, nil
}

// Feed decodes as many complete frames as buf contains. The server may
// coalesce several messages into one write, and a message may arrive split
// across reads, so Feed returns the undecoded remainder for the caller to
// prepend to the next read. Payloads are copied out of buf.
func Feed(buf []byte) ([]Frame, []byte, error) {
	var frames []Frame
	for len(buf) > 0 {
		if len(buf) == len(sentinel) && bytes.Equal(buf, sentinel) {
			buf = nil
			break
		}
		if len(buf) < headerLen {
			break // partial header
		}
		typ := buf[0]
		if typ != TypeCommand && typ != TypeWarning {
			return frames, buf, protoErrorf("unexpected code %q in message", typ)
		}
		declared, err := strconv.ParseUint(string(buf[1:headerLen]), 16, 32)
		if err != nil {
			return frames, buf, protoErrorf("invalid length %q in message", buf[1:headerLen])
		}
		if declared == 0 {
			return frames, buf, protoErrorf("zero length in message")
		}
		total := headerLen + int(declared)
		if len(buf) < total {
			break // partial frame, wait for more data
		}
		// The declared length includes the reserved terminator byte,
		// which is consumed but not part of the payload.
		payload := make([]byte, declared-1)
		copy(payload, buf[headerLen:total-1])
		frames = append(frames, Frame{Type: typ, Payload: payload})
		buf = buf[total:]
	}
	return frames, buf, nil
}
