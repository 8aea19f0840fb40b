package memdx

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ExtFrameCode identifies the kind of an extended (framing) frame (spec.md
// §4.1).
type ExtFrameCode int

const (
	ExtFrameCodeDurability    ExtFrameCode = 0x01
	ExtFrameCodePreserveTTL   ExtFrameCode = 0x05
	ExtFrameCodeOnBehalfOf    ExtFrameCode = 0x04

	// ExtFrameCodeServerDuration is a response-side frame id; the
	// request/response ext-frame code spaces are distinct, so this does not
	// collide with ExtFrameCodeDurability despite both frames appearing on
	// requests and responses respectively.
	ExtFrameCodeServerDuration ExtFrameCode = 0x00
)

// ExtFrame is one decoded `(code, body)` extended frame.
type ExtFrame struct {
	Code ExtFrameCode
	Body []byte
}

// DurabilityLevel is the requested server-side durability for a mutation.
type DurabilityLevel uint8

const (
	DurabilityLevelNone       DurabilityLevel = 0x00
	DurabilityLevelMajority   DurabilityLevel = 0x01
	DurabilityLevelMajorityAndPersistActive DurabilityLevel = 0x02
	DurabilityLevelPersistToMajority        DurabilityLevel = 0x03
)

// EncodeExtFrames concatenates frames using the nibble/overflow encoding
// described in spec.md §4.1: hdr_byte | [ext_code_cont] | [ext_len_cont] | body,
// where a nibble value of 15 signals a following 1- or 2-byte overflow
// (code overflow is 2 bytes, length overflow is 1 byte, matching the
// source protocol's asymmetric continuation widths).
func EncodeExtFrames(frames []ExtFrame) ([]byte, error) {
	var out []byte
	for _, f := range frames {
		if f.Code < 0 || f.Code > 0xffff {
			return nil, fmt.Errorf("memdx: ext frame code out of range: %d", f.Code)
		}

		codeNibble := int(f.Code)
		lenNibble := len(f.Body)

		var hdr byte
		var tail []byte

		if codeNibble >= 15 {
			hdr = 0xf0
			overflow := codeNibble - 15
			tail = append(tail, byte(overflow>>8), byte(overflow&0xff))
		} else {
			hdr = byte(codeNibble) << 4
		}

		if lenNibble >= 15 {
			hdr |= 0x0f
			tail = append(tail, byte(lenNibble-15))
		} else {
			hdr |= byte(lenNibble)
		}

		out = append(out, hdr)
		out = append(out, tail...)
		out = append(out, f.Body...)
	}
	return out, nil
}

// DecodeExtFrames parses a concatenated run of ext frames out of buf.
func DecodeExtFrames(buf []byte) ([]ExtFrame, error) {
	var frames []ExtFrame
	for len(buf) > 0 {
		hdr := buf[0]
		buf = buf[1:]

		code := int(hdr >> 4)
		length := int(hdr & 0x0f)

		if code == 15 {
			if len(buf) < 2 {
				return nil, fmt.Errorf("memdx: truncated ext frame code overflow")
			}
			code = 15 + int(buf[0])<<8 + int(buf[1])
			buf = buf[2:]
		}
		if length == 15 {
			if len(buf) < 1 {
				return nil, fmt.Errorf("memdx: truncated ext frame length overflow")
			}
			length = 15 + int(buf[0])
			buf = buf[1:]
		}

		if len(buf) < length {
			return nil, fmt.Errorf("memdx: truncated ext frame body (want %d, have %d)", length, len(buf))
		}

		frames = append(frames, ExtFrame{Code: ExtFrameCode(code), Body: buf[:length]})
		buf = buf[length:]
	}
	return frames, nil
}

// EncodeDurabilityFrame builds the durability extended frame body: a level
// byte and, when hasTimeout is true, a 2-byte big-endian timeout in
// milliseconds clamped to [1, 65535] (spec.md §4.1 "Ext frames"); a
// requested timeout of 0ms is clamped up to 1ms rather than omitted.
func EncodeDurabilityFrame(level DurabilityLevel, hasTimeout bool, timeoutMillis uint32) ExtFrame {
	body := []byte{byte(level)}
	if hasTimeout {
		clamped := timeoutMillis
		if clamped > 65535 {
			clamped = 65535
		}
		if clamped < 1 {
			clamped = 1
		}
		tb := make([]byte, 2)
		binary.BigEndian.PutUint16(tb, uint16(clamped))
		body = append(body, tb...)
	}
	return ExtFrame{Code: ExtFrameCodeDurability, Body: body}
}

// DecodeDurabilityFrame is the inverse of EncodeDurabilityFrame, used by
// round-trip tests (spec.md §8 property 6). A zero-length timeout field in
// the body means "no explicit timeout was requested" and decodes as 0; the
// zero case encodes as 1ms per invariant 6, so a frame that carries a timeout
// field never decodes to 0.
func DecodeDurabilityFrame(f ExtFrame) (DurabilityLevel, uint32, error) {
	if len(f.Body) < 1 {
		return 0, 0, fmt.Errorf("memdx: empty durability frame")
	}
	level := DurabilityLevel(f.Body[0])
	if len(f.Body) < 3 {
		return level, 0, nil
	}
	return level, uint32(binary.BigEndian.Uint16(f.Body[1:3])), nil
}

// EncodePreserveTTLFrame returns the (empty-bodied) preserve-ttl request frame.
func EncodePreserveTTLFrame() ExtFrame {
	return ExtFrame{Code: ExtFrameCodePreserveTTL, Body: nil}
}

// EncodeOnBehalfOfFrame builds the "cb-on-behalf-of" ext frame body:
// username, optionally followed by ":" and a domain (spec.md §4.1, §6.4 OBO).
func EncodeOnBehalfOfFrame(username, domain string) ExtFrame {
	body := []byte(username)
	if domain != "" {
		body = append(body, ':')
		body = append(body, domain...)
	}
	return ExtFrame{Code: ExtFrameCodeOnBehalfOf, Body: body}
}

// DecodeServerDurationFrame decodes the 2-byte server-measured duration
// frame. The server encodes `raw = round((micros*2)^(1/1.74))`; this
// reverses it as `micros = round(raw^1.74 / 2)` (spec.md §4.1).
func DecodeServerDurationFrame(f ExtFrame) (uint32, error) {
	if len(f.Body) != 2 {
		return 0, fmt.Errorf("memdx: server duration frame must be 2 bytes, got %d", len(f.Body))
	}
	raw := binary.BigEndian.Uint16(f.Body)
	micros := math.Pow(float64(raw), 1.74) / 2
	return uint32(math.Round(micros)), nil
}
