package memdx

import (
	"encoding/binary"
	"fmt"
)

// Magic discriminates request/response and the presence of framing extras
// (spec.md §4.1, §6.1).
type Magic uint8

const (
	MagicReq       Magic = 0x80
	MagicRes       Magic = 0x81
	MagicReqFlex   Magic = 0x08
	MagicResFlex   Magic = 0x18
)

func (m Magic) isFlex() bool {
	return m == MagicReqFlex || m == MagicResFlex
}

func (m Magic) isResponse() bool {
	return m == MagicRes || m == MagicResFlex
}

// HeaderSize is the fixed binary protocol header length.
const HeaderSize = 24

// Packet is a decoded request or response packet (spec.md §3 "Request/Response
// packet"). VbucketID and Status alias the same header field depending on
// whether the packet is a request or a response.
type Packet struct {
	Magic        Magic
	OpCode       OpCode
	VbucketID    uint16
	Status       Status
	Opaque       uint32
	Cas          uint64
	Datatype     uint8
	FramingExtras []byte
	Extras       []byte
	Key          []byte
	Value        []byte
}

// Encode serializes the packet into the wire framing described in spec.md
// §4.1/§6.1: a 24-byte header, optionally preceded in its layout by a 1-byte
// framing-extras length when the flexible-framing magic is used.
func (p *Packet) Encode() ([]byte, error) {
	useFlex := len(p.FramingExtras) > 0
	magic := p.Magic
	if magic == 0 {
		if useFlex {
			magic = MagicReqFlex
		} else {
			magic = MagicReq
		}
	}

	var keyLenByte int
	var flexLen int
	if useFlex {
		if len(p.FramingExtras) > 255 {
			return nil, fmt.Errorf("memdx: framing extras too large (%d bytes)", len(p.FramingExtras))
		}
		flexLen = len(p.FramingExtras)
		keyLenByte = len(p.Key)
		if keyLenByte > 255 {
			return nil, fmt.Errorf("memdx: key too large for flexible framing (%d bytes)", keyLenByte)
		}
	} else {
		keyLenByte = len(p.Key)
	}

	bodyLen := len(p.FramingExtras) + len(p.Extras) + len(p.Key) + len(p.Value)
	buf := make([]byte, HeaderSize+bodyLen)

	buf[0] = byte(magic)
	buf[1] = byte(p.OpCode)
	if useFlex {
		buf[2] = byte(flexLen)
		buf[3] = byte(keyLenByte)
	} else {
		binary.BigEndian.PutUint16(buf[2:4], uint16(keyLenByte))
	}
	buf[4] = byte(len(p.Extras))
	buf[5] = p.Datatype
	if magic.isResponse() {
		binary.BigEndian.PutUint16(buf[6:8], uint16(p.Status))
	} else {
		binary.BigEndian.PutUint16(buf[6:8], p.VbucketID)
	}
	binary.BigEndian.PutUint32(buf[8:12], uint32(bodyLen))
	binary.BigEndian.PutUint32(buf[12:16], p.Opaque)
	binary.BigEndian.PutUint64(buf[16:24], p.Cas)

	off := HeaderSize
	off += copy(buf[off:], p.FramingExtras)
	off += copy(buf[off:], p.Extras)
	off += copy(buf[off:], p.Key)
	copy(buf[off:], p.Value)

	return buf, nil
}

// DecodeHeader parses the fixed 24-byte header from buf (which must be at
// least HeaderSize bytes) and returns the packet with field lengths needed to
// read the variable body, plus the declared total body length.
func DecodeHeader(buf []byte) (pkt Packet, bodyLen int, extrasLen int, keyLen int, framingLen int, err error) {
	if len(buf) < HeaderSize {
		return Packet{}, 0, 0, 0, 0, fmt.Errorf("memdx: short header (%d bytes)", len(buf))
	}

	magic := Magic(buf[0])
	pkt.Magic = magic
	pkt.OpCode = OpCode(buf[1])
	extrasLen = int(buf[4])
	pkt.Datatype = buf[5]

	if magic.isFlex() {
		framingLen = int(buf[2])
		keyLen = int(buf[3])
	} else {
		keyLen = int(binary.BigEndian.Uint16(buf[2:4]))
	}

	if magic.isResponse() {
		pkt.Status = Status(binary.BigEndian.Uint16(buf[6:8]))
	} else {
		pkt.VbucketID = binary.BigEndian.Uint16(buf[6:8])
	}

	bodyLen = int(binary.BigEndian.Uint32(buf[8:12]))
	pkt.Opaque = binary.BigEndian.Uint32(buf[12:16])
	pkt.Cas = binary.BigEndian.Uint64(buf[16:24])

	return pkt, bodyLen, extrasLen, keyLen, framingLen, nil
}

// DecodeBody splits body (of length bodyLen, as declared by the header) into
// framing-extras, extras, key and value, and attaches them to pkt.
func DecodeBody(pkt *Packet, body []byte, extrasLen, keyLen, framingLen int) error {
	need := framingLen + extrasLen + keyLen
	if len(body) < need {
		return fmt.Errorf("memdx: body shorter than declared fields (%d < %d)", len(body), need)
	}

	off := 0
	if framingLen > 0 {
		pkt.FramingExtras = body[off : off+framingLen]
		off += framingLen
	}
	if extrasLen > 0 {
		pkt.Extras = body[off : off+extrasLen]
		off += extrasLen
	}
	if keyLen > 0 {
		pkt.Key = body[off : off+keyLen]
		off += keyLen
	}
	pkt.Value = body[off:]

	return nil
}

// ServerDurationMicros decodes the server-duration ext frame from a
// response's FramingExtras, if present (spec.md §4.1). Malformed framing
// extras are treated the same as "absent" rather than surfaced as an error,
// since this is diagnostic data and should never fail an otherwise-successful
// response.
func (p *Packet) ServerDurationMicros() (uint32, bool) {
	if len(p.FramingExtras) == 0 {
		return 0, false
	}
	frames, err := DecodeExtFrames(p.FramingExtras)
	if err != nil {
		return 0, false
	}
	for _, f := range frames {
		if f.Code != ExtFrameCodeServerDuration {
			continue
		}
		micros, err := DecodeServerDurationFrame(f)
		if err != nil {
			return 0, false
		}
		return micros, true
	}
	return 0, false
}

// AppendULEB128 appends the ULEB128 encoding of v to buf, used to prefix
// collection IDs onto keys when the Collections feature is negotiated
// (spec.md §6.1).
func AppendULEB128(buf []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			buf = append(buf, b|0x80)
		} else {
			buf = append(buf, b)
			return buf
		}
	}
}

// DecodeULEB128 reads a ULEB128-encoded value from the front of buf,
// returning the value and the remaining bytes.
func DecodeULEB128(buf []byte) (uint32, []byte, error) {
	var v uint32
	var shift uint
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		v |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, buf[i+1:], nil
		}
		shift += 7
		if shift > 28 {
			return 0, nil, fmt.Errorf("memdx: uleb128 overflow")
		}
	}
	return 0, nil, fmt.Errorf("memdx: truncated uleb128")
}
