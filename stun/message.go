package stun

import (
	"crypto/hmac"
)

// HeaderLen is the STUN header size in bytes.
const HeaderLen = 20

// Message represents a STUN message (header + attributes).
type Message struct {
	Method        uint16
	Class         int
	TransactionID TransactionID
	Attributes    []Attribute

	// raw and integrityAt are only set on parsed messages; they are what
	// CheckIntegrity hashes.
	raw         []byte
	integrityAt int
}

// NewBindingRequest creates a STUN Binding Request message.
func NewBindingRequest(tid TransactionID, attrs ...Attribute) *Message {
	return &Message{
		Method:        MethodBinding,
		Class:         ClassRequest,
		TransactionID: tid,
		Attributes:    attrs,
	}
}

// NewSuccessResponse creates a success response echoing the request's
// method and transaction ID.
func NewSuccessResponse(req *Message, attrs ...Attribute) *Message {
	return &Message{
		Method:        req.Method,
		Class:         ClassSuccessResponse,
		TransactionID: req.TransactionID,
		Attributes:    attrs,
	}
}

// NewErrorResponse creates an error response carrying ERROR-CODE.
func NewErrorResponse(req *Message, code int, reason string) *Message {
	return &Message{
		Method:        req.Method,
		Class:         ClassErrorResponse,
		TransactionID: req.TransactionID,
		Attributes:    []Attribute{ErrorCode{Code: code, Reason: reason}},
	}
}

// IsMessage reports whether pkt looks like a STUN message: long enough for
// a header, top two bits of the type zero and the magic cookie in place.
func IsMessage(pkt []byte) bool {
	return len(pkt) >= HeaderLen &&
		pkt[0]&0xC0 == 0 &&
		readU32(pkt[4:8]) == MagicCookie
}

// Marshal serializes the message without MESSAGE-INTEGRITY or FINGERPRINT.
func (m *Message) Marshal() []byte {
	return m.encode(nil, false)
}

// Encode serializes the message, appends MESSAGE-INTEGRITY keyed with key
// when key is non-nil, and always appends FINGERPRINT.
func (m *Message) Encode(key []byte) []byte {
	return m.encode(key, true)
}

func (m *Message) encode(key []byte, fingerprint bool) []byte {
	b := make([]byte, HeaderLen, 256)
	putU16(b[0:2], stunType(m.Method, m.Class))
	putU32(b[4:8], MagicCookie)
	copy(b[8:20], m.TransactionID[:])

	for _, a := range m.Attributes {
		b = appendAttr(b, a.Type(), a.value(m.TransactionID))
	}

	// The length field covers the attribute being computed at the time the
	// HMAC/CRC is taken (RFC 5389 15.4, 15.5).
	if key != nil {
		putU16(b[2:4], uint16(len(b)-HeaderLen+integrityAttrLen))
		b = appendAttr(b, AttrMessageIntegrity, integrity(key, b))
	}
	if fingerprint {
		putU16(b[2:4], uint16(len(b)-HeaderLen+fingerprintAttrLen))
		v := make([]byte, 4)
		putU32(v, fingerprintOf(b))
		b = appendAttr(b, AttrFingerprint, v)
	}

	putU16(b[2:4], uint16(len(b)-HeaderLen))
	return b
}

func appendAttr(b []byte, t AttrType, v []byte) []byte {
	var h [4]byte
	putU16(h[0:2], uint16(t))
	putU16(h[2:4], uint16(len(v)))
	b = append(b, h[:]...)
	b = append(b, v...)
	for i := len(v); i < padded(len(v)); i++ {
		b = append(b, 0)
	}
	return b
}

// Parse parses a raw packet into a STUN message.
//
// A present FINGERPRINT is verified. MESSAGE-INTEGRITY is located but only
// verified by CheckIntegrity, since the key depends on who sent the message.
// Unknown comprehension-required attributes abort parsing with
// *UnknownAttributesError; unknown comprehension-optional ones are skipped.
func Parse(pkt []byte) (*Message, error) {
	if !IsMessage(pkt) {
		return nil, ErrNotSTUN
	}
	length := int(readU16(pkt[2:4]))
	if length%4 != 0 || HeaderLen+length > len(pkt) {
		return nil, ErrNotSTUN
	}

	raw := make([]byte, HeaderLen+length)
	copy(raw, pkt)

	method, class := parseType(readU16(raw[0:2]))
	msg := &Message{
		Method:      method,
		Class:       class,
		raw:         raw,
		integrityAt: -1,
	}
	copy(msg.TransactionID[:], raw[8:20])

	var (
		unknown       []AttrType
		fingerprinted bool
	)
	off := HeaderLen
	for off < len(raw) {
		if fingerprinted || off+4 > len(raw) {
			return nil, ErrNotSTUN
		}
		start := off
		t := AttrType(readU16(raw[off : off+2]))
		n := int(readU16(raw[off+2 : off+4]))
		off += 4
		if off+n > len(raw) {
			return nil, ErrNotSTUN
		}
		v := raw[off : off+n]
		off += padded(n)

		switch t {
		case AttrMessageIntegrity:
			if n != integrityLen {
				return nil, ErrMalformedAttribute
			}
			if msg.integrityAt < 0 {
				msg.integrityAt = start
			}
			continue
		case AttrFingerprint:
			if n != 4 {
				return nil, ErrMalformedAttribute
			}
			if readU32(v) != fingerprintOf(raw[:start]) {
				return nil, ErrFingerprint
			}
			fingerprinted = true
			continue
		}

		// Everything between MESSAGE-INTEGRITY and FINGERPRINT is ignored.
		if msg.integrityAt >= 0 {
			continue
		}

		attr, known, err := decodeAttribute(t, v, msg.TransactionID)
		if err != nil {
			return nil, err
		}
		if !known {
			if t.Required() {
				unknown = append(unknown, t)
			}
			continue
		}
		msg.Attributes = append(msg.Attributes, attr)
	}

	if len(unknown) > 0 {
		return nil, &UnknownAttributesError{Types: unknown}
	}
	return msg, nil
}

// Decode parses pkt and verifies its MESSAGE-INTEGRITY with key.
func Decode(pkt []byte, key []byte) (*Message, error) {
	msg, err := Parse(pkt)
	if err != nil {
		return nil, err
	}
	if err := msg.CheckIntegrity(key); err != nil {
		return nil, err
	}
	return msg, nil
}

// HasIntegrity reports whether the parsed message carried MESSAGE-INTEGRITY.
func (m *Message) HasIntegrity() bool {
	return m.raw != nil && m.integrityAt >= 0
}

// CheckIntegrity verifies the MESSAGE-INTEGRITY of a parsed message.
func (m *Message) CheckIntegrity(key []byte) error {
	if !m.HasIntegrity() {
		return ErrIntegrity
	}
	at := m.integrityAt

	b := make([]byte, at)
	copy(b, m.raw[:at])
	putU16(b[2:4], uint16(at-HeaderLen+integrityAttrLen))

	if !hmac.Equal(integrity(key, b), m.raw[at+4:at+4+integrityLen]) {
		return ErrIntegrity
	}
	return nil
}

// Get returns the first attribute of the given type, or nil.
func (m *Message) Get(t AttrType) Attribute {
	for _, a := range m.Attributes {
		if a.Type() == t {
			return a
		}
	}
	return nil
}

// Contains reports whether an attribute of the given type is present.
func (m *Message) Contains(t AttrType) bool {
	return m.Get(t) != nil
}

// Add appends attributes to the message.
func (m *Message) Add(attrs ...Attribute) {
	m.Attributes = append(m.Attributes, attrs...)
}
