package stun

import (
	"encoding/binary"
	"net"
)

// Attribute is one decoded STUN attribute. The set is closed: only the
// types declared in this file implement it. MESSAGE-INTEGRITY and
// FINGERPRINT are not attributes in this sense, they are produced by
// Message.Encode and verified while decoding.
type Attribute interface {
	Type() AttrType
	value(tid TransactionID) []byte
}

// MappedAddress is a decoded MAPPED-ADDRESS (RFC 5389 legacy).
type MappedAddress struct {
	IP   net.IP
	Port int
}

// XORMappedAddress is a decoded XOR-MAPPED-ADDRESS.
type XORMappedAddress struct {
	IP   net.IP
	Port int
}

// Username is the USERNAME attribute.
type Username string

// Priority is the ICE PRIORITY attribute.
type Priority uint32

// ICEControlling carries the tie-breaker of an agent in the controlling role.
type ICEControlling uint64

// ICEControlled carries the tie-breaker of an agent in the controlled role.
type ICEControlled uint64

// UseCandidate is the ICE USE-CANDIDATE flag attribute.
type UseCandidate struct{}

// ErrorCode is the ERROR-CODE attribute.
type ErrorCode struct {
	Code   int
	Reason string
}

// Software is the SOFTWARE attribute.
type Software string

// UnknownAttributes lists the attribute types a 420 response rejects.
type UnknownAttributes []AttrType

func (MappedAddress) Type() AttrType     { return AttrMappedAddress }
func (XORMappedAddress) Type() AttrType  { return AttrXORMappedAddress }
func (Username) Type() AttrType          { return AttrUsername }
func (Priority) Type() AttrType          { return AttrPriority }
func (ICEControlling) Type() AttrType    { return AttrICEControlling }
func (ICEControlled) Type() AttrType     { return AttrICEControlled }
func (UseCandidate) Type() AttrType      { return AttrUseCandidate }
func (ErrorCode) Type() AttrType         { return AttrErrorCode }
func (Software) Type() AttrType          { return AttrSoftware }
func (UnknownAttributes) Type() AttrType { return AttrUnknownAttributes }

func (a MappedAddress) value(TransactionID) []byte {
	return encodeAddress(a.IP, a.Port, false, TransactionID{})
}

func (a XORMappedAddress) value(tid TransactionID) []byte {
	return encodeAddress(a.IP, a.Port, true, tid)
}

func (u Username) value(TransactionID) []byte { return []byte(u) }

func (p Priority) value(TransactionID) []byte {
	v := make([]byte, 4)
	putU32(v, uint32(p))
	return v
}

func (c ICEControlling) value(TransactionID) []byte { return tieBreaker(uint64(c)) }

func (c ICEControlled) value(TransactionID) []byte { return tieBreaker(uint64(c)) }

func (UseCandidate) value(TransactionID) []byte { return nil }

func (e ErrorCode) value(TransactionID) []byte {
	v := make([]byte, 4+len(e.Reason))
	v[2] = byte(e.Code / 100)
	v[3] = byte(e.Code % 100)
	copy(v[4:], e.Reason)
	return v
}

func (s Software) value(TransactionID) []byte { return []byte(s) }

func (u UnknownAttributes) value(TransactionID) []byte {
	v := make([]byte, 2*len(u))
	for i, t := range u {
		putU16(v[2*i:], uint16(t))
	}
	return v
}

func tieBreaker(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// decodeAttribute maps a raw TLV onto the closed attribute set.
// known is false for types outside the set.
func decodeAttribute(t AttrType, v []byte, tid TransactionID) (attr Attribute, known bool, err error) {
	switch t {
	case AttrMappedAddress:
		ip, port, err := decodeAddress(v, false, tid)
		return MappedAddress{IP: ip, Port: port}, true, err
	case AttrXORMappedAddress:
		ip, port, err := decodeAddress(v, true, tid)
		return XORMappedAddress{IP: ip, Port: port}, true, err
	case AttrUsername:
		return Username(v), true, nil
	case AttrPriority:
		if len(v) != 4 {
			return nil, true, ErrMalformedAttribute
		}
		return Priority(readU32(v)), true, nil
	case AttrICEControlling, AttrICEControlled:
		if len(v) != 8 {
			return nil, true, ErrMalformedAttribute
		}
		tb := binary.BigEndian.Uint64(v)
		if t == AttrICEControlling {
			return ICEControlling(tb), true, nil
		}
		return ICEControlled(tb), true, nil
	case AttrUseCandidate:
		if len(v) != 0 {
			return nil, true, ErrMalformedAttribute
		}
		return UseCandidate{}, true, nil
	case AttrErrorCode:
		if len(v) < 4 {
			return nil, true, ErrMalformedAttribute
		}
		code := int(v[2]&0x07)*100 + int(v[3])
		return ErrorCode{Code: code, Reason: string(v[4:])}, true, nil
	case AttrSoftware:
		return Software(v), true, nil
	case AttrUnknownAttributes:
		if len(v)%2 != 0 {
			return nil, true, ErrMalformedAttribute
		}
		u := make(UnknownAttributes, 0, len(v)/2)
		for i := 0; i < len(v); i += 2 {
			u = append(u, AttrType(readU16(v[i:])))
		}
		return u, true, nil
	}
	return nil, false, nil
}

// encodeAddress encodes a (XOR-)MAPPED-ADDRESS payload.
func encodeAddress(ip net.IP, port int, xor bool, tid TransactionID) []byte {
	var v []byte
	if ip4 := ip.To4(); ip4 != nil {
		v = make([]byte, 8)
		v[1] = 0x01 // IPv4
		copy(v[4:], ip4)
	} else {
		v = make([]byte, 20)
		v[1] = 0x02 // IPv6
		copy(v[4:], ip.To16())
	}
	putU16(v[2:4], uint16(port))

	if xor {
		xorAddress(v, tid)
	}
	return v
}

// decodeAddress decodes a (XOR-)MAPPED-ADDRESS payload.
func decodeAddress(v []byte, xor bool, tid TransactionID) (net.IP, int, error) {
	// 0: reserved, 1: family, 2-3: port, 4..: address
	if len(v) < 4 {
		return nil, 0, ErrMalformedAttribute
	}
	var n int
	switch v[1] {
	case 0x01:
		n = net.IPv4len
	case 0x02:
		n = net.IPv6len
	default:
		return nil, 0, ErrMalformedAttribute
	}
	if len(v) < 4+n {
		return nil, 0, ErrMalformedAttribute
	}

	b := make([]byte, 4+n)
	copy(b, v[:4+n])
	if xor {
		xorAddress(b, tid)
	}
	ip := make(net.IP, n)
	copy(ip, b[4:])
	return ip, int(readU16(b[2:4])), nil
}

// xorAddress applies the XOR-MAPPED-ADDRESS obfuscation in place. The port
// is XOR'ed with the top half of the cookie, the address with the cookie
// followed by the transaction ID.
func xorAddress(v []byte, tid TransactionID) {
	var key [16]byte
	putU32(key[0:4], MagicCookie)
	copy(key[4:], tid[:])

	putU16(v[2:4], readU16(v[2:4])^uint16(MagicCookie>>16))
	for i := 4; i < len(v); i++ {
		v[i] ^= key[i-4]
	}
}

// FindMappedAddress tries XOR-MAPPED-ADDRESS first, then MAPPED-ADDRESS.
func FindMappedAddress(msg *Message) (*net.UDPAddr, error) {
	if a, ok := msg.Get(AttrXORMappedAddress).(XORMappedAddress); ok {
		return &net.UDPAddr{IP: a.IP, Port: a.Port}, nil
	}
	if a, ok := msg.Get(AttrMappedAddress).(MappedAddress); ok {
		return &net.UDPAddr{IP: a.IP, Port: a.Port}, nil
	}
	return nil, ErrNoMappedAddress
}
