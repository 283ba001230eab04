package stun

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
)

// RFC 5389 magic cookie.
const MagicCookie uint32 = 0x2112A442

// STUN message methods.
const (
	MethodBinding uint16 = 0x0001
)

// STUN message classes.
const (
	ClassRequest         = 0x00
	ClassIndication      = 0x01
	ClassSuccessResponse = 0x02
	ClassErrorResponse   = 0x03
)

// AttrType is a STUN attribute type code.
type AttrType uint16

// Attribute types understood by this package (RFC 5389, RFC 8445).
const (
	AttrMappedAddress     AttrType = 0x0001
	AttrUsername          AttrType = 0x0006
	AttrMessageIntegrity  AttrType = 0x0008
	AttrErrorCode         AttrType = 0x0009
	AttrUnknownAttributes AttrType = 0x000A
	AttrXORMappedAddress  AttrType = 0x0020
	AttrPriority          AttrType = 0x0024
	AttrUseCandidate      AttrType = 0x0025
	AttrSoftware          AttrType = 0x8022
	AttrFingerprint       AttrType = 0x8028
	AttrICEControlled     AttrType = 0x8029
	AttrICEControlling    AttrType = 0x802A
)

// Required reports whether the type lies in the comprehension-required range.
func (t AttrType) Required() bool { return t < 0x8000 }

// TransactionID is a 96-bit (12 bytes) ID used to match requests and responses.
type TransactionID [12]byte

// NewTransactionID generates a new cryptographically random transaction ID.
func NewTransactionID() (TransactionID, error) {
	var id TransactionID
	_, err := rand.Read(id[:])
	return id, err
}

func (id TransactionID) String() string { return hex.EncodeToString(id[:]) }

// stunType encodes method/class into the 16-bit STUN message type field.
func stunType(method uint16, class int) uint16 {
	m := method & 0x0FFF
	c := uint16(class & 0x03)

	// Bits:
	// 0-3  : M0-3
	// 4    : C0
	// 5-7  : M4-6
	// 8    : C1
	// 9-13 : M7-11
	t := uint16(0)
	t |= (m & 0x000F)
	t |= (c & 0x01) << 4
	t |= (m & 0x0070) << 1
	t |= (c & 0x02) << 7
	t |= (m & 0x0F80) << 2
	return t
}

// parseType decodes a STUN message type into method/class.
func parseType(t uint16) (method uint16, class int) {
	m := uint16(0)
	c0 := (t >> 4) & 0x1
	c1 := (t >> 8) & 0x1

	m |= (t & 0x000F)
	m |= (t >> 1) & 0x0070
	m |= (t >> 2) & 0x0F80

	return m, int(c0 | (c1 << 1))
}

func readU16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }

func readU32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

func putU16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }

func putU32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }

func padded(n int) int { return (n + 3) &^ 3 }
